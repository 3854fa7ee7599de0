package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"codepad/api/internal/logging"
)

const idxFiles = "codepad_files"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the file index.
// An unreachable server leaves the client unhealthy until the health loop sees it recover.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logging.L().Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	logger := logging.L().With(zap.String("index", idxFiles))
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxFiles,
		PrimaryKey: "id",
	}); err != nil {
		logger.Debug("create index (may already exist)", zap.Error(err))
	}

	index := m.client.Index(idxFiles)
	filterable := []interface{}{"workspaceId", "folderId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"name", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.Warn("update searchable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logging.L().Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxFiles,
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(q.offset()),
			Filter:                fmt.Sprintf("workspaceId = %q", q.WorkspaceID),
			AttributesToHighlight: []string{"name", "body"},
			AttributesToCrop:      []string{"body"},
			CropLength:            30,
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		FileID:   decodeString(hit, "id"),
		FolderID: decodeString(hit, "folderId"),
		Name:     decodeString(hit, "name"),
		Snippet:  firstNonBlank(decodeFormattedString(hit, "body"), decodeFormattedString(hit, "name")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexFile adds or updates a file in the search index.
func (m *Meili) IndexFile(rec FileRecord) error {
	_, err := m.client.Index(idxFiles).AddDocuments([]FileRecord{rec}, nil)
	return err
}

// DeleteFile removes a file from the search index.
func (m *Meili) DeleteFile(id string) error {
	_, err := m.client.Index(idxFiles).DeleteDocument(id, nil)
	return err
}

// IndexFiles bulk-indexes files.
func (m *Meili) IndexFiles(files []FileRecord) error {
	if len(files) == 0 {
		return nil
	}
	_, err := m.client.Index(idxFiles).AddDocuments(files, nil)
	return err
}
