package search

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"codepad/api/internal/logging"
	"codepad/api/internal/store"
)

// Index is a search engine that also accepts document writes.
type Index interface {
	Searcher
	IndexFile(rec FileRecord) error
	IndexFiles(recs []FileRecord) error
	DeleteFile(id string) error
}

// FileLookup resolves a hit back to the current file row.
type FileLookup interface {
	GetFile(ctx context.Context, fileID string) (store.File, error)
}

// RecordLoader lists every file for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]FileRecord, error)
}

// Service is the facade that tries the index first and falls back to the primary store.
type Service struct {
	index    Index
	fallback Searcher
	files    FileLookup
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Searcher, files FileLookup) *Service {
	return &Service{index: index, fallback: fallback, files: files}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back. Hits for files that no
// longer exist in the workspace are dropped and purged from the index.
func (s *Service) Search(ctx context.Context, q Query) Response {
	logger := logging.WithContext(ctx).With(zap.String("workspace_id", q.WorkspaceID))
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			results, dropped := s.dropStale(ctx, q.WorkspaceID, results)
			return Response{Results: nonNil(results), Total: max(total-dropped, 0), Query: q.Text}
		}
		logger.Warn("index search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) dropStale(ctx context.Context, workspaceID string, results []Result) ([]Result, int) {
	if s.files == nil {
		return results, 0
	}
	kept := make([]Result, 0, len(results))
	dropped := 0
	for _, result := range results {
		file, err := s.files.GetFile(ctx, result.FileID)
		switch {
		case err == nil && file.WorkspaceID == workspaceID:
			result.Name = file.Name
			result.FolderID = file.FolderID
			kept = append(kept, result)
		case err == nil:
			// indexed under the wrong workspace; hide it but leave the entry for the owner
			dropped++
		case store.IsNotFound(err):
			dropped++
			s.DeleteFile(result.FileID)
		default:
			kept = append(kept, result)
		}
	}
	return kept, dropped
}

// IndexFile indexes a file (fire-and-forget).
func (s *Service) IndexFile(rec FileRecord) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexFile(rec); err != nil {
			logging.L().Warn("index file", zap.String("file_id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteFile removes a file from the index (fire-and-forget).
func (s *Service) DeleteFile(id string) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteFile(id); err != nil {
			logging.L().Warn("delete indexed file", zap.String("file_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes every file from loader into the index.
func (s *Service) ReindexAll(ctx context.Context, loader RecordLoader) {
	if !s.indexReady() || loader == nil {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		logging.L().Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexFiles(records); err != nil {
		logging.L().Error("reindex files", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	logging.L().Info("reindexed files", zap.Int("count", len(records)))
}

// Flush waits for queued index writes to finish.
func (s *Service) Flush() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
