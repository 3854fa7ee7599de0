package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"codepad/api/internal/store"
)

// ContentLister returns every file of a workspace with its saved text.
type ContentLister interface {
	ListContents(ctx context.Context, workspaceID string) ([]store.ContentEntry, error)
}

// Scan is a Searcher that walks the workspace contents in memory.
// It backs search when neither Meilisearch nor Postgres is available.
type Scan struct {
	contents ContentLister
}

func NewScan(contents ContentLister) *Scan {
	return &Scan{contents: contents}
}

func (s *Scan) Healthy() bool { return true }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	entries, err := s.contents.ListContents(ctx, q.WorkspaceID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan contents: %w", err)
	}

	type scored struct {
		result Result
		byName bool
	}
	var matches []scored
	for _, entry := range entries {
		byName := strings.Contains(strings.ToLower(entry.File.Name), needle)
		snippet, inBody := snippetAround(entry.Text, needle)
		if !byName && !inBody {
			continue
		}
		matches = append(matches, scored{
			result: Result{
				FileID:   entry.File.ID,
				FolderID: entry.File.FolderID,
				Name:     entry.File.Name,
				Snippet:  snippet,
			},
			byName: byName,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].byName != matches[j].byName {
			return matches[i].byName
		}
		return strings.ToLower(matches[i].result.Name) < strings.ToLower(matches[j].result.Name)
	})

	total := len(matches)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-start)
	for _, m := range matches[start:end] {
		results = append(results, m.result)
	}
	return results, total, nil
}

const snippetRadius = 60

// snippetAround returns the text surrounding the first case-insensitive match of needle.
func snippetAround(text, needle string) (string, bool) {
	idx := strings.Index(strings.ToLower(text), needle)
	if idx < 0 {
		return "", false
	}
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	if start > len(text) {
		start = len(text)
	}
	end := idx + len(needle) + snippetRadius
	if end > len(text) {
		end = len(text)
	}
	// keep the cut on rune boundaries
	for start > 0 && start < len(text) && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.Join(strings.Fields(text[start:end]), " "), true
}
