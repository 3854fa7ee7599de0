package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	FileID   string `json:"fileId"`
	FolderID string `json:"folderId"`
	Name     string `json:"name"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request scoped to one workspace.
type Query struct {
	WorkspaceID string
	Text        string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// FileRecord is the data we index for a file.
type FileRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	FolderID    string `json:"folderId"`
	Name        string `json:"name"`
	Body        string `json:"body"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
