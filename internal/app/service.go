package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"codepad/api/internal/auth"
	"codepad/api/internal/events"
	"codepad/api/internal/export"
	"codepad/api/internal/gate"
	"codepad/api/internal/gitrepo"
	"codepad/api/internal/logging"
	"codepad/api/internal/search"
	"codepad/api/internal/store"
	"codepad/api/internal/tree"
)

// dataStore is the primary store as seen by the HTTP layer.
type dataStore interface {
	tree.Store
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	Ping(ctx context.Context) error
}

// Pinger is an optional backend checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the collaborators behind Service. Search, Export and Snapshots are optional.
type Deps struct {
	Store     dataStore
	Tree      *tree.Coordinator
	Gate      *gate.Service
	Search    *search.Service
	Export    *export.Service
	Snapshots *gitrepo.Service
	// Probes are checked by /api/ready next to the primary store, keyed by name.
	Probes map[string]Pinger
}

type Service struct {
	store     dataStore
	tree      *tree.Coordinator
	gate      *gate.Service
	search    *search.Service
	export    *export.Service
	snapshots *gitrepo.Service
	probes    map[string]Pinger
}

func New(deps Deps) *Service {
	return &Service{
		store:     deps.Store,
		tree:      deps.Tree,
		gate:      deps.Gate,
		search:    deps.Search,
		export:    deps.Export,
		snapshots: deps.Snapshots,
		probes:    deps.Probes,
	}
}

// Bootstrap pushes every stored file into the search index when one is configured.
func (s *Service) Bootstrap(ctx context.Context, loader search.RecordLoader) {
	if s.search == nil || loader == nil {
		return
	}
	s.search.ReindexAll(ctx, loader)
}

// Readiness pings the primary store and every probe. A nil entry means healthy.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	for name, probe := range s.probes {
		checks[name] = probe.Ping(ctx)
	}
	return checks
}

func (s *Service) CreateWorkspace(ctx context.Context, name, password string) (*gate.Grant, error) {
	return s.gate.CreateWorkspace(ctx, name, password)
}

func (s *Service) Unlock(ctx context.Context, workspaceID, password, client string) (*gate.Grant, error) {
	return s.gate.Unlock(ctx, workspaceID, password, client)
}

func (s *Service) Authenticate(ctx context.Context, token string) (auth.Claims, error) {
	return s.gate.Authenticate(ctx, token)
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.gate.Logout(ctx, token)
}

func (s *Service) GetTree(ctx context.Context, workspaceID string) (tree.Tree, error) {
	return s.tree.GetTree(ctx, workspaceID)
}

func (s *Service) CreateFolder(ctx context.Context, workspaceID string, parentID *string, name string) (store.Folder, error) {
	return s.tree.CreateFolder(ctx, workspaceID, parentID, name)
}

func (s *Service) RenameFolder(ctx context.Context, workspaceID, folderID, name string, version int64) (store.Folder, error) {
	return s.tree.RenameFolder(ctx, workspaceID, folderID, name, version)
}

func (s *Service) MoveFolder(ctx context.Context, workspaceID, folderID string, parentID *string, version int64) (store.Folder, error) {
	return s.tree.MoveFolder(ctx, workspaceID, folderID, parentID, version)
}

// DeleteFolder removes the subtree. Index entries of the removed files are purged
// lazily when search next returns them.
func (s *Service) DeleteFolder(ctx context.Context, workspaceID, folderID string, version int64) error {
	return s.tree.DeleteFolder(ctx, workspaceID, folderID, version)
}

func (s *Service) CreateFile(ctx context.Context, workspaceID, folderID, name string) (store.File, error) {
	file, err := s.tree.CreateFile(ctx, workspaceID, folderID, name)
	if err != nil {
		return store.File{}, err
	}
	s.indexFile(file, "")
	return file, nil
}

func (s *Service) RenameFile(ctx context.Context, workspaceID, fileID, name string, version int64) (store.File, error) {
	file, err := s.tree.RenameFile(ctx, workspaceID, fileID, name, version)
	if err != nil {
		return store.File{}, err
	}
	s.reindexFile(ctx, file)
	return file, nil
}

func (s *Service) MoveFile(ctx context.Context, workspaceID, fileID, folderID string, version int64) (store.File, error) {
	file, err := s.tree.MoveFile(ctx, workspaceID, fileID, folderID, version)
	if err != nil {
		return store.File{}, err
	}
	s.reindexFile(ctx, file)
	return file, nil
}

func (s *Service) DeleteFile(ctx context.Context, workspaceID, fileID string, version int64) error {
	if err := s.tree.DeleteFile(ctx, workspaceID, fileID, version); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteFile(fileID)
	}
	return nil
}

// FileContent is the saved text of a file together with its node.
type FileContent struct {
	File      store.File `json:"file"`
	Text      string     `json:"text"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (s *Service) GetFileContent(ctx context.Context, workspaceID, fileID string) (FileContent, error) {
	content, err := s.tree.GetFileContent(ctx, workspaceID, fileID)
	if err != nil {
		return FileContent{}, err
	}
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return FileContent{}, fmt.Errorf("load file: %w", err)
	}
	return FileContent{File: file, Text: content.Text, UpdatedAt: content.UpdatedAt}, nil
}

func (s *Service) UpdateFileContent(ctx context.Context, workspaceID, fileID, text string) (store.File, error) {
	file, err := s.tree.UpdateFileContent(ctx, workspaceID, fileID, text)
	if err != nil {
		return store.File{}, err
	}
	s.indexFile(file, text)
	return file, nil
}

func (s *Service) Subscribe(ctx context.Context, workspaceID string) (*events.Subscription, error) {
	return s.tree.SubscribeToChanges(ctx, workspaceID)
}

func (s *Service) Unsubscribe(sub *events.Subscription) {
	s.tree.Unsubscribe(sub)
}

func (s *Service) Search(ctx context.Context, workspaceID, text string, limit, offset int) search.Response {
	text = strings.TrimSpace(text)
	if s.search == nil || text == "" {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{WorkspaceID: workspaceID, Text: text, Limit: limit, Offset: offset})
}

func (s *Service) Archive(ctx context.Context, workspaceID string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Archive export is not configured", nil)
	}
	return s.export.Archive(ctx, workspaceID, s.workspaceName(ctx, workspaceID))
}

func (s *Service) PublishArchive(ctx context.Context, workspaceID string) (export.Upload, error) {
	if s.export == nil {
		return export.Upload{}, export.ErrUploadDisabled
	}
	return s.export.Publish(ctx, workspaceID, s.workspaceName(ctx, workspaceID))
}

// CreateSnapshot commits the current archive of the workspace to its history.
func (s *Service) CreateSnapshot(ctx context.Context, workspaceID, message string) (gitrepo.Snapshot, error) {
	if s.snapshots == nil {
		return gitrepo.Snapshot{}, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_UNAVAILABLE", "Snapshots are not configured", nil)
	}
	entries, err := s.tree.ResolveArchivePaths(ctx, workspaceID)
	if err != nil {
		return gitrepo.Snapshot{}, err
	}
	snapshot, err := s.snapshots.Commit(workspaceID, entries, "", strings.TrimSpace(message))
	if err != nil {
		return gitrepo.Snapshot{}, err
	}
	logging.WithContext(ctx).Info("snapshot created",
		zap.String("workspace_id", workspaceID),
		zap.String("hash", snapshot.Hash),
		zap.Int("files", len(entries)),
	)
	return snapshot, nil
}

func (s *Service) ListSnapshots(_ context.Context, workspaceID string, limit int) ([]gitrepo.Snapshot, error) {
	if s.snapshots == nil {
		return []gitrepo.Snapshot{}, nil
	}
	return s.snapshots.History(workspaceID, limit)
}

func (s *Service) SnapshotFiles(_ context.Context, workspaceID, hash string) ([]gitrepo.SnapshotFile, error) {
	if s.snapshots == nil {
		return nil, gitrepo.ErrNoRepository
	}
	return s.snapshots.Files(workspaceID, hash)
}

func (s *Service) workspaceName(ctx context.Context, workspaceID string) string {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return ""
	}
	return workspace.Name
}

func (s *Service) indexFile(file store.File, text string) {
	if s.search == nil {
		return
	}
	s.search.IndexFile(search.FileRecord{
		ID:          file.ID,
		WorkspaceID: file.WorkspaceID,
		FolderID:    file.FolderID,
		Name:        file.Name,
		Body:        text,
	})
}

func (s *Service) reindexFile(ctx context.Context, file store.File) {
	if s.search == nil {
		return
	}
	content, err := s.store.GetFileContent(ctx, file.ID)
	if err != nil {
		logging.WithContext(ctx).Warn("load content for index", zap.String("file_id", file.ID), zap.Error(err))
		return
	}
	s.indexFile(file, content.Text)
}
