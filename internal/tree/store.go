package tree

import (
	"context"

	"codepad/api/internal/store"
)

// FolderReader loads single folders.
type FolderReader interface {
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
}

// NameIndex answers sibling-name lookups.
type NameIndex interface {
	FolderNameExists(ctx context.Context, workspaceID string, parentID *string, name, excludeID string) (bool, error)
	FileNameExists(ctx context.Context, workspaceID, folderID, name, excludeID string) (bool, error)
}

// VersionedWriter performs the conditional writes behind VersionGuard.
type VersionedWriter interface {
	GetFolder(ctx context.Context, folderID string) (store.Folder, error)
	GetFile(ctx context.Context, fileID string) (store.File, error)
	UpdateFolderIfVersion(ctx context.Context, folderID string, expected int64, m store.FolderMutation) (store.Folder, bool, error)
	UpdateFileIfVersion(ctx context.Context, fileID string, expected int64, m store.FileMutation) (store.File, bool, error)
	DeleteFolderIfVersion(ctx context.Context, folderID string, expected int64) (bool, error)
	DeleteFileIfVersion(ctx context.Context, fileID string, expected int64) (bool, error)
}

// Store is everything the coordinator needs from durable storage.
type Store interface {
	FolderReader
	NameIndex
	VersionedWriter

	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	ListFolders(ctx context.Context, workspaceID string) ([]store.Folder, error)
	ListFiles(ctx context.Context, workspaceID string) ([]store.File, error)
	ListContents(ctx context.Context, workspaceID string) ([]store.ContentEntry, error)
	GetFileContent(ctx context.Context, fileID string) (store.FileContent, error)
	InsertFolder(ctx context.Context, folder store.Folder) (store.Folder, error)
	InsertFile(ctx context.Context, file store.File) (store.File, error)
	SaveFileContent(ctx context.Context, fileID, text string) (store.File, error)
}

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.MemoryStore)(nil)
)
