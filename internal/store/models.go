package store

import "time"

type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Folder is a node of the workspace tree. A nil ParentID marks a root-level folder.
type Folder struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	ParentID    *string   `json:"parentId"`
	Name        string    `json:"name"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// File always lives in exactly one folder. Size is derived from the saved content.
type File struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	FolderID    string    `json:"folderId"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type FileContent struct {
	FileID    string
	Text      string
	UpdatedAt time.Time
}

// ContentEntry pairs a file with its saved text for bulk reads such as archive export.
type ContentEntry struct {
	File File
	Text string
}

// FolderMutation lists the field changes applied by a version-checked folder update.
// Reparent must be set for ParentID to be applied, since nil is a valid target (root).
type FolderMutation struct {
	Name     *string
	Reparent bool
	ParentID *string
}

type FileMutation struct {
	Name     *string
	FolderID *string
}

type AccessSession struct {
	JTI         string
	WorkspaceID string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}
