package tree

import (
	"context"
	"errors"

	"codepad/api/internal/store"
)

// VersionGuard applies compare-and-swap writes: a mutation lands only while the
// stored version equals the caller's expected version, and bumps it by one.
// When nothing was written it re-reads the node to tell a vanished node from a
// stale version.
type VersionGuard struct {
	store VersionedWriter
}

func NewVersionGuard(s VersionedWriter) *VersionGuard {
	return &VersionGuard{store: s}
}

func (g *VersionGuard) ApplyFolder(ctx context.Context, op, folderID string, expected int64, m store.FolderMutation) (store.Folder, error) {
	folder, applied, err := g.store.UpdateFolderIfVersion(ctx, folderID, expected, m)
	if err != nil {
		return store.Folder{}, fromStore(op, folderID, err)
	}
	if applied {
		return folder, nil
	}
	current, err := g.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, missOrFail(op, folderID, err)
	}
	if current.Version != expected {
		return store.Folder{}, conflict(ReasonVersion, op, folderID)
	}
	if m.Reparent {
		// version matched, so the store's ancestor check refused the new parent
		return store.Folder{}, newError(KindCycle, op, folderID, nil)
	}
	return store.Folder{}, conflict(ReasonVersion, op, folderID)
}

func (g *VersionGuard) ApplyFile(ctx context.Context, op, fileID string, expected int64, m store.FileMutation) (store.File, error) {
	file, applied, err := g.store.UpdateFileIfVersion(ctx, fileID, expected, m)
	if err != nil {
		return store.File{}, fromStore(op, fileID, err)
	}
	if applied {
		return file, nil
	}
	if _, err := g.store.GetFile(ctx, fileID); err != nil {
		return store.File{}, missOrFail(op, fileID, err)
	}
	return store.File{}, conflict(ReasonVersion, op, fileID)
}

func (g *VersionGuard) DeleteFolder(ctx context.Context, op, folderID string, expected int64) error {
	applied, err := g.store.DeleteFolderIfVersion(ctx, folderID, expected)
	if err != nil {
		return fromStore(op, folderID, err)
	}
	if applied {
		return nil
	}
	if _, err := g.store.GetFolder(ctx, folderID); err != nil {
		return missOrFail(op, folderID, err)
	}
	return conflict(ReasonVersion, op, folderID)
}

func (g *VersionGuard) DeleteFile(ctx context.Context, op, fileID string, expected int64) error {
	applied, err := g.store.DeleteFileIfVersion(ctx, fileID, expected)
	if err != nil {
		return fromStore(op, fileID, err)
	}
	if applied {
		return nil
	}
	if _, err := g.store.GetFile(ctx, fileID); err != nil {
		return missOrFail(op, fileID, err)
	}
	return conflict(ReasonVersion, op, fileID)
}

func missOrFail(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, op, id, nil)
	}
	return newError(KindInternal, op, id, err)
}
