// Package tree arbitrates concurrent mutations of a workspace's folder and file
// namespace: names stay unique among siblings, folders never become their own
// ancestors, and stale writers lose with a Conflict instead of overwriting.
package tree

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"codepad/api/internal/events"
	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

// ChangeBus carries committed change records to subscribed sessions.
type ChangeBus interface {
	Publish(workspaceID string, record events.Record)
	Subscribe(workspaceID string) *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// Tree is a full snapshot of one workspace.
type Tree struct {
	Folders []store.Folder `json:"folders"`
	Files   []store.File   `json:"files"`
}

type Coordinator struct {
	store    Store
	bus      ChangeBus
	versions *VersionGuard
	names    *NameGuard
	cycles   *CycleGuard
	newID    func() string
}

func NewCoordinator(s Store, bus ChangeBus) *Coordinator {
	return &Coordinator{
		store:    s,
		bus:      bus,
		versions: NewVersionGuard(s),
		names:    NewNameGuard(s),
		cycles:   NewCycleGuard(s),
		newID:    util.NewID,
	}
}

func (c *Coordinator) GetTree(ctx context.Context, workspaceID string) (Tree, error) {
	const op = "get tree"
	if err := c.requireWorkspace(ctx, op, workspaceID); err != nil {
		return Tree{}, err
	}
	folders, err := c.store.ListFolders(ctx, workspaceID)
	if err != nil {
		return Tree{}, fromStore(op, workspaceID, err)
	}
	files, err := c.store.ListFiles(ctx, workspaceID)
	if err != nil {
		return Tree{}, fromStore(op, workspaceID, err)
	}
	return Tree{Folders: folders, Files: files}, nil
}

// CreateFolder inserts a folder at version 0 under parentID, or at root level when parentID is nil.
func (c *Coordinator) CreateFolder(ctx context.Context, workspaceID string, parentID *string, name string) (folder store.Folder, err error) {
	const op = "create folder"
	defer c.observe(ctx, events.EntityFolder, events.OpCreate, &err)

	name, err = ValidateName(name)
	if err != nil {
		return store.Folder{}, withOp(err, op)
	}
	if err := c.requireWorkspace(ctx, op, workspaceID); err != nil {
		return store.Folder{}, err
	}
	if parentID != nil {
		if _, err := c.targetFolder(ctx, op, workspaceID, *parentID); err != nil {
			return store.Folder{}, err
		}
	}
	if err := c.names.require(ctx, op, FolderScope(workspaceID, parentID), name, ""); err != nil {
		return store.Folder{}, err
	}

	folder, err = c.store.InsertFolder(ctx, store.Folder{
		ID:          c.newID(),
		WorkspaceID: workspaceID,
		ParentID:    parentID,
		Name:        name,
	})
	if err != nil {
		return store.Folder{}, fromStore(op, "", err)
	}
	c.publishFolder(workspaceID, events.OpCreate, folder)
	return folder, nil
}

// CreateFile inserts a file at version 0 together with its empty content.
func (c *Coordinator) CreateFile(ctx context.Context, workspaceID, folderID, name string) (file store.File, err error) {
	const op = "create file"
	defer c.observe(ctx, events.EntityFile, events.OpCreate, &err)

	name, err = ValidateName(name)
	if err != nil {
		return store.File{}, withOp(err, op)
	}
	if err := c.requireWorkspace(ctx, op, workspaceID); err != nil {
		return store.File{}, err
	}
	if _, err := c.targetFolder(ctx, op, workspaceID, folderID); err != nil {
		return store.File{}, err
	}
	if err := c.names.require(ctx, op, FileScope(workspaceID, folderID), name, ""); err != nil {
		return store.File{}, err
	}

	file, err = c.store.InsertFile(ctx, store.File{
		ID:          c.newID(),
		WorkspaceID: workspaceID,
		FolderID:    folderID,
		Name:        name,
	})
	if err != nil {
		return store.File{}, fromStore(op, "", err)
	}
	c.publishFile(workspaceID, events.OpCreate, file)
	return file, nil
}

func (c *Coordinator) RenameFolder(ctx context.Context, workspaceID, folderID, newName string, expectedVersion int64) (folder store.Folder, err error) {
	const op = "rename folder"
	defer c.observe(ctx, events.EntityFolder, events.OpRename, &err)

	newName, err = ValidateName(newName)
	if err != nil {
		return store.Folder{}, withOp(err, op)
	}
	current, err := c.ownFolder(ctx, op, workspaceID, folderID, expectedVersion)
	if err != nil {
		return store.Folder{}, err
	}
	if err := c.names.require(ctx, op, FolderScope(workspaceID, current.ParentID), newName, folderID); err != nil {
		return store.Folder{}, err
	}
	folder, err = c.versions.ApplyFolder(ctx, op, folderID, expectedVersion, store.FolderMutation{Name: &newName})
	if err != nil {
		return store.Folder{}, err
	}
	c.publishFolder(workspaceID, events.OpRename, folder)
	return folder, nil
}

// MoveFolder re-parents a folder; a nil parentID moves it to root level.
func (c *Coordinator) MoveFolder(ctx context.Context, workspaceID, folderID string, parentID *string, expectedVersion int64) (folder store.Folder, err error) {
	const op = "move folder"
	defer c.observe(ctx, events.EntityFolder, events.OpMove, &err)

	current, err := c.ownFolder(ctx, op, workspaceID, folderID, expectedVersion)
	if err != nil {
		return store.Folder{}, err
	}
	if parentID != nil {
		if _, err := c.targetFolder(ctx, op, workspaceID, *parentID); err != nil {
			return store.Folder{}, err
		}
	}
	cycle, err := c.cycles.WouldCreateCycle(ctx, folderID, parentID)
	if err != nil {
		return store.Folder{}, withOp(err, op)
	}
	if cycle {
		return store.Folder{}, newError(KindCycle, op, folderID, nil)
	}
	if err := c.names.require(ctx, op, FolderScope(workspaceID, parentID), current.Name, folderID); err != nil {
		return store.Folder{}, err
	}
	folder, err = c.versions.ApplyFolder(ctx, op, folderID, expectedVersion, store.FolderMutation{Reparent: true, ParentID: parentID})
	if err != nil {
		return store.Folder{}, err
	}
	c.publishFolder(workspaceID, events.OpMove, folder)
	return folder, nil
}

// DeleteFolder removes the folder and its whole subtree in one atomic write.
func (c *Coordinator) DeleteFolder(ctx context.Context, workspaceID, folderID string, expectedVersion int64) (err error) {
	const op = "delete folder"
	defer c.observe(ctx, events.EntityFolder, events.OpDelete, &err)

	if _, err := c.ownFolder(ctx, op, workspaceID, folderID, expectedVersion); err != nil {
		return err
	}
	if err := c.versions.DeleteFolder(ctx, op, folderID, expectedVersion); err != nil {
		return err
	}
	c.bus.Publish(workspaceID, events.Record{Entity: events.EntityFolder, Op: events.OpDelete, ID: folderID})
	return nil
}

func (c *Coordinator) RenameFile(ctx context.Context, workspaceID, fileID, newName string, expectedVersion int64) (file store.File, err error) {
	const op = "rename file"
	defer c.observe(ctx, events.EntityFile, events.OpRename, &err)

	newName, err = ValidateName(newName)
	if err != nil {
		return store.File{}, withOp(err, op)
	}
	current, err := c.ownFile(ctx, op, workspaceID, fileID, expectedVersion)
	if err != nil {
		return store.File{}, err
	}
	if err := c.names.require(ctx, op, FileScope(workspaceID, current.FolderID), newName, fileID); err != nil {
		return store.File{}, err
	}
	file, err = c.versions.ApplyFile(ctx, op, fileID, expectedVersion, store.FileMutation{Name: &newName})
	if err != nil {
		return store.File{}, err
	}
	c.publishFile(workspaceID, events.OpRename, file)
	return file, nil
}

func (c *Coordinator) MoveFile(ctx context.Context, workspaceID, fileID, folderID string, expectedVersion int64) (file store.File, err error) {
	const op = "move file"
	defer c.observe(ctx, events.EntityFile, events.OpMove, &err)

	current, err := c.ownFile(ctx, op, workspaceID, fileID, expectedVersion)
	if err != nil {
		return store.File{}, err
	}
	if _, err := c.targetFolder(ctx, op, workspaceID, folderID); err != nil {
		return store.File{}, err
	}
	if err := c.names.require(ctx, op, FileScope(workspaceID, folderID), current.Name, fileID); err != nil {
		return store.File{}, err
	}
	file, err = c.versions.ApplyFile(ctx, op, fileID, expectedVersion, store.FileMutation{FolderID: &folderID})
	if err != nil {
		return store.File{}, err
	}
	c.publishFile(workspaceID, events.OpMove, file)
	return file, nil
}

func (c *Coordinator) DeleteFile(ctx context.Context, workspaceID, fileID string, expectedVersion int64) (err error) {
	const op = "delete file"
	defer c.observe(ctx, events.EntityFile, events.OpDelete, &err)

	if _, err := c.ownFile(ctx, op, workspaceID, fileID, expectedVersion); err != nil {
		return err
	}
	if err := c.versions.DeleteFile(ctx, op, fileID, expectedVersion); err != nil {
		return err
	}
	c.bus.Publish(workspaceID, events.Record{Entity: events.EntityFile, Op: events.OpDelete, ID: fileID})
	return nil
}

// UpdateFileContent saves text and recomputes the file size. The file version is untouched.
func (c *Coordinator) UpdateFileContent(ctx context.Context, workspaceID, fileID, text string) (file store.File, err error) {
	const op = "update content"
	defer c.observe(ctx, events.EntityFile, events.OpUpdate, &err)

	if _, err := c.ownFile(ctx, op, workspaceID, fileID, -1); err != nil {
		return store.File{}, err
	}
	file, err = c.store.SaveFileContent(ctx, fileID, text)
	if err != nil {
		return store.File{}, fromStore(op, fileID, err)
	}
	c.publishFile(workspaceID, events.OpUpdate, file)
	return file, nil
}

func (c *Coordinator) GetFileContent(ctx context.Context, workspaceID, fileID string) (store.FileContent, error) {
	const op = "get content"
	if _, err := c.ownFile(ctx, op, workspaceID, fileID, -1); err != nil {
		return store.FileContent{}, err
	}
	content, err := c.store.GetFileContent(ctx, fileID)
	if err != nil {
		return store.FileContent{}, fromStore(op, fileID, err)
	}
	return content, nil
}

// SubscribeToChanges attaches a subscriber to the workspace's change stream.
// Callers release it with Unsubscribe and re-fetch the tree after attaching.
func (c *Coordinator) SubscribeToChanges(ctx context.Context, workspaceID string) (*events.Subscription, error) {
	if err := c.requireWorkspace(ctx, "subscribe", workspaceID); err != nil {
		return nil, err
	}
	return c.bus.Subscribe(workspaceID), nil
}

func (c *Coordinator) Unsubscribe(sub *events.Subscription) {
	c.bus.Unsubscribe(sub)
}

// ResolveArchivePaths lists every file of the workspace with its slash-joined path and saved text.
func (c *Coordinator) ResolveArchivePaths(ctx context.Context, workspaceID string) ([]ArchiveEntry, error) {
	const op = "resolve archive"
	if err := c.requireWorkspace(ctx, op, workspaceID); err != nil {
		return nil, err
	}
	folders, err := c.store.ListFolders(ctx, workspaceID)
	if err != nil {
		return nil, fromStore(op, workspaceID, err)
	}
	contents, err := c.store.ListContents(ctx, workspaceID)
	if err != nil {
		return nil, fromStore(op, workspaceID, err)
	}
	entries, err := NewPathResolver(folders).Entries(contents)
	if err != nil {
		logging.WithContext(ctx).Error("workspace tree failed integrity check",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		return nil, err
	}
	return entries, nil
}

func (c *Coordinator) requireWorkspace(ctx context.Context, op, workspaceID string) error {
	exists, err := c.store.WorkspaceExists(ctx, workspaceID)
	if err != nil {
		return fromStore(op, workspaceID, err)
	}
	if !exists {
		return newError(KindNotFound, op, workspaceID, nil)
	}
	return nil
}

// ownFolder loads a folder the caller addresses directly. Folders of other
// workspaces read as NotFound. A non-negative expectedVersion that is already
// stale short-circuits to Conflict; the conditional write still decides.
func (c *Coordinator) ownFolder(ctx context.Context, op, workspaceID, folderID string, expectedVersion int64) (store.Folder, error) {
	folder, err := c.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, fromStore(op, folderID, err)
	}
	if folder.WorkspaceID != workspaceID {
		return store.Folder{}, newError(KindNotFound, op, folderID, nil)
	}
	if expectedVersion >= 0 && folder.Version != expectedVersion {
		return store.Folder{}, conflict(ReasonVersion, op, folderID)
	}
	return folder, nil
}

func (c *Coordinator) ownFile(ctx context.Context, op, workspaceID, fileID string, expectedVersion int64) (store.File, error) {
	file, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return store.File{}, fromStore(op, fileID, err)
	}
	if file.WorkspaceID != workspaceID {
		return store.File{}, newError(KindNotFound, op, fileID, nil)
	}
	if expectedVersion >= 0 && file.Version != expectedVersion {
		return store.File{}, conflict(ReasonVersion, op, fileID)
	}
	return file, nil
}

// targetFolder loads a parent or destination folder; one from another workspace is CrossScope.
func (c *Coordinator) targetFolder(ctx context.Context, op, workspaceID, folderID string) (store.Folder, error) {
	folder, err := c.store.GetFolder(ctx, folderID)
	if err != nil {
		return store.Folder{}, fromStore(op, folderID, err)
	}
	if folder.WorkspaceID != workspaceID {
		return store.Folder{}, newError(KindCrossScope, op, folderID, nil)
	}
	return folder, nil
}

func (c *Coordinator) publishFolder(workspaceID string, op events.Op, folder store.Folder) {
	snapshot := folder
	c.bus.Publish(workspaceID, events.Record{Entity: events.EntityFolder, Op: op, ID: folder.ID, Folder: &snapshot})
}

func (c *Coordinator) publishFile(workspaceID string, op events.Op, file store.File) {
	snapshot := file
	c.bus.Publish(workspaceID, events.Record{Entity: events.EntityFile, Op: op, ID: file.ID, File: &snapshot})
}

func (c *Coordinator) observe(ctx context.Context, entity events.Entity, op events.Op, errp *error) {
	logger := logging.WithContext(ctx).With(
		zap.String("entity", string(entity)),
		zap.String("op", string(op)),
	)
	err := *errp
	if err == nil {
		metrics.RecordMutation(string(entity), string(op), "ok")
		logger.Debug("tree mutation committed")
		return
	}

	kind := KindOf(err)
	outcome := kind.String()
	if kind == KindConflict {
		outcome = ReasonOf(err)
	}
	metrics.RecordMutation(string(entity), string(op), outcome)

	switch kind {
	case KindIntegrity:
		logger.Error("tree mutation hit corrupted data", zap.Error(err))
	case KindInternal:
		logger.Error("tree mutation failed", zap.Error(err))
	default:
		logger.Debug("tree mutation rejected", zap.String("outcome", outcome))
	}
}

// withOp stamps op onto a tree error that was built without one.
func withOp(err error, op string) error {
	var typed *Error
	if errors.As(err, &typed) && typed.Op == "" {
		copied := *typed
		copied.Op = op
		return &copied
	}
	return err
}
