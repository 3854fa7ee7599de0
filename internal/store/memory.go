package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the workspace tree in process memory. It enforces the same
// constraints as the Postgres schema: sibling name uniqueness, same-workspace
// references, acyclic parents and cascading deletes, all under one mutex.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	workspaces map[string]Workspace
	folders    map[string]memFolder
	files      map[string]memFile
	contents   map[string]FileContent
	sessions   map[string]AccessSession
	now        func() time.Time
}

type memFolder struct {
	Folder
	seq int64
}

type memFile struct {
	File
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: map[string]Workspace{},
		folders:    map[string]memFolder{},
		files:      map[string]memFile{},
		contents:   map[string]FileContent{},
		sessions:   map[string]AccessSession{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateWorkspace(_ context.Context, workspace Workspace) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspace.ID]; ok {
		return Workspace{}, ErrDuplicateName
	}
	now := s.now()
	workspace.CreatedAt = now
	workspace.UpdatedAt = now
	s.workspaces[workspace.ID] = workspace
	return workspace, nil
}

func (s *MemoryStore) GetWorkspace(_ context.Context, workspaceID string) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) WorkspaceExists(_ context.Context, workspaceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workspaces[workspaceID]
	return ok, nil
}

func (s *MemoryStore) SaveAccessSession(_ context.Context, jti, workspaceID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return ErrMissingReference
	}
	s.sessions[jti] = AccessSession{JTI: jti, WorkspaceID: workspaceID, ExpiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupAccessSession(_ context.Context, jti string) (AccessSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.sessions[jti]
	if !ok || item.RevokedAt != nil || !item.ExpiresAt.After(s.now()) {
		return AccessSession{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) RevokeAccessSession(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.sessions[jti]
	if !ok {
		return nil
	}
	revoked := s.now()
	item.RevokedAt = &revoked
	s.sessions[jti] = item
	return nil
}

func (s *MemoryStore) PurgeExpiredSessions(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var purged int64
	for jti, item := range s.sessions {
		if !item.ExpiresAt.After(now) {
			delete(s.sessions, jti)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) ListFolders(_ context.Context, workspaceID string) ([]Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]memFolder, 0)
	for _, item := range s.folders {
		if item.WorkspaceID == workspaceID {
			rows = append(rows, item)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	items := make([]Folder, 0, len(rows))
	for _, row := range rows {
		items = append(items, cloneFolder(row.Folder))
	}
	return items, nil
}

func (s *MemoryStore) ListFiles(_ context.Context, workspaceID string) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]memFile, 0)
	for _, item := range s.files {
		if item.WorkspaceID == workspaceID {
			rows = append(rows, item)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	items := make([]File, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.File)
	}
	return items, nil
}

func (s *MemoryStore) ListContents(_ context.Context, workspaceID string) ([]ContentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]ContentEntry, 0)
	for _, item := range s.files {
		if item.WorkspaceID != workspaceID {
			continue
		}
		items = append(items, ContentEntry{File: item.File, Text: s.contents[item.ID].Text})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].File.ID < items[j].File.ID })
	return items, nil
}

func (s *MemoryStore) GetFolder(_ context.Context, folderID string) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.folders[folderID]
	if !ok {
		return Folder{}, ErrNotFound
	}
	return cloneFolder(item.Folder), nil
}

func (s *MemoryStore) GetFile(_ context.Context, fileID string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.files[fileID]
	if !ok {
		return File{}, ErrNotFound
	}
	return item.File, nil
}

func (s *MemoryStore) GetFileContent(_ context.Context, fileID string) (FileContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.contents[fileID]
	if !ok {
		return FileContent{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) FolderNameExists(_ context.Context, workspaceID string, parentID *string, name, excludeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folderNameTaken(workspaceID, parentID, name, excludeID), nil
}

func (s *MemoryStore) FileNameExists(_ context.Context, workspaceID, folderID, name, excludeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileNameTaken(workspaceID, folderID, name, excludeID), nil
}

func (s *MemoryStore) InsertFolder(_ context.Context, folder Folder) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[folder.WorkspaceID]; !ok {
		return Folder{}, ErrMissingReference
	}
	if _, ok := s.folders[folder.ID]; ok {
		return Folder{}, ErrDuplicateName
	}
	if folder.ParentID != nil && !s.folderInWorkspace(*folder.ParentID, folder.WorkspaceID) {
		return Folder{}, ErrMissingReference
	}
	if s.folderNameTaken(folder.WorkspaceID, folder.ParentID, folder.Name, "") {
		return Folder{}, ErrDuplicateName
	}
	now := s.now()
	folder = cloneFolder(folder)
	folder.Version = 0
	folder.CreatedAt = now
	folder.UpdatedAt = now
	s.seq++
	s.folders[folder.ID] = memFolder{Folder: folder, seq: s.seq}
	return cloneFolder(folder), nil
}

func (s *MemoryStore) InsertFile(_ context.Context, file File) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[file.ID]; ok {
		return File{}, ErrDuplicateName
	}
	if !s.folderInWorkspace(file.FolderID, file.WorkspaceID) {
		return File{}, ErrMissingReference
	}
	if s.fileNameTaken(file.WorkspaceID, file.FolderID, file.Name, "") {
		return File{}, ErrDuplicateName
	}
	now := s.now()
	file.Size = 0
	file.Version = 0
	file.CreatedAt = now
	file.UpdatedAt = now
	s.seq++
	s.files[file.ID] = memFile{File: file, seq: s.seq}
	s.contents[file.ID] = FileContent{FileID: file.ID, UpdatedAt: now}
	return file, nil
}

func (s *MemoryStore) UpdateFolderIfVersion(_ context.Context, folderID string, expected int64, m FolderMutation) (Folder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.folders[folderID]
	if !ok || current.Version != expected {
		return Folder{}, false, nil
	}
	next := cloneFolder(current.Folder)
	if m.Name != nil {
		next.Name = *m.Name
	}
	if m.Reparent {
		if m.ParentID != nil {
			if !s.folderInWorkspace(*m.ParentID, next.WorkspaceID) {
				return Folder{}, false, ErrMissingReference
			}
			if s.chainContains(*m.ParentID, folderID) {
				return Folder{}, false, nil
			}
		}
		next.ParentID = cloneID(m.ParentID)
	}
	if s.folderNameTaken(next.WorkspaceID, next.ParentID, next.Name, folderID) {
		return Folder{}, false, ErrDuplicateName
	}
	next.Version++
	next.UpdatedAt = s.now()
	s.folders[folderID] = memFolder{Folder: next, seq: current.seq}
	return cloneFolder(next), true, nil
}

func (s *MemoryStore) UpdateFileIfVersion(_ context.Context, fileID string, expected int64, m FileMutation) (File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.files[fileID]
	if !ok || current.Version != expected {
		return File{}, false, nil
	}
	next := current.File
	if m.Name != nil {
		next.Name = *m.Name
	}
	if m.FolderID != nil {
		if !s.folderInWorkspace(*m.FolderID, next.WorkspaceID) {
			return File{}, false, ErrMissingReference
		}
		next.FolderID = *m.FolderID
	}
	if s.fileNameTaken(next.WorkspaceID, next.FolderID, next.Name, fileID) {
		return File{}, false, ErrDuplicateName
	}
	next.Version++
	next.UpdatedAt = s.now()
	s.files[fileID] = memFile{File: next, seq: current.seq}
	return next, true, nil
}

// DeleteFolderIfVersion removes the folder with its whole subtree in one critical section.
func (s *MemoryStore) DeleteFolderIfVersion(_ context.Context, folderID string, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.folders[folderID]
	if !ok || current.Version != expected {
		return false, nil
	}

	doomed := map[string]struct{}{folderID: {}}
	queue := []string{folderID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for id, item := range s.folders {
			if item.ParentID == nil || *item.ParentID != parent {
				continue
			}
			if _, seen := doomed[id]; seen {
				continue
			}
			doomed[id] = struct{}{}
			queue = append(queue, id)
		}
	}
	for id, item := range s.files {
		if _, ok := doomed[item.FolderID]; ok {
			delete(s.files, id)
			delete(s.contents, id)
		}
	}
	for id := range doomed {
		delete(s.folders, id)
	}
	return true, nil
}

func (s *MemoryStore) DeleteFileIfVersion(_ context.Context, fileID string, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.files[fileID]
	if !ok || current.Version != expected {
		return false, nil
	}
	delete(s.files, fileID)
	delete(s.contents, fileID)
	return true, nil
}

func (s *MemoryStore) SaveFileContent(_ context.Context, fileID, text string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.files[fileID]
	if !ok {
		return File{}, ErrNotFound
	}
	now := s.now()
	s.contents[fileID] = FileContent{FileID: fileID, Text: text, UpdatedAt: now}
	current.Size = int64(len(text))
	current.UpdatedAt = now
	s.files[fileID] = current
	return current.File, nil
}

func (s *MemoryStore) folderInWorkspace(folderID, workspaceID string) bool {
	item, ok := s.folders[folderID]
	return ok && item.WorkspaceID == workspaceID
}

func (s *MemoryStore) folderNameTaken(workspaceID string, parentID *string, name, excludeID string) bool {
	for id, item := range s.folders {
		if id == excludeID || item.WorkspaceID != workspaceID || !sameParent(item.ParentID, parentID) {
			continue
		}
		if foldName(item.Name) == foldName(name) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) fileNameTaken(workspaceID, folderID, name, excludeID string) bool {
	for id, item := range s.files {
		if id == excludeID || item.WorkspaceID != workspaceID || item.FolderID != folderID {
			continue
		}
		if foldName(item.Name) == foldName(name) {
			return true
		}
	}
	return false
}

// chainContains reports whether needle appears on the ancestor chain starting at start.
// A chain that revisits a node counts as containing it.
func (s *MemoryStore) chainContains(start, needle string) bool {
	visited := map[string]struct{}{}
	current := start
	for {
		if current == needle {
			return true
		}
		if _, seen := visited[current]; seen {
			return true
		}
		visited[current] = struct{}{}
		item, ok := s.folders[current]
		if !ok || item.ParentID == nil {
			return false
		}
		current = *item.ParentID
	}
}

// foldName matches the lower(name) unique indexes of the Postgres schema.
func foldName(name string) string {
	return strings.ToLower(name)
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneID(id *string) *string {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}

func cloneFolder(folder Folder) Folder {
	folder.ParentID = cloneID(folder.ParentID)
	return folder
}
