package tree

import (
	"sort"
	"strings"

	"codepad/api/internal/store"
)

// ArchiveEntry is one file of a workspace export.
type ArchiveEntry struct {
	FileID string
	Path   string
	Text   string
}

// PathResolver rebuilds folder paths from parent links. Resolved prefixes are
// cached, so one resolver should serve a single export pass over one snapshot
// of the folders.
type PathResolver struct {
	folders map[string]store.Folder
	cache   map[string]*pathNode
}

// pathNode is a resolved folder linked to its resolved parent. Prefixes are
// shared between nodes, so the cache stays linear in the number of folders.
type pathNode struct {
	parent *pathNode
	name   string
	depth  int
}

// segments returns the names from the root-level ancestor down to n, leaving
// extra empty slots at the end.
func (n *pathNode) segments(extra int) []string {
	out := make([]string, n.depth+extra)
	for node := n; node != nil; node = node.parent {
		out[node.depth-1] = node.name
	}
	return out
}

func NewPathResolver(folders []store.Folder) *PathResolver {
	byID := make(map[string]store.Folder, len(folders))
	for _, folder := range folders {
		byID[folder.ID] = folder
	}
	return &PathResolver{
		folders: byID,
		cache:   make(map[string]*pathNode, len(folders)),
	}
}

// FolderPath returns folder names from the root-level ancestor down to folderID itself.
// Every call returns a fresh slice.
func (r *PathResolver) FolderPath(folderID string) ([]string, error) {
	node, err := r.resolve(folderID)
	if err != nil {
		return nil, err
	}
	return node.segments(0), nil
}

func (r *PathResolver) resolve(folderID string) (*pathNode, error) {
	const op = "resolve path"
	if cached, ok := r.cache[folderID]; ok {
		return cached, nil
	}

	// climb until a root or an already resolved prefix
	chain := make([]store.Folder, 0, 8)
	visited := make(map[string]struct{})
	var prefix *pathNode
	current := folderID
	for {
		if cached, ok := r.cache[current]; ok {
			prefix = cached
			break
		}
		if _, seen := visited[current]; seen {
			return nil, integrity(op, folderID, "parent chain of %s loops back to %s", folderID, current)
		}
		visited[current] = struct{}{}

		folder, ok := r.folders[current]
		if !ok {
			return nil, integrity(op, folderID, "folder %s is missing from the workspace", current)
		}
		chain = append(chain, folder)
		if folder.ParentID == nil {
			break
		}
		current = *folder.ParentID
	}

	// walk back down, caching every prefix on the way
	node := prefix
	for i := len(chain) - 1; i >= 0; i-- {
		depth := 1
		if node != nil {
			depth = node.depth + 1
		}
		node = &pathNode{parent: node, name: chain[i].Name, depth: depth}
		r.cache[chain[i].ID] = node
	}
	return node, nil
}

// FilePath joins the folder path of file with its own name.
func (r *PathResolver) FilePath(file store.File) (string, error) {
	node, err := r.resolve(file.FolderID)
	if err != nil {
		return "", err
	}
	segments := node.segments(1)
	segments[len(segments)-1] = file.Name
	return strings.Join(segments, "/"), nil
}

// Entries resolves every content entry into an archive entry ordered by path.
func (r *PathResolver) Entries(contents []store.ContentEntry) ([]ArchiveEntry, error) {
	entries := make([]ArchiveEntry, 0, len(contents))
	for _, content := range contents {
		path, err := r.FilePath(content.File)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ArchiveEntry{FileID: content.File.ID, Path: path, Text: content.Text})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
