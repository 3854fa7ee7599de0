package tree

import (
	"context"
	"errors"

	"codepad/api/internal/store"
)

// CycleGuard decides whether re-parenting a folder would make it its own ancestor.
type CycleGuard struct {
	folders FolderReader
}

func NewCycleGuard(folders FolderReader) *CycleGuard {
	return &CycleGuard{folders: folders}
}

// WouldCreateCycle walks the ancestor chain of target looking for folderID.
// A nil target (root) is always safe and a folder moved into itself always cycles.
// The walk is bounded by the visited set, so it takes at most one step per
// folder in the workspace however deep the tree is. A chain that revisits a
// folder is reported as an Integrity error instead of a boolean.
func (g *CycleGuard) WouldCreateCycle(ctx context.Context, folderID string, target *string) (bool, error) {
	const op = "cycle check"
	if target == nil {
		return false, nil
	}
	if *target == folderID {
		return true, nil
	}

	visited := make(map[string]struct{})
	current := *target
	for {
		if current == folderID {
			return true, nil
		}
		if _, seen := visited[current]; seen {
			return false, integrity(op, current, "ancestor chain of %s loops back to %s", *target, current)
		}
		visited[current] = struct{}{}

		folder, err := g.folders.GetFolder(ctx, current)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// deletes cascade, so a vanished ancestor means the target went with it
				return false, newError(KindNotFound, op, *target, nil)
			}
			return false, newError(KindInternal, op, current, err)
		}
		if folder.ParentID == nil {
			return false, nil
		}
		current = *folder.ParentID
	}
}
