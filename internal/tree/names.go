package tree

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxNameLength = 255

// Scope is the sibling set a name must be unique in: folders under ParentID
// (nil for root level) or files inside FolderID.
type Scope struct {
	WorkspaceID string
	ParentID    *string
	FolderID    string
	files       bool
}

func FolderScope(workspaceID string, parentID *string) Scope {
	return Scope{WorkspaceID: workspaceID, ParentID: parentID}
}

func FileScope(workspaceID, folderID string) Scope {
	return Scope{WorkspaceID: workspaceID, FolderID: folderID, files: true}
}

// NameGuard pre-checks sibling name collisions. The store's unique indexes stay
// the final authority; this only turns the common case into a clean error.
type NameGuard struct {
	index NameIndex
}

func NewNameGuard(index NameIndex) *NameGuard {
	return &NameGuard{index: index}
}

// IsUnique reports whether name is free in scope, ignoring excludeID and comparing case-insensitively.
func (g *NameGuard) IsUnique(ctx context.Context, scope Scope, name, excludeID string) (bool, error) {
	var (
		exists bool
		err    error
	)
	if scope.files {
		exists, err = g.index.FileNameExists(ctx, scope.WorkspaceID, scope.FolderID, name, excludeID)
	} else {
		exists, err = g.index.FolderNameExists(ctx, scope.WorkspaceID, scope.ParentID, name, excludeID)
	}
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (g *NameGuard) require(ctx context.Context, op string, scope Scope, name, excludeID string) error {
	unique, err := g.IsUnique(ctx, scope, name, excludeID)
	if err != nil {
		return fromStore(op, excludeID, err)
	}
	if !unique {
		return conflict(ReasonDuplicateName, op, excludeID)
	}
	return nil
}

// ValidateName returns the trimmed name, or an InvalidName error.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	switch {
	case trimmed == "":
		return "", &Error{Kind: KindInvalidName, Reason: "empty"}
	case trimmed == "." || trimmed == "..":
		return "", &Error{Kind: KindInvalidName, Reason: "reserved"}
	case strings.ContainsAny(trimmed, "/\\"):
		return "", &Error{Kind: KindInvalidName, Reason: "separator"}
	case strings.IndexFunc(trimmed, unicode.IsControl) >= 0:
		return "", &Error{Kind: KindInvalidName, Reason: "control"}
	case utf8.RuneCountInString(trimmed) > MaxNameLength:
		return "", &Error{Kind: KindInvalidName, Reason: "too_long"}
	}
	return trimmed, nil
}
