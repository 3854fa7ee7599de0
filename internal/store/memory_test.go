package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedWorkspace(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	if _, err := s.CreateWorkspace(context.Background(), Workspace{ID: id, Name: id, PasswordHash: "x"}); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
}

func seedFolder(t *testing.T, s *MemoryStore, workspaceID, id string, parentID *string, name string) Folder {
	t.Helper()
	folder, err := s.InsertFolder(context.Background(), Folder{ID: id, WorkspaceID: workspaceID, ParentID: parentID, Name: name})
	if err != nil {
		t.Fatalf("insert folder %s: %v", name, err)
	}
	return folder
}

func strPtr(v string) *string { return &v }

func TestMemoryStoreRejectsCaseInsensitiveSiblingDuplicates(t *testing.T) {
	s := NewMemoryStore()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "src", nil, "src")

	_, err := s.InsertFolder(context.Background(), Folder{ID: "dup", WorkspaceID: "ws", Name: "SRC"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// same name under a different parent is a different scope
	seedFolder(t, s, "ws", "nested", strPtr("src"), "src")
}

func TestMemoryStoreNameFoldingMatchesLower(t *testing.T) {
	s := NewMemoryStore()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "src", nil, "src")

	// U+017F folds to "s" but lower() leaves it alone, so both names fit one parent.
	seedFolder(t, s, "ws", "long-s", nil, "\u017frc")

	_, err := s.InsertFolder(context.Background(), Folder{ID: "upper", WorkspaceID: "ws", Name: "\u017fRC"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	taken, err := s.FolderNameExists(context.Background(), "ws", nil, "SRC", "")
	if err != nil || !taken {
		t.Fatalf("expected SRC to collide with src, taken=%v err=%v", taken, err)
	}
}

func TestMemoryStoreInsertFolderRejectsForeignParent(t *testing.T) {
	s := NewMemoryStore()
	seedWorkspace(t, s, "ws-a")
	seedWorkspace(t, s, "ws-b")
	seedFolder(t, s, "ws-a", "a-root", nil, "root")

	_, err := s.InsertFolder(context.Background(), Folder{ID: "b-child", WorkspaceID: "ws-b", ParentID: strPtr("a-root"), Name: "child"})
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
}

func TestMemoryStoreUpdateFolderIfVersionAppliesOnlyOnMatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "docs", nil, "docs")

	updated, applied, err := s.UpdateFolderIfVersion(ctx, "docs", 0, FolderMutation{Name: strPtr("notes")})
	if err != nil || !applied {
		t.Fatalf("expected update to apply, applied=%v err=%v", applied, err)
	}
	if updated.Version != 1 || updated.Name != "notes" {
		t.Fatalf("unexpected folder after update: %+v", updated)
	}

	_, applied, err = s.UpdateFolderIfVersion(ctx, "docs", 0, FolderMutation{Name: strPtr("stale")})
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if applied {
		t.Fatal("expected stale version to be rejected")
	}

	_, applied, err = s.UpdateFolderIfVersion(ctx, "missing", 0, FolderMutation{Name: strPtr("x")})
	if err != nil || applied {
		t.Fatalf("expected missing folder to report not applied, applied=%v err=%v", applied, err)
	}
}

func TestMemoryStoreReparentRefusesCycles(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "a", nil, "a")
	seedFolder(t, s, "ws", "b", strPtr("a"), "b")
	seedFolder(t, s, "ws", "c", strPtr("b"), "c")

	_, applied, err := s.UpdateFolderIfVersion(ctx, "a", 0, FolderMutation{Reparent: true, ParentID: strPtr("c")})
	if err != nil {
		t.Fatalf("reparent: %v", err)
	}
	if applied {
		t.Fatal("expected move under own descendant to be refused")
	}

	_, applied, err = s.UpdateFolderIfVersion(ctx, "c", 0, FolderMutation{Reparent: true, ParentID: nil})
	if err != nil || !applied {
		t.Fatalf("expected move to root to apply, applied=%v err=%v", applied, err)
	}
}

func TestMemoryStoreReparentUnderDeepChain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "side", nil, "side")

	var parent *string
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("n%d", i)
		seedFolder(t, s, "ws", id, parent, id)
		parent = strPtr(id)
	}

	_, applied, err := s.UpdateFolderIfVersion(ctx, "side", 0, FolderMutation{Reparent: true, ParentID: parent})
	if err != nil || !applied {
		t.Fatalf("expected move under deep folder to apply, applied=%v err=%v", applied, err)
	}
	_, applied, err = s.UpdateFolderIfVersion(ctx, "n0", 0, FolderMutation{Reparent: true, ParentID: strPtr("side")})
	if err != nil {
		t.Fatalf("reparent: %v", err)
	}
	if applied {
		t.Fatal("expected move of chain root under its descendant to be refused")
	}
}

func TestMemoryStoreDeleteFolderCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "root", nil, "root")
	seedFolder(t, s, "ws", "child", strPtr("root"), "child")
	seedFolder(t, s, "ws", "grandchild", strPtr("child"), "grandchild")
	seedFolder(t, s, "ws", "other", nil, "other")
	for _, f := range []File{
		{ID: "f1", WorkspaceID: "ws", FolderID: "root", Name: "a.go"},
		{ID: "f2", WorkspaceID: "ws", FolderID: "grandchild", Name: "b.go"},
		{ID: "f3", WorkspaceID: "ws", FolderID: "other", Name: "c.go"},
	} {
		if _, err := s.InsertFile(ctx, f); err != nil {
			t.Fatalf("insert file: %v", err)
		}
	}

	applied, err := s.DeleteFolderIfVersion(ctx, "root", 0)
	if err != nil || !applied {
		t.Fatalf("expected delete to apply, applied=%v err=%v", applied, err)
	}

	folders, _ := s.ListFolders(ctx, "ws")
	if len(folders) != 1 || folders[0].ID != "other" {
		t.Fatalf("expected only unrelated folder to remain, got %+v", folders)
	}
	files, _ := s.ListFiles(ctx, "ws")
	if len(files) != 1 || files[0].ID != "f3" {
		t.Fatalf("expected only unrelated file to remain, got %+v", files)
	}
	for _, id := range []string{"f1", "f2"} {
		if _, err := s.GetFileContent(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected content of %s to be gone, got %v", id, err)
		}
	}
}

func TestMemoryStoreSaveFileContentRecomputesSizeWithoutVersionBump(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWorkspace(t, s, "ws")
	seedFolder(t, s, "ws", "root", nil, "root")
	if _, err := s.InsertFile(ctx, File{ID: "f1", WorkspaceID: "ws", FolderID: "root", Name: "main.go"}); err != nil {
		t.Fatalf("insert file: %v", err)
	}

	file, err := s.SaveFileContent(ctx, "f1", "package main\n")
	if err != nil {
		t.Fatalf("save content: %v", err)
	}
	if file.Size != int64(len("package main\n")) || file.Version != 0 {
		t.Fatalf("unexpected file after save: %+v", file)
	}
	content, err := s.GetFileContent(ctx, "f1")
	if err != nil || content.Text != "package main\n" {
		t.Fatalf("unexpected content %+v err=%v", content, err)
	}
}

func TestMemoryStoreAccessSessionsExpireAndRevoke(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return now }
	seedWorkspace(t, s, "ws")

	if err := s.SaveAccessSession(ctx, "live", "ws", now.Add(time.Hour)); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := s.SaveAccessSession(ctx, "old", "ws", now.Add(-time.Minute)); err != nil {
		t.Fatalf("save session: %v", err)
	}

	if _, err := s.LookupAccessSession(ctx, "live"); err != nil {
		t.Fatalf("lookup live session: %v", err)
	}
	if _, err := s.LookupAccessSession(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session to be hidden, got %v", err)
	}

	if err := s.RevokeAccessSession(ctx, "live"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.LookupAccessSession(ctx, "live"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked session to be hidden, got %v", err)
	}

	purged, err := s.PurgeExpiredSessions(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged session, got %d err=%v", purged, err)
	}
}
