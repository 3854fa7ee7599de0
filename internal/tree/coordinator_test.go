package tree

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepad/api/internal/events"
	"codepad/api/internal/store"
)

type fixture struct {
	store *store.MemoryStore
	bus   *events.Bus
	c     *Coordinator
	ws    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	_, err := s.CreateWorkspace(context.Background(), store.Workspace{ID: "ws", Name: "workspace"})
	require.NoError(t, err)
	_, err = s.CreateWorkspace(context.Background(), store.Workspace{ID: "other", Name: "other"})
	require.NoError(t, err)
	bus := events.NewBus(256)
	return &fixture{store: s, bus: bus, c: NewCoordinator(s, bus), ws: "ws"}
}

func (f *fixture) folder(t *testing.T, parent *string, name string) store.Folder {
	t.Helper()
	folder, err := f.c.CreateFolder(context.Background(), f.ws, parent, name)
	require.NoError(t, err)
	return folder
}

func drain(sub *events.Subscription) []events.Record {
	var out []events.Record
	for {
		select {
		case record, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, record)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestDuplicateNamesAndCyclesScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.folder(t, nil, "src")
	lib := f.folder(t, nil, "lib")
	assert.Equal(t, int64(0), src.Version)
	assert.Equal(t, int64(0), lib.Version)

	_, err := f.c.CreateFolder(ctx, f.ws, nil, "Src")
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonDuplicateName}), "got %v", err)

	_, err = f.c.RenameFolder(ctx, f.ws, lib.ID, "src", lib.Version)
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonDuplicateName}), "got %v", err)

	moved, err := f.c.MoveFolder(ctx, f.ws, src.ID, &lib.ID, src.Version)
	require.NoError(t, err)
	assert.Equal(t, lib.ID, *moved.ParentID)

	_, err = f.c.MoveFolder(ctx, f.ws, lib.ID, &src.ID, lib.Version)
	assert.True(t, errors.Is(err, ErrCycle), "got %v", err)
}

func TestStaleVersionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	docs := f.folder(t, nil, "docs")
	archive := f.folder(t, nil, "archive")
	for i := 0; i < 3; i++ {
		var err error
		docs, err = f.c.RenameFolder(ctx, f.ws, docs.ID, fmt.Sprintf("docs-%d", i), docs.Version)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), docs.Version)

	sessionA, sessionB := docs, docs

	renamed, err := f.c.RenameFolder(ctx, f.ws, sessionA.ID, "docs", sessionA.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(4), renamed.Version)

	_, err = f.c.MoveFolder(ctx, f.ws, sessionB.ID, &archive.ID, sessionB.Version)
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonVersion}), "got %v", err)

	tree, err := f.c.GetTree(ctx, f.ws)
	require.NoError(t, err)
	var fresh store.Folder
	for _, folder := range tree.Folders {
		if folder.ID == docs.ID {
			fresh = folder
		}
	}
	require.Equal(t, int64(4), fresh.Version)

	moved, err := f.c.MoveFolder(ctx, f.ws, fresh.ID, &archive.ID, fresh.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(5), moved.Version)
	assert.Equal(t, "docs", moved.Name)
}

func TestConcurrentSameVersionRenamesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.folder(t, nil, "target")

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.c.RenameFolder(ctx, f.ws, target.ID, fmt.Sprintf("name-%d", i), target.Version)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonVersion}):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	current, err := f.store.GetFolder(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
}

func TestConcurrentCrossingMovesNeverCycle(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		a := f.folder(t, nil, "a")
		b := f.folder(t, nil, "b")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.c.MoveFolder(ctx, f.ws, a.ID, &b.ID, a.Version)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.c.MoveFolder(ctx, f.ws, b.ID, &a.ID, b.Version)
		}()
		wg.Wait()

		assertAcyclic(t, f)
	}
}

func TestVersionIncrementsByOnePerMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.folder(t, nil, "parent")
	node := f.folder(t, nil, "node")

	renamed, err := f.c.RenameFolder(ctx, f.ws, node.ID, "node2", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), renamed.Version)

	moved, err := f.c.MoveFolder(ctx, f.ws, node.ID, &parent.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)

	back, err := f.c.MoveFolder(ctx, f.ws, node.ID, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), back.Version)
	assert.Nil(t, back.ParentID)
}

func TestDeleteFolderRemovesWholeSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.folder(t, nil, "root")
	child := f.folder(t, &root.ID, "child")
	grandchild := f.folder(t, &child.ID, "grandchild")
	keep := f.folder(t, nil, "keep")

	inRoot, err := f.c.CreateFile(ctx, f.ws, root.ID, "a.txt")
	require.NoError(t, err)
	deep, err := f.c.CreateFile(ctx, f.ws, grandchild.ID, "b.txt")
	require.NoError(t, err)
	_, err = f.c.UpdateFileContent(ctx, f.ws, deep.ID, "hello")
	require.NoError(t, err)
	kept, err := f.c.CreateFile(ctx, f.ws, keep.ID, "c.txt")
	require.NoError(t, err)

	err = f.c.DeleteFolder(ctx, f.ws, root.ID, 1)
	assert.True(t, errors.Is(err, ErrConflict), "stale delete must not cascade, got %v", err)

	require.NoError(t, f.c.DeleteFolder(ctx, f.ws, root.ID, root.Version))

	tree, err := f.c.GetTree(ctx, f.ws)
	require.NoError(t, err)
	require.Len(t, tree.Folders, 1)
	assert.Equal(t, keep.ID, tree.Folders[0].ID)
	require.Len(t, tree.Files, 1)
	assert.Equal(t, kept.ID, tree.Files[0].ID)

	for _, id := range []string{inRoot.ID, deep.ID} {
		_, err := f.store.GetFileContent(ctx, id)
		assert.True(t, errors.Is(err, store.ErrNotFound), "content of %s should be gone", id)
	}

	err = f.c.DeleteFolder(ctx, f.ws, child.ID, child.Version)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestWorkspaceIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.folder(t, nil, "mine")
	theirs, err := f.c.CreateFolder(ctx, "other", nil, "theirs")
	require.NoError(t, err)

	_, err = f.c.CreateFolder(ctx, f.ws, &theirs.ID, "child")
	assert.True(t, errors.Is(err, ErrCrossScope), "got %v", err)

	_, err = f.c.MoveFolder(ctx, f.ws, mine.ID, &theirs.ID, mine.Version)
	assert.True(t, errors.Is(err, ErrCrossScope), "got %v", err)

	_, err = f.c.RenameFolder(ctx, f.ws, theirs.ID, "stolen", theirs.Version)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	err = f.c.DeleteFolder(ctx, f.ws, theirs.ID, theirs.Version)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	_, err = f.c.CreateFile(ctx, f.ws, theirs.ID, "x.go")
	assert.True(t, errors.Is(err, ErrCrossScope), "got %v", err)

	_, err = f.c.GetTree(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestFileLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.folder(t, nil, "src")
	lib := f.folder(t, nil, "lib")

	file, err := f.c.CreateFile(ctx, f.ws, src.ID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, int64(0), file.Version)
	assert.Equal(t, int64(0), file.Size)

	content, err := f.c.GetFileContent(ctx, f.ws, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "", content.Text)

	_, err = f.c.CreateFile(ctx, f.ws, src.ID, "MAIN.go")
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonDuplicateName}), "got %v", err)

	saved, err := f.c.UpdateFileContent(ctx, f.ws, file.ID, "package main\n")
	require.NoError(t, err)
	assert.Equal(t, int64(len("package main\n")), saved.Size)
	assert.Equal(t, int64(0), saved.Version)

	renamed, err := f.c.RenameFile(ctx, f.ws, file.ID, "app.go", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), renamed.Version)

	_, err = f.c.CreateFile(ctx, f.ws, lib.ID, "app.go")
	require.NoError(t, err)
	_, err = f.c.MoveFile(ctx, f.ws, file.ID, lib.ID, 1)
	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonDuplicateName}), "got %v", err)

	moved, err := f.c.MoveFile(ctx, f.ws, file.ID, src.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)

	_, err = f.c.MoveFile(ctx, f.ws, file.ID, "00000000-0000-0000-0000-000000000000", 2)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	err = f.c.DeleteFile(ctx, f.ws, file.ID, 1)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
	require.NoError(t, f.c.DeleteFile(ctx, f.ws, file.ID, 2))

	_, err = f.c.GetFileContent(ctx, f.ws, file.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestInvalidNamesAreRejectedBeforeStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.folder(t, nil, "src")

	for _, name := range []string{"", "a/b", "..", `x\y`} {
		_, err := f.c.CreateFolder(ctx, f.ws, nil, name)
		assert.Equal(t, KindInvalidName, KindOf(err), "folder %q", name)
		_, err = f.c.CreateFile(ctx, f.ws, src.ID, name)
		assert.Equal(t, KindInvalidName, KindOf(err), "file %q", name)
	}
	tree, err := f.c.GetTree(ctx, f.ws)
	require.NoError(t, err)
	assert.Len(t, tree.Folders, 1)
	assert.Empty(t, tree.Files)
}

func TestChangeRecordsFollowCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.c.SubscribeToChanges(ctx, f.ws)
	require.NoError(t, err)
	defer f.c.Unsubscribe(sub)
	outsider, err := f.c.SubscribeToChanges(ctx, "other")
	require.NoError(t, err)
	defer f.c.Unsubscribe(outsider)

	src := f.folder(t, nil, "src")
	file, err := f.c.CreateFile(ctx, f.ws, src.ID, "main.go")
	require.NoError(t, err)
	_, err = f.c.RenameFolder(ctx, f.ws, src.ID, "source", src.Version)
	require.NoError(t, err)
	_, err = f.c.RenameFolder(ctx, f.ws, src.ID, "stale", src.Version)
	require.Error(t, err)
	_, err = f.c.UpdateFileContent(ctx, f.ws, file.ID, "abc")
	require.NoError(t, err)
	require.NoError(t, f.c.DeleteFolder(ctx, f.ws, src.ID, 1))

	records := drain(sub)
	require.Len(t, records, 5)
	got := make([]string, 0, len(records))
	for _, r := range records {
		got = append(got, string(r.Entity)+"/"+string(r.Op))
		assert.Equal(t, f.ws, r.WorkspaceID)
	}
	assert.Equal(t, []string{"folder/create", "file/create", "folder/rename", "file/update", "folder/delete"}, got)
	assert.Equal(t, "source", records[2].Folder.Name)
	assert.Equal(t, int64(3), records[3].File.Size)
	assert.Nil(t, records[4].Folder)
	assert.Equal(t, src.ID, records[4].ID)

	assert.Empty(t, drain(outsider))

	_, err = f.c.SubscribeToChanges(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestResolveArchivePaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.folder(t, nil, "src")
	pkg := f.folder(t, &src.ID, "pkg")
	main, err := f.c.CreateFile(ctx, f.ws, src.ID, "main.go")
	require.NoError(t, err)
	util, err := f.c.CreateFile(ctx, f.ws, pkg.ID, "util.go")
	require.NoError(t, err)
	_, err = f.c.UpdateFileContent(ctx, f.ws, main.ID, "package main")
	require.NoError(t, err)
	_, err = f.c.UpdateFileContent(ctx, f.ws, util.ID, "package pkg")
	require.NoError(t, err)

	entries, err := f.c.ResolveArchivePaths(ctx, f.ws)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "src/main.go", entries[0].Path)
	assert.Equal(t, "package main", entries[0].Text)
	assert.Equal(t, "src/pkg/util.go", entries[1].Path)
	assert.Equal(t, "package pkg", entries[1].Text)
}

func TestDeepTreesStayUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	top := f.folder(t, nil, "top")
	deepest := top
	for i := 0; i < 5000; i++ {
		deepest = f.folder(t, &deepest.ID, fmt.Sprintf("level%d", i))
	}
	leaf, err := f.c.CreateFile(ctx, f.ws, deepest.ID, "leaf.txt")
	require.NoError(t, err)

	entries, err := f.c.ResolveArchivePaths(ctx, f.ws)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, leaf.ID, entries[0].FileID)
	assert.True(t, strings.HasPrefix(entries[0].Path, "top/level0/level1/"))
	assert.True(t, strings.HasSuffix(entries[0].Path, "/level4999/leaf.txt"))

	side := f.folder(t, nil, "side")
	moved, err := f.c.MoveFolder(ctx, f.ws, side.ID, &deepest.ID, side.Version)
	require.NoError(t, err)
	assert.Equal(t, deepest.ID, *moved.ParentID)

	_, err = f.c.MoveFolder(ctx, f.ws, top.ID, &moved.ID, top.Version)
	assert.True(t, errors.Is(err, ErrCycle), "got %v", err)
}

type failingStore struct {
	*store.MemoryStore
	err error
}

func (s failingStore) InsertFolder(context.Context, store.Folder) (store.Folder, error) {
	return store.Folder{}, s.err
}

func TestUnexpectedStoreFailureIsInternalAndNotPublished(t *testing.T) {
	mem := store.NewMemoryStore()
	_, err := mem.CreateWorkspace(context.Background(), store.Workspace{ID: "ws"})
	require.NoError(t, err)
	bus := events.NewBus(8)
	c := NewCoordinator(failingStore{MemoryStore: mem, err: errors.New("connection refused")}, bus)

	sub, err := c.SubscribeToChanges(context.Background(), "ws")
	require.NoError(t, err)
	defer c.Unsubscribe(sub)

	_, err = c.CreateFolder(context.Background(), "ws", nil, "src")
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, drain(sub))
}

func TestRandomMutationsPreserveInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "A", "b", "B", "c", "lib", "LIB", "src"}

	for i := 0; i < 400; i++ {
		tree, err := f.c.GetTree(ctx, f.ws)
		require.NoError(t, err)
		pick := func() *store.Folder {
			if len(tree.Folders) == 0 {
				return nil
			}
			folder := tree.Folders[rng.Intn(len(tree.Folders))]
			return &folder
		}
		name := names[rng.Intn(len(names))]

		switch rng.Intn(5) {
		case 0, 1:
			var parent *string
			if p := pick(); p != nil && rng.Intn(3) > 0 {
				parent = &p.ID
			}
			_, _ = f.c.CreateFolder(ctx, f.ws, parent, name)
		case 2:
			if p := pick(); p != nil {
				_, _ = f.c.RenameFolder(ctx, f.ws, p.ID, name, p.Version)
			}
		case 3:
			p, target := pick(), pick()
			if p != nil {
				var parent *string
				if target != nil && rng.Intn(4) > 0 {
					parent = &target.ID
				}
				_, _ = f.c.MoveFolder(ctx, f.ws, p.ID, parent, p.Version)
			}
		case 4:
			if p := pick(); p != nil && rng.Intn(4) == 0 {
				_ = f.c.DeleteFolder(ctx, f.ws, p.ID, p.Version)
			} else if p != nil {
				_, _ = f.c.CreateFile(ctx, f.ws, p.ID, name+".go")
			}
		}
	}

	assertAcyclic(t, f)
	assertUniqueSiblings(t, f)
}

func assertAcyclic(t *testing.T, f *fixture) {
	t.Helper()
	tree, err := f.c.GetTree(context.Background(), f.ws)
	require.NoError(t, err)
	byID := map[string]store.Folder{}
	for _, folder := range tree.Folders {
		byID[folder.ID] = folder
	}
	for _, folder := range tree.Folders {
		current := folder
		for steps := 0; ; steps++ {
			require.LessOrEqual(t, steps, len(tree.Folders), "ancestor chain of %s does not terminate", folder.ID)
			if current.ParentID == nil {
				break
			}
			parent, ok := byID[*current.ParentID]
			require.True(t, ok, "dangling parent for %s", current.ID)
			current = parent
		}
	}
}

func assertUniqueSiblings(t *testing.T, f *fixture) {
	t.Helper()
	tree, err := f.c.GetTree(context.Background(), f.ws)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, folder := range tree.Folders {
		parent := ""
		if folder.ParentID != nil {
			parent = *folder.ParentID
		}
		key := "d:" + parent + "/" + strings.ToLower(folder.Name)
		require.False(t, seen[key], "duplicate folder name %q", folder.Name)
		seen[key] = true
	}
	for _, file := range tree.Files {
		key := "f:" + file.FolderID + "/" + strings.ToLower(file.Name)
		require.False(t, seen[key], "duplicate file name %q", file.Name)
		seen[key] = true
	}
}
