package tree

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepad/api/internal/store"
)

func TestPathResolverIncludesRootLevelFolders(t *testing.T) {
	folders := []store.Folder{
		{ID: "src", Name: "src"},
		{ID: "pkg", ParentID: ptr("src"), Name: "pkg"},
		{ID: "util", ParentID: ptr("pkg"), Name: "util"},
	}
	r := NewPathResolver(folders)

	path, err := r.FilePath(store.File{ID: "f", FolderID: "util", Name: "strings.go"})
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/util/strings.go", path)

	path, err = r.FilePath(store.File{ID: "g", FolderID: "src", Name: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", path)
}

func TestPathResolverCachesEveryPrefix(t *testing.T) {
	folders := []store.Folder{
		{ID: "a", Name: "a"},
		{ID: "b", ParentID: ptr("a"), Name: "b"},
		{ID: "c", ParentID: ptr("b"), Name: "c"},
	}
	r := NewPathResolver(folders)

	_, err := r.FolderPath("c")
	require.NoError(t, err)
	require.Len(t, r.cache, 3)
	assert.Equal(t, []string{"a"}, r.cache["a"].segments(0))
	assert.Equal(t, []string{"a", "b"}, r.cache["b"].segments(0))
	assert.Equal(t, []string{"a", "b", "c"}, r.cache["c"].segments(0))
	assert.Same(t, r.cache["b"], r.cache["c"].parent)

	// cached prefixes are used even if the backing map changes afterwards
	delete(r.folders, "a")
	path, err := r.FolderPath("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, path)
}

func TestPathResolverSiblingsDoNotShareBackingArrays(t *testing.T) {
	folders := []store.Folder{
		{ID: "a", Name: "a"},
		{ID: "x", ParentID: ptr("a"), Name: "x"},
		{ID: "y", ParentID: ptr("a"), Name: "y"},
	}
	r := NewPathResolver(folders)

	x, err := r.FolderPath("x")
	require.NoError(t, err)
	y, err := r.FolderPath("y")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x"}, x)
	assert.Equal(t, []string{"a", "y"}, y)
}

func TestPathResolverReportsCorruptedChains(t *testing.T) {
	looped := NewPathResolver([]store.Folder{
		{ID: "x", ParentID: ptr("y"), Name: "x"},
		{ID: "y", ParentID: ptr("x"), Name: "y"},
	})
	_, err := looped.FolderPath("x")
	assert.True(t, errors.Is(err, ErrIntegrity), "got %v", err)

	dangling := NewPathResolver([]store.Folder{
		{ID: "x", ParentID: ptr("missing"), Name: "x"},
	})
	_, err = dangling.FolderPath("x")
	assert.True(t, errors.Is(err, ErrIntegrity), "got %v", err)
}

func TestPathResolverEntriesSortedByPath(t *testing.T) {
	r := NewPathResolver([]store.Folder{
		{ID: "src", Name: "src"},
		{ID: "docs", Name: "docs"},
	})
	entries, err := r.Entries([]store.ContentEntry{
		{File: store.File{ID: "2", FolderID: "src", Name: "main.go"}, Text: "package main"},
		{File: store.File{ID: "1", FolderID: "docs", Name: "README.md"}, Text: "# hi"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "docs/README.md", entries[0].Path)
	assert.Equal(t, "# hi", entries[0].Text)
	assert.Equal(t, "src/main.go", entries[1].Path)
}

func TestPathResolverFolderPathReturnsCopy(t *testing.T) {
	r := NewPathResolver([]store.Folder{
		{ID: "src", Name: "src"},
		{ID: "pkg", ParentID: ptr("src"), Name: "pkg"},
	})
	first, err := r.FolderPath("pkg")
	require.NoError(t, err)
	first[0] = "mangled"

	path, err := r.FilePath(store.File{ID: "f", FolderID: "pkg", Name: "a.go"})
	require.NoError(t, err)
	assert.Equal(t, "src/pkg/a.go", path)

	again, err := r.FolderPath("src")
	require.NoError(t, err)
	assert.Equal(t, []string{"src"}, again)
}

func TestPathResolverHandlesDeepTrees(t *testing.T) {
	const depth = 6000
	folders := make([]store.Folder, 0, depth)
	var parent *string
	for i := 0; i < depth; i++ {
		id := fmt.Sprintf("d%d", i)
		folders = append(folders, store.Folder{ID: id, ParentID: parent, Name: "d"})
		parent = ptr(id)
	}
	r := NewPathResolver(folders)

	path, err := r.FilePath(store.File{ID: "f", FolderID: *parent, Name: "leaf.txt"})
	require.NoError(t, err)
	assert.Equal(t, depth+1, len(strings.Split(path, "/")))
	assert.True(t, strings.HasSuffix(path, "d/leaf.txt"))
}
