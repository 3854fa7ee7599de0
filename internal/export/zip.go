package export

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"codepad/api/internal/tree"
)

// WriteZip writes one deflated member per entry, in entry order. Every
// folder on an entry's path gets its own directory member so archive tools
// show the same hierarchy as the tree.
func WriteZip(entries []tree.ArchiveEntry, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	dirs := make(map[string]struct{})

	for _, entry := range entries {
		name, err := memberName(entry.Path)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", entry.FileID, err)
		}
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if _, ok := dirs[dir]; ok {
				break
			}
			dirs[dir] = struct{}{}
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: dir + "/", Modified: modified}); err != nil {
				return nil, fmt.Errorf("create dir %s: %w", dir, err)
			}
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("create member %s: %w", name, err)
		}
		if _, err := w.Write([]byte(entry.Text)); err != nil {
			return nil, fmt.Errorf("write member %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func memberName(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrUnsafePath
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrUnsafePath
		}
	}
	return p, nil
}
