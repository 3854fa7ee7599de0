// Package gitrepo keeps a git history of workspace snapshots, one repository per workspace.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"codepad/api/internal/tree"
)

const (
	mainBranch    = "main"
	defaultAuthor = "codepad"
)

var (
	// ErrNoChanges is returned when a snapshot would not change the tree.
	ErrNoChanges = errors.New("snapshot has no changes")
	// ErrNoRepository is returned when a workspace has never been snapshotted.
	ErrNoRepository = errors.New("workspace has no snapshots")
	ErrUnsafePath   = errors.New("unsafe snapshot path")
)

// Snapshot is one commit in a workspace history.
type Snapshot struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// SnapshotFile is a file as recorded in a snapshot.
type SnapshotFile struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Commit replaces the repository tree with entries and records a commit on main.
func (s *Service) Commit(workspaceID string, entries []tree.ArchiveEntry, author, message string) (Snapshot, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := clearWorktree(root); err != nil {
		return Snapshot{}, err
	}
	for _, entry := range entries {
		if err := writeEntry(root, entry); err != nil {
			return Snapshot{}, err
		}
	}
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return Snapshot{}, fmt.Errorf("git add snapshot: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return Snapshot{}, fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return Snapshot{}, ErrNoChanges
	}

	if author == "" {
		author = defaultAuthor
	}
	if message == "" {
		message = fmt.Sprintf("Snapshot of %d files", len(entries))
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.codepad.dev", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit object: %w", err)
	}
	return toSnapshot(commitObj), nil
}

// History lists snapshots newest first. A workspace without snapshots has an empty history.
func (s *Service) History(workspaceID string, limit int) ([]Snapshot, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(workspaceID)
	if errors.Is(err, ErrNoRepository) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Snapshot, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toSnapshot(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Files returns the files recorded by the snapshot at hash, sorted by path.
func (s *Service) Files(workspaceID, hash string) ([]SnapshotFile, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openRepo(workspaceID)
	if err != nil {
		return nil, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	iter, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list commit files: %w", err)
	}
	defer iter.Close()

	files := make([]SnapshotFile, 0)
	err = iter.ForEach(func(f *object.File) error {
		text, err := f.Contents()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		files = append(files, SnapshotFile{Path: f.Name, Text: text})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *Service) repoPath(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID)
}

func (s *Service) workspaceLock(workspaceID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[workspaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[workspaceID] = lock
	return lock
}

func (s *Service) openRepo(workspaceID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(workspaceID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepository
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) ensureRepo(workspaceID string) (*git.Repository, error) {
	repo, err := s.openRepo(workspaceID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoRepository) {
		return nil, err
	}

	path := s.repoPath(workspaceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// commits land on main regardless of the library's default branch
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func clearWorktree(root string) error {
	items, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read worktree: %w", err)
	}
	for _, item := range items {
		if item.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, item.Name())); err != nil {
			return fmt.Errorf("clear worktree: %w", err)
		}
	}
	return nil
}

func writeEntry(root string, entry tree.ArchiveEntry) error {
	rel := filepath.FromSlash(entry.Path)
	if !filepath.IsLocal(rel) || hasGitPrefix(rel) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, entry.Path)
	}
	target := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", entry.Path, err)
	}
	if err := os.WriteFile(target, []byte(entry.Text), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", entry.Path, err)
	}
	return nil
}

func hasGitPrefix(rel string) bool {
	first := rel
	for dir := filepath.Dir(rel); dir != "."; dir = filepath.Dir(dir) {
		first = dir
	}
	return first == ".git"
}

func toSnapshot(commitObj *object.Commit) Snapshot {
	snap := Snapshot{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if stats, err := commitObj.Stats(); err == nil {
		for _, stat := range stats {
			snap.Added += stat.Addition
			snap.Removed += stat.Deletion
		}
	}
	return snap
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
