package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "chapter.json"
	mainBranch  = "main"
)

var (
	ErrNoHistory        = errors.New("chapter has no revisions")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Content is the snapshot of a chapter committed on every save.
type Content struct {
	Title string          `json:"title"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

// Revision describes one commit in a chapter's history.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service keeps one git repository per chapter under baseDir.
type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SaveChapter commits content to the chapter's history, creating the
// repository on first save. When content equals the current head no commit
// is made and the head revision is returned with changed=false.
func (s *Service) SaveChapter(chapterID string, content Content, author, message string) (Revision, bool, error) {
	lock := s.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	repo, fresh, err := s.openOrInit(chapterID)
	if err != nil {
		return Revision{}, false, err
	}

	if !fresh {
		head, err := headCommit(repo)
		if err != nil {
			return Revision{}, false, err
		}
		current, err := readContentFromCommit(head)
		if err != nil {
			return Revision{}, false, err
		}
		if !HasChanges(current, content) {
			return toRevision(head), false, nil
		}
	}

	if message == "" {
		message = "Update chapter"
		if fresh {
			message = "Create chapter"
		}
	}
	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	if fresh {
		if err := pointMainAt(repo, hash); err != nil {
			return Revision{}, false, err
		}
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// Head returns the latest committed content of a chapter.
func (s *Service) Head(chapterID string) (Content, Revision, error) {
	lock := s.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(chapterID)
	if err != nil {
		return Content{}, Revision{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, Revision{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// ChapterAt returns the chapter content as of the given (possibly abbreviated) hash.
func (s *Service) ChapterAt(chapterID, hash string) (Content, Revision, error) {
	lock := s.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(chapterID)
	if err != nil {
		return Content{}, Revision{}, err
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("%w: %v", ErrRevisionNotFound, err)
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("%w: %s", ErrRevisionNotFound, hash)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// History lists revisions newest first. limit <= 0 returns all of them.
func (s *Service) History(chapterID string, limit int) ([]Revision, error) {
	lock := s.chapterLock(chapterID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(chapterID)
	if errors.Is(err, ErrNoHistory) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}

	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
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

func (s *Service) repoPath(chapterID string) string {
	return filepath.Join(s.baseDir, chapterID)
}

func (s *Service) chapterLock(chapterID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[chapterID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[chapterID] = lock
	return lock
}

func (s *Service) open(chapterID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(chapterID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(chapterID string) (*git.Repository, bool, error) {
	repo, err := s.open(chapterID)
	if err == nil {
		return repo, false, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, false, err
	}

	path := s.repoPath(chapterID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@thesisdesk.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

// pointMainAt names the default branch "main" regardless of the git default.
func pointMainAt(repo *git.Repository, hash plumbing.Hash) error {
	mainRef := plumbing.NewBranchReferenceName(mainBranch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// HasChanges compares titles and documents, ignoring JSON formatting.
func HasChanges(from, to Content) bool {
	if from.Title != to.Title {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
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
