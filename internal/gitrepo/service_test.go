package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func chapterContent(title, text string) Content {
	return Content{
		Title: title,
		Doc: json.RawMessage(fmt.Sprintf(`{
			"type":"doc",
			"content":[{"type":"paragraph","content":[{"type":"text","text":%q}]}]
		}`, text)),
	}
}

func TestChapterRevisionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, changed, err := svc.SaveChapter("ch-1", chapterContent("Methods", "We sampled."), "Avery Student", "")
	if err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}
	if !changed || first.Hash == "" {
		t.Fatalf("expected first revision, got %+v changed=%v", first, changed)
	}
	if strings.TrimSpace(first.Message) != "Create chapter" {
		t.Fatalf("unexpected message %q", first.Message)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ch-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second, changed, err := svc.SaveChapter("ch-1", chapterContent("Methods", "We sampled randomly."), "Avery Student", "Clarify sampling")
	if err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}
	if !changed || second.Hash == first.Hash {
		t.Fatalf("expected a new revision, got %+v", second)
	}

	history, err := svc.History("ch-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Hash != second.Hash || history[1].Hash != first.Hash {
		t.Fatalf("unexpected history %+v", history)
	}

	old, rev, err := svc.ChapterAt("ch-1", first.Hash)
	if err != nil {
		t.Fatalf("ChapterAt() error = %v", err)
	}
	if rev.Hash != first.Hash || !strings.Contains(string(old.Doc), "We sampled.") {
		t.Fatalf("unexpected old content %+v", old)
	}

	head, headRev, err := svc.Head("ch-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if headRev.Hash != second.Hash || !strings.Contains(string(head.Doc), "randomly") {
		t.Fatalf("unexpected head %+v", head)
	}
	if headRev.Author != "Avery Student" {
		t.Fatalf("unexpected author %q", headRev.Author)
	}
}

func TestSaveChapterSkipsUnchangedContent(t *testing.T) {
	svc := New(t.TempDir())

	first, _, err := svc.SaveChapter("ch-1", chapterContent("Intro", "Hello"), "Avery", "")
	if err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}

	// Same document, different formatting.
	same := Content{
		Title: "Intro",
		Doc:   json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]}]}`),
	}
	rev, changed, err := svc.SaveChapter("ch-1", same, "Avery", "noop")
	if err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}
	if changed || rev.Hash != first.Hash {
		t.Fatalf("expected no new revision, got %+v changed=%v", rev, changed)
	}

	history, err := svc.History("ch-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(history))
	}
}

func TestHistoryOfUnknownChapterIsEmpty(t *testing.T) {
	svc := New(t.TempDir())

	history, err := svc.History("missing", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}

	if _, _, err := svc.Head("missing"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("Head() error = %v, want ErrNoHistory", err)
	}
}

func TestChapterAtUnknownRevision(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.SaveChapter("ch-1", chapterContent("Intro", "Hello"), "Avery", ""); err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}

	for _, hash := range []string{"deadbee", strings.Repeat("a", 40)} {
		if _, _, err := svc.ChapterAt("ch-1", hash); !errors.Is(err, ErrRevisionNotFound) {
			t.Fatalf("ChapterAt(%q) error = %v, want ErrRevisionNotFound", hash, err)
		}
	}
}

func TestHasChanges(t *testing.T) {
	a := chapterContent("T", "x")
	if HasChanges(a, a) {
		t.Fatal("identical content reported as changed")
	}
	b := a
	b.Title = "T2"
	if !HasChanges(a, b) {
		t.Fatal("title change not detected")
	}
	if !HasChanges(a, chapterContent("T", "y")) {
		t.Fatal("doc change not detected")
	}
}

func TestConcurrentSaveChapter(t *testing.T) {
	svc := New(t.TempDir())

	if _, _, err := svc.SaveChapter("ch-1", chapterContent("Doc", "base"), "Avery", ""); err != nil {
		t.Fatalf("SaveChapter() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := chapterContent("Doc", fmt.Sprintf("text-%02d", idx))
			if _, _, err := svc.SaveChapter("ch-1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("SaveChapter() concurrent error = %v", err)
		}
	}

	history, err := svc.History("ch-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d revisions, got %d", writers+1, len(history))
	}

	head, _, err := svc.Head("ch-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if !strings.Contains(string(head.Doc), "text-") {
		t.Fatalf("unexpected head content after concurrent saves: %s", head.Doc)
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Dr. Jane Doe"); got != "Dr.Jane.Doe" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("@@"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
}
