package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"thesisdesk/internal/auth"
	"thesisdesk/internal/email"
	"thesisdesk/internal/export"
	"thesisdesk/internal/gitrepo"
	"thesisdesk/internal/search"
	"thesisdesk/internal/store"
	"thesisdesk/internal/unread"
)

var testSecret = []byte("test-jwt-secret")

const (
	studentID    = "stu-1"
	otherID      = "stu-2"
	supervisorID = "sup-1"
	adminID      = "adm-1"
)

type fakeIndex struct {
	mu       sync.Mutex
	queries  []search.Query
	chapters []search.ChapterRecord
	comments []search.CommentRecord
}

func (f *fakeIndex) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{Type: search.ResultChapter, ID: "ch", Title: "hit"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeIndex) IndexChapter(c search.ChapterRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chapters = append(f.chapters, c)
}

func (f *fakeIndex) IndexComment(c search.CommentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, c)
}

func (f *fakeIndex) lastQuery() search.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type sentMail struct {
	to   string
	data email.CommentData
}

type fakeMailer struct {
	sent chan sentMail
}

func (m *fakeMailer) IsConfigured() bool { return true }

func (m *fakeMailer) SendCommentNotification(to string, data email.CommentData) error {
	m.sent <- sentMail{to: to, data: data}
	return nil
}

type fakeBucket struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func (b *fakeBucket) Upload(_ context.Context, path string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads[path] = data
	return nil
}

func (b *fakeBucket) PublicURL(path string) string {
	return "https://cdn.test/" + path
}

type harness struct {
	rows    *store.MemoryRows
	redis   *miniredis.Miniredis
	index   *fakeIndex
	mailer  *fakeMailer
	bucket  *fakeBucket
	service *Service
	handler http.Handler

	mu       sync.Mutex
	rendered []string
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()

	var (
		clockMu sync.Mutex
		tick    = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	)
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}

	mr := miniredis.RunT(t)
	cache, err := unread.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	h := &harness{
		rows:   store.NewMemoryRows().WithClock(now),
		redis:  mr,
		index:  &fakeIndex{},
		mailer: &fakeMailer{sent: make(chan sentMail, 8)},
		bucket: &fakeBucket{uploads: map[string][]byte{}},
	}
	seedProfiles(t, h.rows)

	pdf := func(_ context.Context, html, title string) (*export.Result, error) {
		h.mu.Lock()
		h.rendered = append(h.rendered, html)
		h.mu.Unlock()
		return &export.Result{Data: []byte("%PDF-1.7"), Filename: title + ".pdf", MimeType: "application/pdf"}, nil
	}

	deps := Deps{
		Rows:           h.rows,
		Revisions:      gitrepo.New(t.TempDir()),
		Unread:         cache,
		Search:         h.index,
		Mailer:         h.mailer,
		Bucket:         h.bucket,
		ExportOptions:  []export.Option{export.WithRenderer(export.FormatPDF, pdf)},
		JWTSecret:      testSecret,
		PublicURL:      "https://portal.test/",
		MaxUploadBytes: 1 << 20,
		Now:            now,
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.service = NewService(deps)
	h.handler = NewHTTPServer(h.service, "https://portal.test").Handler()
	return h
}

func seedProfiles(t *testing.T, rows store.Rows) {
	t.Helper()
	profiles := []store.Row{
		{"id": studentID, "full_name": "Avery Student", "email": "avery@uni.test", "role": "student", "supervisor_id": supervisorID},
		{"id": otherID, "full_name": "Blake Other", "email": "blake@uni.test", "role": "student"},
		{"id": supervisorID, "full_name": "Dr. Quinn", "email": "quinn@uni.test", "role": "supervisor"},
		{"id": adminID, "full_name": "Admin", "email": "admin@uni.test", "role": "admin"},
	}
	for _, p := range profiles {
		_, err := rows.Insert(context.Background(), store.TableProfiles, p)
		require.NoError(t, err)
	}
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, userID, userID+"@token.test", time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(t, userID))
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) session(t *testing.T, userID string) Session {
	t.Helper()
	session, err := h.service.SessionFromToken(context.Background(), h.token(t, userID))
	require.NoError(t, err)
	return session
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), target), "body=%s", rr.Body.String())
}

func paragraphs(texts ...string) json.RawMessage {
	content := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		content = append(content, map[string]any{
			"type":    "paragraph",
			"content": []map[string]any{{"type": "text", "text": text}},
		})
	}
	raw, _ := json.Marshal(map[string]any{"type": "doc", "content": content})
	return raw
}

// createChapter creates a chapter for the student and saves text into it.
func (h *harness) createChapter(t *testing.T, title string, texts ...string) store.Chapter {
	t.Helper()
	ctx := context.Background()
	student := h.session(t, studentID)
	ch, err := h.service.CreateChapter(ctx, student, title)
	require.NoError(t, err)
	if len(texts) > 0 {
		saved, err := h.service.SaveChapter(ctx, student, ch.ID, SaveChapterInput{Doc: paragraphs(texts...)})
		require.NoError(t, err)
		ch = saved.Chapter
	}
	return ch
}
