package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"thesisdesk/internal/anchor"
	"thesisdesk/internal/auth"
	"thesisdesk/internal/chat"
	"thesisdesk/internal/document"
	"thesisdesk/internal/email"
	"thesisdesk/internal/export"
	"thesisdesk/internal/gitrepo"
	"thesisdesk/internal/rbac"
	"thesisdesk/internal/search"
	"thesisdesk/internal/storage"
	"thesisdesk/internal/store"
	"thesisdesk/internal/unread"
)

const defaultHistoryLimit = 50

type Session struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         rbac.Role `json:"role"`
	SupervisorID string    `json:"supervisorId,omitempty"`
}

// RevisionStore keeps the committed history of every chapter.
type RevisionStore interface {
	SaveChapter(chapterID string, content gitrepo.Content, author, message string) (gitrepo.Revision, bool, error)
	History(chapterID string, limit int) ([]gitrepo.Revision, error)
	ChapterAt(chapterID, hash string) (gitrepo.Content, gitrepo.Revision, error)
}

// UnreadCache caches the per-chapter unread summary of each student.
type UnreadCache interface {
	Summary(ctx context.Context, userID string) ([]unread.ChapterCount, error)
	Save(ctx context.Context, userID string, counts []unread.ChapterCount) error
	Increment(ctx context.Context, userID, chapterID string, at time.Time) error
	Decrement(ctx context.Context, userID, chapterID string) error
}

type SearchIndex interface {
	Search(q search.Query) search.Response
	IndexChapter(c search.ChapterRecord)
	IndexComment(c search.CommentRecord)
}

type Mailer interface {
	IsConfigured() bool
	SendCommentNotification(to string, data email.CommentData) error
}

// Deps are the collaborators of Service. Rows and Revisions are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Rows           store.Rows
	Revisions      RevisionStore
	Unread         UnreadCache
	Search         SearchIndex
	Mailer         Mailer
	Bucket         storage.Bucket
	ExportOptions  []export.Option
	JWTSecret      []byte
	AppName        string
	PublicURL      string
	MaxUploadBytes int64
	Ping           func(ctx context.Context) error
	Now            func() time.Time
}

type Service struct {
	rows      store.Rows
	revisions RevisionStore
	unread    UnreadCache
	search    SearchIndex
	mailer    Mailer
	bucket    storage.Bucket
	exporter  *export.Service

	jwtSecret      []byte
	appName        string
	publicURL      string
	maxUploadBytes int64
	ping           func(ctx context.Context) error
	now            func() time.Time
}

func NewService(deps Deps) *Service {
	s := &Service{
		rows:           deps.Rows,
		revisions:      deps.Revisions,
		unread:         deps.Unread,
		search:         deps.Search,
		mailer:         deps.Mailer,
		bucket:         deps.Bucket,
		jwtSecret:      deps.JWTSecret,
		appName:        deps.AppName,
		publicURL:      strings.TrimRight(deps.PublicURL, "/"),
		maxUploadBytes: deps.MaxUploadBytes,
		ping:           deps.Ping,
		now:            deps.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.appName == "" {
		s.appName = "ThesisDesk"
	}
	s.exporter = export.NewService(exportStore{s}, deps.ExportOptions...)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// SessionFromToken validates a Supabase access token and loads the caller's
// profile. Users without a profile row fall back to the token claims.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if len(s.jwtSecret) == 0 {
		return Session{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}

	profile, err := s.profile(ctx, claims.UserID())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		profile = store.Profile{
			ID:       claims.UserID(),
			Email:    claims.Email,
			FullName: claims.UserMetadata.FullName,
			Role:     claims.AppMetadata.Role,
		}
	default:
		return Session{}, fmt.Errorf("load profile: %w", err)
	}

	return Session{
		UserID:       claims.UserID(),
		Email:        firstNonEmpty(profile.Email, claims.Email),
		Name:         firstNonEmpty(profile.FullName, claims.UserMetadata.FullName, claims.Email, claims.UserID()),
		Role:         rbac.Normalize(profile.Role),
		SupervisorID: profile.SupervisorID,
	}, nil
}

func (s *Service) profile(ctx context.Context, userID string) (store.Profile, error) {
	row, err := store.First(ctx, s.rows, store.TableProfiles, store.Query{Where: []store.Filter{store.Eq("id", userID)}})
	if err != nil {
		return store.Profile{}, err
	}
	var profile store.Profile
	if err := store.Decode(row, &profile); err != nil {
		return store.Profile{}, err
	}
	return profile, nil
}

// Chapters

func (s *Service) chapter(ctx context.Context, chapterID string) (store.Chapter, error) {
	row, err := store.First(ctx, s.rows, store.TableChapters, store.Query{Where: []store.Filter{store.Eq("id", chapterID)}})
	if errors.Is(err, store.ErrNotFound) {
		return store.Chapter{}, notFound("chapter")
	}
	if err != nil {
		return store.Chapter{}, fmt.Errorf("load chapter: %w", err)
	}
	return store.DecodeChapter(row)
}

func authorize(session Session, ch store.Chapter, action rbac.Action) error {
	if !rbac.Allowed(session.UserID, session.Role, rbac.Chapter{OwnerID: ch.OwnerID, SupervisorID: ch.SupervisorID}, action) {
		return forbidden(string(action))
	}
	return nil
}

// ListChapters returns the chapters visible to the caller, most recently
// updated first, without their content.
func (s *Service) ListChapters(ctx context.Context, session Session) ([]store.Chapter, error) {
	q := store.Query{OrderBy: "updated_at", Descending: true}
	switch session.Role {
	case rbac.RoleAdmin:
	case rbac.RoleSupervisor:
		q.Where = []store.Filter{store.Eq("supervisor_id", session.UserID)}
	default:
		q.Where = []store.Filter{store.Eq("owner_id", session.UserID)}
	}

	rows, err := s.rows.Query(ctx, store.TableChapters, q)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	chapters := make([]store.Chapter, 0, len(rows))
	for _, row := range rows {
		ch, err := store.DecodeChapter(row)
		if err != nil {
			return nil, err
		}
		ch.Content = nil
		chapters = append(chapters, ch)
	}
	return chapters, nil
}

// CreateChapter starts an empty chapter owned by the calling student and
// supervised by the student's supervisor.
func (s *Service) CreateChapter(ctx context.Context, session Session, title string) (store.Chapter, error) {
	if session.Role != rbac.RoleStudent {
		return store.Chapter{}, forbidden("create_chapter")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Chapter{}, validation("title is required")
	}

	content, err := document.Empty().Marshal()
	if err != nil {
		return store.Chapter{}, err
	}
	now := s.now()
	row := store.Row{
		"owner_id":   session.UserID,
		"title":      title,
		"content":    json.RawMessage(content),
		"created_at": now,
		"updated_at": now,
	}
	if session.SupervisorID != "" {
		row["supervisor_id"] = session.SupervisorID
	}
	inserted, err := s.rows.Insert(ctx, store.TableChapters, row)
	if err != nil {
		return store.Chapter{}, fmt.Errorf("create chapter: %w", err)
	}
	ch, err := store.DecodeChapter(inserted)
	if err != nil {
		return store.Chapter{}, err
	}

	if _, _, err := s.revisions.SaveChapter(ch.ID, gitrepo.Content{Title: ch.Title, Doc: ch.Content}, session.Name, "Create chapter"); err != nil {
		return store.Chapter{}, fmt.Errorf("commit chapter: %w", err)
	}
	s.indexChapter(ch)
	return ch, nil
}

func (s *Service) GetChapter(ctx context.Context, session Session, chapterID string) (store.Chapter, error) {
	ch, err := s.chapter(ctx, chapterID)
	if err != nil {
		return store.Chapter{}, err
	}
	if err := authorize(session, ch, rbac.ActionRead); err != nil {
		return store.Chapter{}, err
	}
	return ch, nil
}

type SaveChapterInput struct {
	Title   string          `json:"title"`
	Doc     json.RawMessage `json:"doc"`
	Message string          `json:"message"`
}

type SaveChapterResult struct {
	Chapter  store.Chapter    `json:"chapter"`
	Revision gitrepo.Revision `json:"revision"`
	Changed  bool             `json:"changed"`
}

// SaveChapter stores new content and commits it as a revision. Saving
// identical content leaves the history untouched.
func (s *Service) SaveChapter(ctx context.Context, session Session, chapterID string, input SaveChapterInput) (SaveChapterResult, error) {
	ch, err := s.chapter(ctx, chapterID)
	if err != nil {
		return SaveChapterResult{}, err
	}
	if err := authorize(session, ch, rbac.ActionWrite); err != nil {
		return SaveChapterResult{}, err
	}
	doc, err := document.Parse(input.Doc)
	if err != nil {
		return SaveChapterResult{}, validation("doc must be a ProseMirror document")
	}
	raw, err := doc.Marshal()
	if err != nil {
		return SaveChapterResult{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = ch.Title
	}
	updated, err := s.rows.Update(ctx, store.TableChapters, []store.Filter{store.Eq("id", chapterID)}, store.Row{
		"title":      title,
		"content":    json.RawMessage(raw),
		"updated_at": s.now(),
	})
	if err != nil {
		return SaveChapterResult{}, fmt.Errorf("update chapter: %w", err)
	}
	if len(updated) == 0 {
		return SaveChapterResult{}, notFound("chapter")
	}
	saved, err := store.DecodeChapter(updated[0])
	if err != nil {
		return SaveChapterResult{}, err
	}

	rev, changed, err := s.revisions.SaveChapter(chapterID, gitrepo.Content{Title: title, Doc: raw}, session.Name, strings.TrimSpace(input.Message))
	if err != nil {
		return SaveChapterResult{}, fmt.Errorf("commit chapter: %w", err)
	}
	if changed {
		s.indexChapter(saved)
	}
	return SaveChapterResult{Chapter: saved, Revision: rev, Changed: changed}, nil
}

func (s *Service) ChapterHistory(ctx context.Context, session Session, chapterID string, limit int) ([]gitrepo.Revision, error) {
	if _, err := s.GetChapter(ctx, session, chapterID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	history, err := s.revisions.History(chapterID, limit)
	if err != nil {
		return nil, fmt.Errorf("chapter history: %w", err)
	}
	return history, nil
}

type RevisionView struct {
	Revision gitrepo.Revision `json:"revision"`
	Title    string           `json:"title"`
	Doc      json.RawMessage  `json:"doc"`
}

func (s *Service) ChapterAt(ctx context.Context, session Session, chapterID, hash string) (RevisionView, error) {
	if _, err := s.GetChapter(ctx, session, chapterID); err != nil {
		return RevisionView{}, err
	}
	content, rev, err := s.revisions.ChapterAt(chapterID, hash)
	if errors.Is(err, gitrepo.ErrRevisionNotFound) || errors.Is(err, gitrepo.ErrNoHistory) {
		return RevisionView{}, notFound("revision")
	}
	if err != nil {
		return RevisionView{}, err
	}
	return RevisionView{Revision: rev, Title: content.Title, Doc: content.Doc}, nil
}

// Comments

// CommentView is an anchored comment together with where it currently sits
// in the chapter. Range is nil for orphaned comments.
type CommentView struct {
	anchor.Anchor
	Resolved bool          `json:"resolved"`
	Range    *anchor.Range `json:"range,omitempty"`
}

type CreateCommentInput struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Body string `json:"body"`
}

// CreateComment anchors a supervisor comment on the selection [From, To) of
// the chapter's current content.
func (s *Service) CreateComment(ctx context.Context, session Session, chapterID string, input CreateCommentInput) (CommentView, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return CommentView{}, validation("body is required")
	}
	ch, err := s.chapter(ctx, chapterID)
	if err != nil {
		return CommentView{}, err
	}
	if err := authorize(session, ch, rbac.ActionComment); err != nil {
		return CommentView{}, err
	}
	doc, err := document.Parse(ch.Content)
	if err != nil {
		return CommentView{}, fmt.Errorf("parse chapter content: %w", err)
	}
	captured, err := anchor.Capture(doc, input.From, input.To, body)
	if errors.Is(err, anchor.ErrEmptySelection) {
		return CommentView{}, validation("selection is empty")
	}
	if err != nil {
		return CommentView{}, err
	}

	inserted, err := s.rows.Insert(ctx, store.TableComments, store.Row{
		"chapter_id":  chapterID,
		"author_id":   session.UserID,
		"body":        captured.Body,
		"exact_match": captured.ExactMatch,
		"prefix":      captured.Prefix,
		"suffix":      captured.Suffix,
		"occurrence":  captured.Occurrence,
		"pos_start":   input.From,
		"pos_end":     input.To,
		"is_read":     false,
		"created_at":  s.now(),
	})
	if err != nil {
		return CommentView{}, fmt.Errorf("create comment: %w", err)
	}
	var created anchor.Anchor
	if err := store.Decode(inserted, &created); err != nil {
		return CommentView{}, err
	}

	if s.unread != nil {
		if err := s.unread.Increment(ctx, ch.OwnerID, chapterID, created.CreatedAt); err != nil {
			log.Printf("unread: increment %s/%s: %v", ch.OwnerID, chapterID, err)
		}
	}
	if s.search != nil {
		s.search.IndexComment(commentRecord(ch, created))
	}
	s.notifyComment(ch, session, created)

	view := CommentView{Anchor: created}
	if rng, err := anchor.Resolve(document.Linearize(doc), created); err == nil {
		view.Resolved, view.Range = true, &rng
	}
	return view, nil
}

func (s *Service) anchors(ctx context.Context, chapterID string) ([]anchor.Anchor, error) {
	rows, err := s.rows.Query(ctx, store.TableComments, store.Query{
		Where:   []store.Filter{store.Eq("chapter_id", chapterID)},
		OrderBy: "created_at",
	})
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	out := make([]anchor.Anchor, 0, len(rows))
	for _, row := range rows {
		var a anchor.Anchor
		if err := store.Decode(row, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListComments resolves every comment of the chapter against its current
// content, oldest first.
func (s *Service) ListComments(ctx context.Context, session Session, chapterID string) ([]CommentView, error) {
	ch, err := s.GetChapter(ctx, session, chapterID)
	if err != nil {
		return nil, err
	}
	anchors, err := s.anchors(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	doc, err := document.Parse(ch.Content)
	if err != nil {
		return nil, fmt.Errorf("parse chapter content: %w", err)
	}

	resolver := anchor.NewResolver()
	resolver.Hydrate(doc, anchors)
	views := make([]CommentView, 0, len(anchors))
	for _, r := range resolver.Snapshot() {
		views = append(views, CommentView{Anchor: r.Anchor, Resolved: r.IsResolved(), Range: r.Range})
	}
	return views, nil
}

// MarkCommentRead marks a comment read for the chapter owner. Marking an
// already read comment is a no-op.
func (s *Service) MarkCommentRead(ctx context.Context, session Session, commentID string) (anchor.Anchor, error) {
	row, err := store.First(ctx, s.rows, store.TableComments, store.Query{Where: []store.Filter{store.Eq("id", commentID)}})
	if errors.Is(err, store.ErrNotFound) {
		return anchor.Anchor{}, notFound("comment")
	}
	if err != nil {
		return anchor.Anchor{}, fmt.Errorf("load comment: %w", err)
	}
	var a anchor.Anchor
	if err := store.Decode(row, &a); err != nil {
		return anchor.Anchor{}, err
	}
	ch, err := s.chapter(ctx, a.ChapterID)
	if err != nil {
		return anchor.Anchor{}, err
	}
	if err := authorize(session, ch, rbac.ActionMarkRead); err != nil {
		return anchor.Anchor{}, err
	}
	if a.IsRead {
		return a, nil
	}

	updated, err := s.rows.Update(ctx, store.TableComments,
		[]store.Filter{store.Eq("id", commentID), store.Eq("is_read", false)},
		store.Row{"is_read": true, "read_at": s.now()},
	)
	if err != nil {
		return anchor.Anchor{}, fmt.Errorf("mark comment read: %w", err)
	}
	if len(updated) == 0 {
		a.IsRead = true
		return a, nil
	}
	if err := store.Decode(updated[0], &a); err != nil {
		return anchor.Anchor{}, err
	}
	if s.unread != nil {
		if err := s.unread.Decrement(ctx, ch.OwnerID, ch.ID); err != nil {
			log.Printf("unread: decrement %s/%s: %v", ch.OwnerID, ch.ID, err)
		}
	}
	return a, nil
}

// UnreadSummary returns the caller's unread comment counts per chapter,
// newest activity first. A cold cache is rebuilt from the comment table.
func (s *Service) UnreadSummary(ctx context.Context, session Session) ([]unread.ChapterCount, error) {
	if s.unread != nil {
		counts, err := s.unread.Summary(ctx, session.UserID)
		if err == nil {
			return counts, nil
		}
		if !errors.Is(err, unread.ErrCacheMiss) {
			log.Printf("unread: summary for %s: %v", session.UserID, err)
		}
	}

	counts, err := s.countUnread(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if s.unread != nil {
		if err := s.unread.Save(ctx, session.UserID, counts); err != nil {
			log.Printf("unread: save summary for %s: %v", session.UserID, err)
		}
	}
	return counts, nil
}

func (s *Service) countUnread(ctx context.Context, ownerID string) ([]unread.ChapterCount, error) {
	chapters, err := s.rows.Query(ctx, store.TableChapters, store.Query{Where: []store.Filter{store.Eq("owner_id", ownerID)}})
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	counts := []unread.ChapterCount{}
	for _, ch := range chapters {
		chapterID := ch.String("id")
		rows, err := s.rows.Query(ctx, store.TableComments, store.Query{
			Where: []store.Filter{store.Eq("chapter_id", chapterID), store.Eq("is_read", false)},
		})
		if err != nil {
			return nil, fmt.Errorf("count unread comments: %w", err)
		}
		if len(rows) == 0 {
			continue
		}
		c := unread.ChapterCount{ChapterID: chapterID, Count: len(rows)}
		for _, row := range rows {
			if at := row.Time("created_at"); at.After(c.LatestAt) {
				c.LatestAt = at
			}
		}
		counts = append(counts, c)
	}
	sort.Slice(counts, func(i, j int) bool {
		if !counts[i].LatestAt.Equal(counts[j].LatestAt) {
			return counts[i].LatestAt.After(counts[j].LatestAt)
		}
		return counts[i].ChapterID < counts[j].ChapterID
	})
	return counts, nil
}

func (s *Service) notifyComment(ch store.Chapter, author Session, a anchor.Anchor) {
	if s.mailer == nil || !s.mailer.IsConfigured() || ch.OwnerID == author.UserID {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		owner, err := s.profile(ctx, ch.OwnerID)
		if err != nil || owner.Email == "" {
			log.Printf("email: no address for chapter owner %s: %v", ch.OwnerID, err)
			return
		}
		data := email.CommentData{
			AppName:      s.appName,
			StudentName:  firstNonEmpty(owner.FullName, owner.Email),
			AuthorName:   author.Name,
			ChapterTitle: ch.Title,
			Quote:        a.ExactMatch,
			Body:         a.Body,
		}
		if s.publicURL != "" {
			data.ChapterURL = s.publicURL + "/chapters/" + ch.ID
		}
		if err := s.mailer.SendCommentNotification(owner.Email, data); err != nil {
			log.Printf("email: comment notification for %s: %v", ch.ID, err)
		}
	}()
}

// Search

// Search runs a full-text query restricted to the chapters the caller may
// read.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	q.OwnerID, q.SupervisorID = "", ""
	switch session.Role {
	case rbac.RoleAdmin:
	case rbac.RoleSupervisor:
		q.SupervisorID = session.UserID
	default:
		q.OwnerID = session.UserID
	}
	if s.search == nil || q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) indexChapter(ch store.Chapter) {
	if s.search == nil {
		return
	}
	s.search.IndexChapter(search.ChapterRecord{
		ID:           ch.ID,
		Title:        ch.Title,
		Text:         search.ChapterText(string(ch.Content)),
		OwnerID:      ch.OwnerID,
		SupervisorID: ch.SupervisorID,
	})
}

func commentRecord(ch store.Chapter, a anchor.Anchor) search.CommentRecord {
	return search.CommentRecord{
		ID:           a.ID,
		Body:         a.Body,
		ExactMatch:   a.ExactMatch,
		ChapterID:    ch.ID,
		AuthorID:     a.AuthorID,
		OwnerID:      ch.OwnerID,
		SupervisorID: ch.SupervisorID,
	}
}

// Export

func (s *Service) ExportChapter(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	ch, err := s.chapter(ctx, req.ChapterID)
	if err != nil {
		return nil, err
	}
	if err := authorize(session, ch, rbac.ActionExport); err != nil {
		return nil, err
	}

	result, err := s.exporter.Export(ctx, req)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return nil, validation("format must be 'pdf' or 'docx'")
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, gitrepo.ErrRevisionNotFound), errors.Is(err, gitrepo.ErrNoHistory):
		return nil, notFound("revision")
	default:
		return nil, err
	}
}

// exportStore serves chapter data to the exporter from the row store and the
// revision history.
type exportStore struct {
	s *Service
}

func (e exportStore) Chapter(ctx context.Context, chapterID string) (export.ChapterInfo, error) {
	ch, err := e.s.chapter(ctx, chapterID)
	if err != nil {
		return export.ChapterInfo{}, err
	}
	info := export.ChapterInfo{ID: ch.ID, Title: ch.Title, UpdatedAt: ch.UpdatedAt}
	if owner, err := e.s.profile(ctx, ch.OwnerID); err == nil {
		info.Author = firstNonEmpty(owner.FullName, owner.Email)
	}
	return info, nil
}

func (e exportStore) ChapterContent(ctx context.Context, chapterID, version string) (json.RawMessage, error) {
	if version == "" || version == "latest" {
		ch, err := e.s.chapter(ctx, chapterID)
		if err != nil {
			return nil, err
		}
		return ch.Content, nil
	}
	content, _, err := e.s.revisions.ChapterAt(chapterID, version)
	if err != nil {
		return nil, err
	}
	return content.Doc, nil
}

func (e exportStore) Comments(ctx context.Context, chapterID string) ([]anchor.Anchor, error) {
	return e.s.anchors(ctx, chapterID)
}

// Attachments

type Attachment struct {
	storage.Object
	Type chat.MessageType `json:"type"`
}

// UploadAttachment stores a chat attachment in the media bucket and reports
// the message type the client should send it as.
func (s *Service) UploadAttachment(ctx context.Context, session Session, filename string, r io.Reader, size int64, mime string) (Attachment, error) {
	if s.bucket == nil {
		return Attachment{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if s.maxUploadBytes > 0 && size > s.maxUploadBytes {
		return Attachment{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Attachment is too large", map[string]any{"maxBytes": s.maxUploadBytes})
	}
	obj, err := storage.UploadAttachment(ctx, s.bucket, session.UserID, filename, r, size, mime, s.now())
	if errors.Is(err, storage.ErrEmptyObject) {
		return Attachment{}, validation("file is empty")
	}
	if err != nil {
		return Attachment{}, err
	}
	return Attachment{Object: obj, Type: chat.TypeForMime(obj.Mime)}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
