package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"

	"thesisdesk/internal/anchor"
	"thesisdesk/internal/document"
)

// DataStore defines the interface for data access
type DataStore interface {
	Chapter(ctx context.Context, id string) (ChapterInfo, error)
	ChapterContent(ctx context.Context, id, version string) (json.RawMessage, error)
	Comments(ctx context.Context, chapterID string) ([]anchor.Anchor, error)
}

// Renderer turns the rendered HTML page into the output file.
type Renderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides chapter export functionality
type Service struct {
	store     DataStore
	renderers map[Format]Renderer
}

type Option func(*Service)

// WithRenderer replaces the renderer used for a format.
func WithRenderer(format Format, r Renderer) Option {
	return func(s *Service) { s.renderers[format] = r }
}

// NewService creates a new export service
func NewService(store DataStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		renderers: map[Format]Renderer{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	render, ok := s.renderers[req.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	info, err := s.store.Chapter(ctx, req.ChapterID)
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}

	raw, err := s.store.ChapterContent(ctx, req.ChapterID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContentUnavailable, err)
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:     info.Title,
		Author:    info.Author,
		UpdatedAt: info.UpdatedAt,
		Comments:  []TemplateComment{},
	}

	var highlights []document.Highlight
	if req.IncludeComments {
		comments, err := s.store.Comments(ctx, req.ChapterID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		data.Comments, highlights = annotate(doc, comments)
	}
	data.ContentHTML = template.HTML(document.ToHTML(doc, highlights...))

	html, err := RenderChapterHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result, err := render(ctx, html, info.Title)
	if err != nil {
		if errors.Is(err, ErrPDFDependencyMissing) || errors.Is(err, ErrDOCXDependencyMissing) {
			return nil, err
		}
		return nil, fmt.Errorf("render %s: %w", req.Format, err)
	}
	return result, nil
}

// annotate resolves the comments against doc. Resolved comments become
// highlights in the body; comments whose text is gone are still listed.
func annotate(doc *document.Node, comments []anchor.Anchor) ([]TemplateComment, []document.Highlight) {
	resolver := anchor.NewResolver()
	resolver.Hydrate(doc, comments)

	out := make([]TemplateComment, 0, len(comments))
	var highlights []document.Highlight
	for i, entry := range resolver.Snapshot() {
		out = append(out, TemplateComment{
			Number:    i + 1,
			ID:        entry.Anchor.ID,
			Quote:     entry.Anchor.ExactMatch,
			Body:      entry.Anchor.Body,
			Author:    entry.Anchor.AuthorID,
			CreatedAt: entry.Anchor.CreatedAt,
			Resolved:  entry.IsResolved(),
		})
		if entry.IsResolved() {
			highlights = append(highlights, document.Highlight{
				From: entry.Range.From,
				To:   entry.Range.To,
				ID:   entry.Anchor.ID,
			})
		}
	}
	return out, highlights
}
