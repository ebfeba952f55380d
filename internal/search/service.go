package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  Backend
	pgfts  Searcher
	loader RecordLoader
}

// RecordLoader reads every searchable record from the primary store.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ChapterRecord, []CommentRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili Backend, pgfts Searcher) *Service {
	s := &Service{meili: meili, pgfts: pgfts}
	if loader, ok := pgfts.(RecordLoader); ok {
		s.loader = loader
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChapter indexes a chapter (fire-and-forget to Meilisearch).
func (s *Service) IndexChapter(c ChapterRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexChapter(c); err != nil {
			log.Printf("search: index chapter %s: %v", c.ID, err)
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(c); err != nil {
			log.Printf("search: index comment %s: %v", c.ID, err)
		}
	}()
}

// DeleteChapter removes a chapter from the search index (fire-and-forget).
func (s *Service) DeleteChapter(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteChapter(id); err != nil {
			log.Printf("search: delete chapter %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(chapters []ChapterRecord, comments []CommentRecord) {
	if !s.meiliReady() {
		return
	}
	if len(chapters) > 0 {
		if err := s.meili.IndexChapters(chapters); err != nil {
			log.Printf("search: reindex chapters: %v", err)
		}
	}
	if len(comments) > 0 {
		if err := s.meili.IndexComments(comments); err != nil {
			log.Printf("search: reindex comments: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.loader == nil {
		return
	}
	chapters, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(chapters, comments)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
