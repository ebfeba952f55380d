package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultChapter ResultType = "chapter"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ChapterID string     `json:"chapterId"`
	OwnerID   string     `json:"ownerId"`
}

// Query describes a search request. OwnerID and SupervisorID restrict hits to
// chapters the reader may open; both empty means no restriction.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	OwnerID      string
	SupervisorID string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexChapter(c ChapterRecord) error
	IndexComment(c CommentRecord) error
	IndexChapters(chapters []ChapterRecord) error
	IndexComments(comments []CommentRecord) error
	DeleteChapter(id string) error
}

// Backend is a search engine that is also kept up to date by the service.
type Backend interface {
	Searcher
	Indexer
}

// ChapterRecord is the data we index for a chapter.
type ChapterRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Text         string `json:"text"`
	OwnerID      string `json:"ownerId"`
	SupervisorID string `json:"supervisorId"`
}

// CommentRecord is the data we index for an anchored comment.
type CommentRecord struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	ExactMatch   string `json:"exactMatch"`
	ChapterID    string `json:"chapterId"`
	AuthorID     string `json:"authorId"`
	OwnerID      string `json:"ownerId"`
	SupervisorID string `json:"supervisorId"`
}
