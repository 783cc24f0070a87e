package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDeck    ResultType = "deck"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	DeckID  string     `json:"deckId"`
	SlideID string     `json:"slideId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterDeckID string
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
	IndexDeck(d DeckRecord) error
	IndexComment(c CommentRecord) error
	DeleteDeck(id string) error
	DeleteComment(id string) error
}

// DeckRecord is the data we index for a deck.
type DeckRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	IsPublic bool   `json:"isPublic"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	AuthorName string `json:"authorName"`
	DeckID     string `json:"deckId"`
	SlideID    string `json:"slideId"`
}
