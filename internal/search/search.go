package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultBoard ResultType = "board"
	ResultTile  ResultType = "tile"
	ResultFile  ResultType = "file"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	BoardID string     `json:"boardId"`
	OwnerID string     `json:"ownerId"`
}

// Query describes a search request. OwnerID scopes results to one user's
// boards and is always set by the caller.
type Query struct {
	Text          string
	OwnerID       string
	FilterType    ResultType // empty = all types
	FilterBoardID string
	Limit         int
	Offset        int
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

// BoardRecord is the data we index for a board.
type BoardRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	OwnerID string `json:"ownerId"`
}

// TileRecord is the data we index for a tile.
type TileRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Notes   string `json:"notes"`
	Status  string `json:"status"`
	BoardID string `json:"boardId"`
	OwnerID string `json:"ownerId"`
}

// FileRecord is the data we index for an uploaded file.
type FileRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	BoardID string `json:"boardId"`
	OwnerID string `json:"ownerId"`
}
