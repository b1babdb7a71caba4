// Package search indexes flushed document snapshots and answers text queries
// over them.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string  `json:"documentId"`
	Version    uint64  `json:"version"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// DocumentRecord is the data we index for a document snapshot.
type DocumentRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Version    uint64 `json:"version"`
	Text       string `json:"text"`
	UpdatedAt  int64  `json:"updatedAt"`
}
