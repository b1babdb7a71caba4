package search

import (
	"context"
	"strings"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
)

// TextSearcher is implemented by the snapshot stores.
type TextSearcher interface {
	SearchText(ctx context.Context, query string, limit int) ([]store.SearchHit, error)
}

// PgFTS searches the snapshot table directly. It backs the service whenever
// Meilisearch is not configured or unhealthy.
type PgFTS struct {
	store TextSearcher
}

func NewPgFTS(s TextSearcher) *PgFTS {
	return &PgFTS{store: s}
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	hits, err := p.store.SearchText(ctx, q.Text, limit+offset)
	if err != nil {
		return nil, 0, err
	}
	total := len(hits)
	if offset >= len(hits) {
		return nil, total, nil
	}
	hits = hits[offset:]

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			DocumentID: hit.DocumentID,
			Version:    hit.Version,
			Snippet:    hit.Snippet,
			Score:      hit.Rank,
		})
	}
	return results, total, nil
}
