package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/store"
)

const (
	BackendMeili = "meilisearch"
	BackendPgFTS = "postgres"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.Named("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.log.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", zap.String("query", q.Text), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendPgFTS}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendPgFTS}
}

func (s *Service) Name() string {
	return "search-index"
}

// SnapshotFlushed indexes the flushed snapshot text. Without a healthy
// Meilisearch there is nothing to do: Postgres already holds the text.
func (s *Service) SnapshotFlushed(_ context.Context, snap store.Snapshot) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	return s.meili.IndexDocument(Record(snap))
}

// Record converts a stored snapshot into its index record.
func Record(snap store.Snapshot) DocumentRecord {
	return DocumentRecord{
		ID:         recordID(snap.DocumentID),
		DocumentID: snap.DocumentID,
		Version:    snap.Version,
		Text:       snap.PlainText,
		UpdatedAt:  snap.UpdatedAt.Unix(),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
