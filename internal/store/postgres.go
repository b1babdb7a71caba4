package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	const query = `
		SELECT document_id, version, schema_version, state, content, plain_text, updated_at
		FROM document_snapshots
		WHERE document_id = $1
	`
	var (
		snap           Snapshot
		version        int64
		state, content []byte
	)
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&snap.DocumentID, &version, &snap.SchemaVersion, &state, &content, &snap.PlainText, &snap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, syncerr.New(syncerr.ErrNotFound, fmt.Sprintf("no snapshot for document %s", documentID))
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", documentID, err)
	}
	snap.Version = uint64(version)
	snap.State = state
	snap.Content = content
	return snap, nil
}

// PutSnapshot upserts snap unless a newer version is already stored. Writing
// the stored version again succeeds only with the same state, so a retried
// flush is harmless while a second writer at that version gets a conflict.
func (s *PostgresStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	const upsert = `
		INSERT INTO document_snapshots (document_id, version, schema_version, state, content, plain_text, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (document_id) DO UPDATE SET
			version = EXCLUDED.version,
			schema_version = EXCLUDED.schema_version,
			state = EXCLUDED.state,
			content = EXCLUDED.content,
			plain_text = EXCLUDED.plain_text,
			updated_at = EXCLUDED.updated_at
		WHERE document_snapshots.version < EXCLUDED.version
			OR (document_snapshots.version = EXCLUDED.version AND document_snapshots.state = EXCLUDED.state)
	`
	res, err := s.db.ExecContext(ctx, upsert,
		snap.DocumentID, int64(snap.Version), snap.SchemaVersion, string(snap.State), string(snap.Content), snap.PlainText,
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.DocumentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.DocumentID, err)
	}
	if affected > 0 {
		return nil
	}

	var stored int64
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM document_snapshots WHERE document_id=$1`, snap.DocumentID).Scan(&stored); err != nil {
		return fmt.Errorf("read stored version %s: %w", snap.DocumentID, err)
	}
	return versionConflict(snap.DocumentID, uint64(stored), snap.Version)
}

func (s *PostgresStore) DeleteSnapshot(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_snapshots WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", documentID, err)
	}
	return nil
}

// SearchText runs a full-text query over the plain text of stored snapshots.
func (s *PostgresStore) SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchHit{}, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	const search = `
		SELECT document_id, version,
			ts_headline('simple', plain_text, plainto_tsquery('simple', $1), 'MaxWords=20, MinWords=5') AS snippet,
			ts_rank(to_tsvector('simple', plain_text), plainto_tsquery('simple', $1)) AS rank
		FROM document_snapshots
		WHERE to_tsvector('simple', plain_text) @@ plainto_tsquery('simple', $1)
		ORDER BY rank DESC, updated_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, search, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search snapshots: %w", err)
	}
	defer rows.Close()

	hits := []SearchHit{}
	for rows.Next() {
		var (
			hit     SearchHit
			version int64
		)
		if err := rows.Scan(&hit.DocumentID, &version, &hit.Snippet, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.Version = uint64(version)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func versionConflict(documentID string, stored, attempted uint64) error {
	err := syncerr.New(syncerr.ErrVersionConflict,
		fmt.Sprintf("document %s already stored at version %d, refusing %d", documentID, stored, attempted))
	return err.WithDetails(map[string]any{"storedVersion": stored, "attemptedVersion": attempted})
}
