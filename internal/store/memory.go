package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Leen4k/pdf-chat-notes-sub000/internal/syncerr"
)

// MemoryStore keeps snapshots in process. It applies the same version rules
// as PostgresStore and backs tests and single-node development.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot), now: time.Now}
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[documentID]
	if !ok {
		return Snapshot{}, syncerr.New(syncerr.ErrNotFound, fmt.Sprintf("no snapshot for document %s", documentID))
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.snapshots[snap.DocumentID]; ok {
		if stored.Version > snap.Version || (stored.Version == snap.Version && !sameJSON(stored.State, snap.State)) {
			return versionConflict(snap.DocumentID, stored.Version, snap.Version)
		}
	}
	snap = cloneSnapshot(snap)
	snap.UpdatedAt = s.now()
	s.snapshots[snap.DocumentID] = snap
	return nil
}

func (s *MemoryStore) DeleteSnapshot(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, documentID)
	return nil
}

// SearchText matches every query term case-insensitively against the
// snapshot text, ranking by the number of occurrences.
func (s *MemoryStore) SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	hits := []SearchHit{}
	if len(terms) == 0 {
		return hits, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots {
		text := strings.ToLower(snap.PlainText)
		rank := 0
		for _, term := range terms {
			n := strings.Count(text, term)
			if n == 0 {
				rank = 0
				break
			}
			rank += n
		}
		if rank == 0 {
			continue
		}
		hits = append(hits, SearchHit{
			DocumentID: snap.DocumentID,
			Version:    snap.Version,
			Snippet:    snippet(snap.PlainText, terms[0], 80),
			Rank:       float64(rank),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// sameJSON compares two documents ignoring insignificant whitespace, the way
// a jsonb column does.
func sameJSON(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func cloneSnapshot(snap Snapshot) Snapshot {
	snap.State = append([]byte(nil), snap.State...)
	snap.Content = append([]byte(nil), snap.Content...)
	return snap
}

func snippet(text, term string, width int) string {
	runes := []rune(text)
	idx := strings.Index(strings.ToLower(text), term)
	if idx < 0 || idx > len(text) {
		idx = 0
	}
	center := len([]rune(text[:idx]))
	start := center - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}
