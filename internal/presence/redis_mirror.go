package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror stores each room's presence in a hash keyed by connection id.
// The hash expires when nobody has written to it for ttl.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: client, prefix: "presence:", ttl: ttl}
}

func (m *RedisMirror) key(documentID string) string {
	return m.prefix + documentID
}

func (m *RedisMirror) Put(ctx context.Context, documentID string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	key := m.key(documentID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, entry.ConnectionID, data)
	pipe.PExpire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (m *RedisMirror) Remove(ctx context.Context, documentID, connectionID string) error {
	if err := m.client.HDel(ctx, m.key(documentID), connectionID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// List reads every entry mirrored for the room, from any node.
func (m *RedisMirror) List(ctx context.Context, documentID string) ([]Entry, error) {
	values, err := m.client.HGetAll(ctx, m.key(documentID)).Result()
	if err == redis.Nil {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]Entry, 0, len(values))
	for connID, raw := range values {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("unmarshal presence for %s: %w", connID, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}
