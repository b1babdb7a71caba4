package room

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease makes one node the single writer of a room across processes.
type Lease interface {
	// Acquire returns the current owner. The lease is ours when the owner
	// equals our node id.
	Acquire(ctx context.Context, documentID string) (owner string, err error)
	// Renew extends the lease and reports false when it is no longer ours.
	Renew(ctx context.Context, documentID string) (bool, error)
	Release(ctx context.Context, documentID string) error
	NodeID() string
	TTL() time.Duration
}

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return ARGV[1]
end
return cur
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLease stores the owner node id under room:lease:{documentId}.
type RedisLease struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	prefix string
}

func NewRedisLease(client *redis.Client, nodeID string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{client: client, nodeID: nodeID, ttl: ttl, prefix: "room:lease:"}
}

func (l *RedisLease) key(documentID string) string {
	return l.prefix + documentID
}

func (l *RedisLease) NodeID() string     { return l.nodeID }
func (l *RedisLease) TTL() time.Duration { return l.ttl }

func (l *RedisLease) Acquire(ctx context.Context, documentID string) (string, error) {
	owner, err := acquireScript.Run(ctx, l.client, []string{l.key(documentID)}, l.nodeID, l.ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("acquire room lease: %w", err)
	}
	return owner, nil
}

func (l *RedisLease) Renew(ctx context.Context, documentID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key(documentID)}, l.nodeID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew room lease: %w", err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, documentID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(documentID)}, l.nodeID).Err(); err != nil {
		return fmt.Errorf("release room lease: %w", err)
	}
	return nil
}

// Owner returns the node currently holding the lease, or "" when free.
func (l *RedisLease) Owner(ctx context.Context, documentID string) (string, error) {
	owner, err := l.client.Get(ctx, l.key(documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read room lease: %w", err)
	}
	return owner, nil
}
