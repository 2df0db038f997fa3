// Package lease provides short-lived exclusive claims on task ids so that
// overlapping scans never process the same task at once.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/escalator/model"
)

// Lease is a held claim. Token identifies the holder so that Release never
// frees a claim that expired and was taken by someone else.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Leaser grants and releases leases.
type Leaser interface {
	// Acquire claims key for ttl. Returns a LEASE_HELD error if another
	// holder has an unexpired claim.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// Release frees the lease if it is still held by the same token.
	// Releasing an expired or stolen lease is not an error.
	Release(ctx context.Context, l Lease) error
}

// TaskKey builds the lease key for a workflow instance.
func TaskKey(taskID string) string {
	return fmt.Sprintf("lease:task:%s", taskID)
}

// IsHeld reports whether err means the lease belongs to someone else.
func IsHeld(err error) bool {
	return model.HasCode(err, model.ErrLeaseHeld)
}

// --- MemoryLeaser ---

// MemoryLeaser is an in-process Leaser. It serializes schedulers that share
// one process; use RedisLeaser across replicas.
type MemoryLeaser struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLeaser creates a new in-memory leaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Acquire claims key unless an unexpired claim exists.
func (m *MemoryLeaser) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		return Lease{}, model.NewLeaseHeldError(key)
	}

	l := Lease{Key: key, Token: uuid.New().String(), ExpiresAt: now.Add(ttl)}
	m.entries[key] = memEntry{token: l.Token, expiresAt: l.ExpiresAt}
	return l, nil
}

// Release frees the lease if the token still matches.
func (m *MemoryLeaser) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[l.Key]; ok && e.token == l.Token {
		delete(m.entries, l.Key)
	}
	return nil
}

// HealthCheck always succeeds.
func (m *MemoryLeaser) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (m *MemoryLeaser) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// --- RedisLeaser ---

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser is a Redis-backed Leaser using SET NX PX.
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLeaser creates a Redis leaser. prefix namespaces every key and
// may be empty.
func NewRedisLeaser(client redis.Cmdable, prefix string) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix}
}

// Acquire claims key with SET NX and a millisecond TTL.
func (r *RedisLeaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("redis set nx %q: %w", key, err)
	}
	if !ok {
		return Lease{}, model.NewLeaseHeldError(key)
	}
	return Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}, nil
}

// Release runs a compare-and-delete so an expired lease taken over by
// another holder is left alone.
func (r *RedisLeaser) Release(ctx context.Context, l Lease) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", l.Key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (r *RedisLeaser) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
