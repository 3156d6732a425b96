package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocations records logged-out tokens by hash until they would have expired.
type Revocations interface {
	Revoke(ctx context.Context, tokenHash string, until time.Time) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// MemoryRevocations keeps revoked hashes in process memory.
type MemoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevocations creates an empty in-memory revocation list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

// Revoke implements Revocations.
func (m *MemoryRevocations) Revoke(_ context.Context, tokenHash string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for h, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, h)
		}
	}
	if until.After(now) {
		m.revoked[tokenHash] = until
	}
	return nil
}

// IsRevoked implements Revocations.
func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.revoked[tokenHash]
	return ok && exp.After(time.Now()), nil
}

// RedisRevocations stores revoked hashes as expiring redis keys so every relay
// process sharing the redis instance honours a logout.
type RedisRevocations struct {
	rdb *redis.Client
}

// NewRedisRevocations wraps an existing redis client.
func NewRedisRevocations(rdb *redis.Client) *RedisRevocations {
	return &RedisRevocations{rdb: rdb}
}

func revokedKey(tokenHash string) string { return "chatrelay:revoked:" + tokenHash }

// Revoke implements Revocations.
func (r *RedisRevocations) Revoke(ctx context.Context, tokenHash string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, revokedKey(tokenHash), 1, ttl).Err()
}

// IsRevoked implements Revocations.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := r.rdb.Exists(ctx, revokedKey(tokenHash)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
