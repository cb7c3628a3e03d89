// Package dedup guards outbound sends against concurrent duplicates. While a
// send for a case is in flight its lock key exists in Redis; a second request
// for the same case fails fast instead of e-mailing the supplier twice.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed sender can hold a case lock.
	DefaultTTL = 2 * time.Minute

	// keyPrefix namespaces send locks in Redis.
	keyPrefix = "confirmations:send:"
)

// ErrHeld is returned by Acquire when another send for the case is in flight.
var ErrHeld = errors.New("send already in flight")

// Guard serializes sends per case.
type Guard interface {
	// Acquire takes the lock for caseID. The returned release must be called
	// once the send has finished, whatever its outcome.
	Acquire(ctx context.Context, caseID string) (release func(), err error)
}

// releaseScript deletes the lock only if it still holds our token, so a
// sender whose lock expired cannot release someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard implements Guard with SET NX and a per-acquire token.
type RedisGuard struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisGuard creates a guard backed by Redis. A non-positive ttl selects
// DefaultTTL.
func NewRedisGuard(rdb redis.Cmdable, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key guarding caseID.
func Key(caseID string) string { return keyPrefix + caseID }

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, caseID string) (func(), error) {
	token := uuid.NewString()
	key := Key(caseID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("send guard SETNX: %w", err)
	}
	if !set {
		return nil, ErrHeld
	}
	return func() {
		// Release on a fresh context: the request context may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, g.rdb, []string{key}, token).Err()
	}, nil
}

// Noop is the guard used when Redis is not configured. It never blocks.
type Noop struct{}

// Acquire implements Guard.
func (Noop) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
