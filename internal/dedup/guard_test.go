package dedup

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestNoop_NeverBlocks(t *testing.T) {
	var g Guard = Noop{}
	r1, err := g.Acquire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	r2, err := g.Acquire(context.Background(), "c1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	r1()
	r2()
}

func TestKey(t *testing.T) {
	if got := Key("abc"); got != "confirmations:send:abc" {
		t.Fatalf("Key = %q", got)
	}
}

func TestNewRedisGuard_DefaultTTL(t *testing.T) {
	g := NewRedisGuard(nil, 0)
	if g.ttl != DefaultTTL {
		t.Fatalf("ttl = %v; want %v", g.ttl, DefaultTTL)
	}
}

// TestRedisGuard_Exclusive runs against a real server when REDIS_URL is set.
func TestRedisGuard_Exclusive(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	g := NewRedisGuard(rdb, 5*time.Second)
	caseID := uuid.NewString()

	release, err := g.Acquire(ctx, caseID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, caseID); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire: want ErrHeld, got %v", err)
	}
	release()
	again, err := g.Acquire(ctx, caseID)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
