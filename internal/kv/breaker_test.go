package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

// flaky fails Get with a backend error while everything else works.
type flaky struct {
	*Memory
	failing bool
}

var errBackend = errors.New("backend down")

func (f *flaky) Get(ctx context.Context, key string) (string, error) {
	if f.failing {
		return "", errBackend
	}
	return f.Memory.Get(ctx, key)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), failing: true}
	b := NewBreaker(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.Get(ctx, "k"); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected the backend error, got %v", i, err)
		}
	}

	// The sixth call fails fast without touching the backend.
	if _, err := b.Get(ctx, "k"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected the breaker open, got %v", err)
	}

	// Other operations share the breaker.
	if err := b.Set(ctx, "k", "v", 0); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected Set rejected while open, got %v", err)
	}
}

func TestBreakerIgnoresMisses(t *testing.T) {
	b := NewBreaker(NewMemory())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := b.Get(ctx, "missing"); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := b.RPop(ctx, "empty"); err != ErrEmpty {
			t.Fatalf("expected ErrEmpty, got %v", err)
		}
	}

	// Misses never trip the breaker.
	if err := b.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("breaker tripped on misses: %v", err)
	}
	if v, err := b.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get = %q, %v", v, err)
	}
}

func TestBreakerPassesThroughWhenHealthy(t *testing.T) {
	b := NewBreaker(NewMemory())
	ctx := context.Background()

	b.LPush(ctx, "l", "a", "b")
	if v, err := b.RPop(ctx, "l"); err != nil || v != "a" {
		t.Fatalf("RPop = %q, %v", v, err)
	}
	b.HSet(ctx, "h", map[string]string{"f": "1"})
	if v, err := b.HGet(ctx, "h", "f"); err != nil || v != "1" {
		t.Fatalf("HGet = %q, %v", v, err)
	}
	if n, err := b.Incr(ctx, "c"); err != nil || n != 1 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if err := b.Expire(ctx, "h", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}
