package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testConfigs() map[Class]Config {
	return map[Class]Config{
		ClassMessageSend: {Capacity: 2, RefillPerSecond: 1},
	}
}

func TestAllow_LocalMode_ExhaustsBucket(t *testing.T) {
	t.Parallel()
	l := New(nil, testConfigs(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, ClassMessageSend, "user-1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("Allow() call %d: Allowed = false, want true", i)
		}
	}

	d, err := l.Allow(ctx, ClassMessageSend, "user-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("Allow() third call: Allowed = true, want false (bucket exhausted)")
	}
	if d.RetryAfter <= 0 {
		t.Error("RetryAfter should be positive when rejected")
	}
}

func TestAllow_LocalMode_SeparateIdentitiesIndependent(t *testing.T) {
	t.Parallel()
	l := New(nil, testConfigs(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Allow(ctx, ClassMessageSend, "user-a"); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
	d, err := l.Allow(ctx, ClassMessageSend, "user-b")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("user-b should have its own bucket independent of user-a")
	}
}

func TestAllow_ClusterMode_ExhaustsBucket(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	l := New(rdb, testConfigs(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, ClassMessageSend, "user-1")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("Allow() call %d: Allowed = false, want true", i)
		}
	}

	d, err := l.Allow(ctx, ClassMessageSend, "user-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("Allow() third call: Allowed = true, want false (bucket exhausted)")
	}
}

func TestAllow_ClusterMode_RefillsOverTime(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	l := New(rdb, testConfigs(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Allow(ctx, ClassMessageSend, "user-1"); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}

	// The script's clock is the caller's time.Now(), which mr.FastForward
	// does not move, so wait long enough for one token to refill at 1/s.
	time.Sleep(1200 * time.Millisecond)

	d, err := l.Allow(ctx, ClassMessageSend, "user-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("Allow() after refill window: Allowed = false, want true")
	}
}

func TestAllow_UnknownClassUsesFallbackConfig(t *testing.T) {
	t.Parallel()
	l := New(nil, testConfigs(), zerolog.Nop())

	d, err := l.Allow(context.Background(), Class("unknown_class"), "user-1")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !d.Allowed {
		t.Fatal("first call against an unconfigured class should be allowed")
	}
}
