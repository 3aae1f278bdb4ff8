package federation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestValkeyKeyCache_SetThenGet(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	c := NewValkeyKeyCache(rdb)
	key := VerifyKey{
		ServerName: "origin.example",
		KeyID:      "ed25519:1",
		PublicKey:  []byte("public-key-bytes"),
		ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}

	if err := c.Set(context.Background(), key); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(context.Background(), key.ServerName, key.KeyID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got.PublicKey) != string(key.PublicKey) {
		t.Errorf("PublicKey = %q, want %q", got.PublicKey, key.PublicKey)
	}
	if got.ValidUntil != key.ValidUntil {
		t.Errorf("ValidUntil = %d, want %d", got.ValidUntil, key.ValidUntil)
	}
}

func TestValkeyKeyCache_Get_Miss(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	c := NewValkeyKeyCache(rdb)
	_, ok, err := c.Get(context.Background(), "nobody.example", "ed25519:1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatal("Get() ok = true on miss, want false")
	}
}

func TestValkeyKeyCache_Set_AlreadyExpiredIsNoop(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	c := NewValkeyKeyCache(rdb)
	key := VerifyKey{
		ServerName: "origin.example",
		KeyID:      "ed25519:1",
		PublicKey:  []byte("public-key-bytes"),
		ValidUntil: time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := c.Set(context.Background(), key); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), key.ServerName, key.KeyID); ok {
		t.Fatal("an already-expired key should not be cached")
	}
}

func TestValkeyKeyCache_Set_CapsTTLAtSevenDays(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	c := NewValkeyKeyCache(rdb)
	key := VerifyKey{
		ServerName: "origin.example",
		KeyID:      "ed25519:1",
		PublicKey:  []byte("public-key-bytes"),
		ValidUntil: time.Now().Add(30 * 24 * time.Hour).UnixMilli(),
	}
	if err := c.Set(context.Background(), key); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	ttl := mr.TTL(keyCacheKey(key.ServerName, key.KeyID))
	if ttl <= 0 || ttl > maxKeyCacheTTL {
		t.Fatalf("stored TTL = %v, want between 0 and %v", ttl, maxKeyCacheTTL)
	}
}
