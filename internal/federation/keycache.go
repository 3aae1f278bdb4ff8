package federation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxKeyCacheTTL caps how long a fetched remote key is trusted without a
// fresh lookup, regardless of the remote's advertised valid_until_ts
// (spec.md §4.5: "cache keyed by key_id with TTL from remote's
// valid_until_ts, max 7 days").
const maxKeyCacheTTL = 7 * 24 * time.Hour

const keyCachePrefix = "nexus.fed.keycache"

func keyCacheKey(serverName, keyID string) string {
	return keyCachePrefix + ":" + serverName + ":" + keyID
}

// KeyCache caches remote verify keys, grounded on the teacher's
// internal/permission.ValkeyCache (TTL'd Get/Set over Valkey). Unlike the
// permission cache, entries here are cryptographic keys so a cache miss
// must fall back to a live fetch rather than a recompute; Get returning
// false means "ask the Fetcher".
type KeyCache interface {
	Get(ctx context.Context, serverName, keyID string) (VerifyKey, bool, error)
	Set(ctx context.Context, key VerifyKey) error
}

// ValkeyKeyCache implements KeyCache over Valkey/Redis.
type ValkeyKeyCache struct {
	client *redis.Client
}

// NewValkeyKeyCache constructs a ValkeyKeyCache.
func NewValkeyKeyCache(client *redis.Client) *ValkeyKeyCache {
	return &ValkeyKeyCache{client: client}
}

func (c *ValkeyKeyCache) Get(ctx context.Context, serverName, keyID string) (VerifyKey, bool, error) {
	val, err := c.client.Get(ctx, keyCacheKey(serverName, keyID)).Result()
	if errors.Is(err, redis.Nil) {
		return VerifyKey{}, false, nil
	}
	if err != nil {
		return VerifyKey{}, false, fmt.Errorf("key cache get: %w", err)
	}

	parts := strings.SplitN(val, ":", 2)
	if len(parts) != 2 {
		return VerifyKey{}, false, fmt.Errorf("key cache: malformed entry")
	}
	validUntil, publicKeyB64 := parts[0], parts[1]
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return VerifyKey{}, false, fmt.Errorf("key cache: decode public key: %w", err)
	}
	var validUntilMS int64
	if _, err := fmt.Sscanf(validUntil, "%d", &validUntilMS); err != nil {
		return VerifyKey{}, false, fmt.Errorf("key cache: decode valid_until: %w", err)
	}

	return VerifyKey{ServerName: serverName, KeyID: keyID, PublicKey: pub, ValidUntil: validUntilMS}, true, nil
}

func (c *ValkeyKeyCache) Set(ctx context.Context, key VerifyKey) error {
	ttl := time.Until(time.UnixMilli(key.ValidUntil))
	if ttl <= 0 {
		return nil
	}
	if ttl > maxKeyCacheTTL {
		ttl = maxKeyCacheTTL
	}

	value := fmt.Sprintf("%d:%s", key.ValidUntil, base64.StdEncoding.EncodeToString(key.PublicKey))
	if err := c.client.Set(ctx, keyCacheKey(key.ServerName, key.KeyID), value, ttl).Err(); err != nil {
		return fmt.Errorf("key cache set: %w", err)
	}
	return nil
}
