package federation

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memKeyCache struct {
	keys map[string]VerifyKey
}

func newMemKeyCache() *memKeyCache { return &memKeyCache{keys: make(map[string]VerifyKey)} }

func (c *memKeyCache) Get(_ context.Context, serverName, keyID string) (VerifyKey, bool, error) {
	k, ok := c.keys[serverName+"|"+keyID]
	return k, ok, nil
}

func (c *memKeyCache) Set(_ context.Context, key VerifyKey) error {
	c.keys[key.ServerName+"|"+key.KeyID] = key
	return nil
}

type fakeFetcher struct {
	keys  []VerifyKey
	err   error
	calls int
}

func (f *fakeFetcher) FetchKeys(_ context.Context, _ string) ([]VerifyKey, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func buildSignedRequest(t *testing.T, signer *Signer, method, uri, origin, destination string, content any) (string, SignedRequestInfo, string) {
	t.Helper()
	header, err := signer.Sign(method, uri, destination, content)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	hash, err := ContentHash(content)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}
	info := SignedRequestInfo{Method: method, URI: uri, Origin: origin, Destination: destination, Content: content}
	return header, info, hash
}

func TestVerifier_Verify_Success(t *testing.T) {
	t.Parallel()
	signer, key := testSigner(t, "origin.example", "ed25519:1")
	cache := newMemKeyCache()
	cache.keys["origin.example|ed25519:1"] = VerifyKey{
		ServerName: "origin.example", KeyID: key.KeyID, PublicKey: key.Public, ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}
	v := NewVerifier(cache, &fakeFetcher{}, nil)

	content := map[string]any{"foo": "bar"}
	header, info, hash := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	if err := v.Verify(context.Background(), header, info, hash); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifier_Verify_FetchesOnCacheMiss(t *testing.T) {
	t.Parallel()
	signer, key := testSigner(t, "origin.example", "ed25519:1")
	cache := newMemKeyCache()
	fetcher := &fakeFetcher{keys: []VerifyKey{{
		ServerName: "origin.example", KeyID: key.KeyID, PublicKey: key.Public, ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}}}
	v := NewVerifier(cache, fetcher, nil)

	content := map[string]any{"foo": "bar"}
	header, info, hash := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	if err := v.Verify(context.Background(), header, info, hash); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetcher.calls = %d, want 1", fetcher.calls)
	}
	if _, ok, _ := cache.Get(context.Background(), "origin.example", key.KeyID); !ok {
		t.Error("key should be populated into cache after fetch")
	}
}

func TestVerifier_Verify_UnknownKey(t *testing.T) {
	t.Parallel()
	signer, _ := testSigner(t, "origin.example", "ed25519:1")
	v := NewVerifier(newMemKeyCache(), &fakeFetcher{err: errors.New("network down")}, nil)

	content := map[string]any{"foo": "bar"}
	header, info, hash := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	err := v.Verify(context.Background(), header, info, hash)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Verify() error = %v, want ErrUnknownKey", err)
	}
}

func TestVerifier_Verify_BadSignature(t *testing.T) {
	t.Parallel()
	signer, key := testSigner(t, "origin.example", "ed25519:1")
	cache := newMemKeyCache()
	cache.keys["origin.example|ed25519:1"] = VerifyKey{
		ServerName: "origin.example", KeyID: key.KeyID, PublicKey: key.Public, ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}
	v := NewVerifier(cache, &fakeFetcher{}, nil)

	content := map[string]any{"foo": "bar"}
	header, info, _ := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	// Tamper with the request after signing.
	info.Content = map[string]any{"foo": "tampered"}
	tamperedHash, err := ContentHash(info.Content)
	if err != nil {
		t.Fatalf("ContentHash() error = %v", err)
	}

	if err := v.Verify(context.Background(), header, info, tamperedHash); err == nil {
		t.Fatal("Verify() with tampered content should fail")
	}
}

func TestVerifier_Verify_ContentHashMismatch(t *testing.T) {
	t.Parallel()
	signer, key := testSigner(t, "origin.example", "ed25519:1")
	cache := newMemKeyCache()
	cache.keys["origin.example|ed25519:1"] = VerifyKey{
		ServerName: "origin.example", KeyID: key.KeyID, PublicKey: key.Public, ValidUntil: time.Now().Add(time.Hour).UnixMilli(),
	}
	v := NewVerifier(cache, &fakeFetcher{}, nil)

	content := map[string]any{"foo": "bar"}
	header, info, _ := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	err := v.Verify(context.Background(), header, info, "not-the-real-hash")
	if !errors.Is(err, ErrContentHashMismatch) {
		t.Fatalf("Verify() error = %v, want ErrContentHashMismatch", err)
	}
}

func TestVerifier_Verify_BlockedServer(t *testing.T) {
	t.Parallel()
	signer, _ := testSigner(t, "origin.example", "ed25519:1")
	v := NewVerifier(newMemKeyCache(), &fakeFetcher{}, blockAll{})

	content := map[string]any{"foo": "bar"}
	header, info, hash := buildSignedRequest(t, signer, "PUT", "/send/txn1", "origin.example", "dest.example", content)

	err := v.Verify(context.Background(), header, info, hash)
	if !errors.Is(err, ErrBlockedServer) {
		t.Fatalf("Verify() error = %v, want ErrBlockedServer", err)
	}
}

type blockAll struct{}

func (blockAll) IsBlocked(_ context.Context, _ string) bool { return true }

func TestParseAuthorizationHeader_Malformed(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"Bearer abc",
		"X-Nexus only-one-field",
		"X-Nexus a,b,not-base64url!!",
	}
	for _, h := range cases {
		if _, err := ParseAuthorizationHeader(h); !errors.Is(err, ErrMalformedAuthHeader) {
			t.Errorf("ParseAuthorizationHeader(%q) error = %v, want ErrMalformedAuthHeader", h, err)
		}
	}
}
