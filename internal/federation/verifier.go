package federation

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// Sentinel errors for the federation package.
var (
	ErrMalformedAuthHeader = errors.New("federation: malformed X-Nexus authorization header")
	ErrUnknownKey          = errors.New("federation: unknown or expired verify key")
	ErrBadSignature        = errors.New("federation: signature verification failed")
	ErrContentHashMismatch = errors.New("federation: content hash mismatch")
	ErrBlockedServer       = errors.New("federation: origin server is blocked")
	ErrTxnTooLarge         = errors.New("federation: transaction exceeds PDU/EDU limits")
)

// KeyFetcher retrieves a remote server's current verify keys, e.g. via
// GET https://<server>/.well-known/nexus/server or the server's own key
// endpoint. Implementations should return every key the remote currently
// advertises (active and not-yet-expired retired keys).
type KeyFetcher interface {
	FetchKeys(ctx context.Context, serverName string) ([]VerifyKey, error)
}

// BlockList reports whether a server name has been administratively
// blocked from federating with this node.
type BlockList interface {
	IsBlocked(ctx context.Context, serverName string) bool
}

// Verifier validates inbound signed federation requests (spec.md §4.5).
type Verifier struct {
	cache   KeyCache
	fetcher KeyFetcher
	blocks  BlockList
}

// NewVerifier constructs a Verifier. blocks may be nil (no blocklist).
func NewVerifier(cache KeyCache, fetcher KeyFetcher, blocks BlockList) *Verifier {
	return &Verifier{cache: cache, fetcher: fetcher, blocks: blocks}
}

// parsedAuth is the decoded form of "X-Nexus <origin>,<key_id>,<b64sig>".
type parsedAuth struct {
	Origin string
	KeyID  string
	Sig    []byte
}

// ParseAuthorizationHeader decodes the X-Nexus scheme spec.md §4.5 defines.
func ParseAuthorizationHeader(header string) (parsedAuth, error) {
	const prefix = "X-Nexus "
	if !strings.HasPrefix(header, prefix) {
		return parsedAuth{}, ErrMalformedAuthHeader
	}
	fields := strings.Split(strings.TrimPrefix(header, prefix), ",")
	if len(fields) != 3 {
		return parsedAuth{}, ErrMalformedAuthHeader
	}
	sig, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(fields[2])
	if err != nil {
		return parsedAuth{}, fmt.Errorf("%w: %v", ErrMalformedAuthHeader, err)
	}
	return parsedAuth{Origin: fields[0], KeyID: fields[1], Sig: sig}, nil
}

// Verify recomputes the canonical payload for info, resolves origin's
// verify key (cache, then live fetch on miss), and checks the signature
// and content hash byte-for-byte (spec.md §4.5).
func (v *Verifier) Verify(ctx context.Context, header string, info SignedRequestInfo, contentHash string) error {
	parsed, err := ParseAuthorizationHeader(header)
	if err != nil {
		return err
	}
	if parsed.Origin != info.Origin {
		return fmt.Errorf("%w: header origin %q does not match request origin %q", ErrMalformedAuthHeader, parsed.Origin, info.Origin)
	}

	if v.blocks != nil && v.blocks.IsBlocked(ctx, parsed.Origin) {
		return ErrBlockedServer
	}

	expectedHash, err := ContentHash(info.Content)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expectedHash), []byte(contentHash)) != 1 {
		return ErrContentHashMismatch
	}

	key, err := v.resolveKey(ctx, parsed.Origin, parsed.KeyID)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"method":       info.Method,
		"uri":          info.URI,
		"origin":       info.Origin,
		"destination":  info.Destination,
		"content_hash": expectedHash,
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("verify: canonicalize payload: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(key.PublicKey), canonical, parsed.Sig) {
		return ErrBadSignature
	}
	return nil
}

func (v *Verifier) resolveKey(ctx context.Context, serverName, keyID string) (VerifyKey, error) {
	if cached, ok, err := v.cache.Get(ctx, serverName, keyID); err == nil && ok {
		return cached, nil
	}

	keys, err := v.fetcher.FetchKeys(ctx, serverName)
	if err != nil {
		return VerifyKey{}, fmt.Errorf("%w: fetch failed: %v", ErrUnknownKey, err)
	}
	for _, k := range keys {
		if saveErr := v.cache.Set(ctx, k); saveErr != nil {
			// A cache write failure does not invalidate a freshly fetched
			// key; the next lookup just pays the fetch cost again.
			_ = saveErr
		}
		if k.KeyID == keyID {
			return k, nil
		}
	}
	return VerifyKey{}, ErrUnknownKey
}
