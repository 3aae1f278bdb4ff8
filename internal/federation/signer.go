package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/ed25519"
)

// SignedKeyLifetime is the default validity window for a signing key
// before rotation is required (spec.md §4.5 key lifecycle).
const SignedKeyLifetime = 90 * 24 * time.Hour

// SigningKey is one generation of this server's Ed25519 keypair.
type SigningKey struct {
	KeyID      string
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// NewSigningKey generates a fresh Ed25519 keypair under the given key id,
// which callers name by the "ed25519:<ordinal>" convention Matrix-alike
// federation servers use.
func NewSigningKey(keyID string, now time.Time) (*SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SigningKey{
		KeyID:     keyID,
		Private:   priv,
		Public:    pub,
		CreatedAt: now,
		ExpiresAt: now.Add(SignedKeyLifetime),
	}, nil
}

// NewSigningKeyFromSeed derives a keypair deterministically from a 32-byte
// Ed25519 seed, so an operator-supplied FEDERATION_SIGNING_SEED survives a
// restart instead of minting a new (and therefore untrusted-by-peers) key
// every time the process starts.
func NewSigningKeyFromSeed(keyID string, seed []byte, now time.Time) (*SigningKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKey{
		KeyID:     keyID,
		Private:   priv,
		Public:    priv.Public().(ed25519.PublicKey),
		CreatedAt: now,
		ExpiresAt: now.Add(SignedKeyLifetime),
	}, nil
}

// Signer holds this server's identity and active signing key, producing
// the X-Nexus Authorization header spec.md §4.5 describes. Retired keys
// are retained (by the caller, e.g. a Repository) only for verification of
// already-signed requests; Signer itself only ever signs with the active
// key.
type Signer struct {
	origin string
	active *SigningKey
}

// NewSigner constructs a Signer for origin (this server's name) signing
// with active.
func NewSigner(origin string, active *SigningKey) *Signer {
	return &Signer{origin: origin, active: active}
}

// Rotate replaces the active signing key, e.g. on SignedKeyLifetime expiry.
func (s *Signer) Rotate(next *SigningKey) {
	s.active = next
}

// ActiveKeyID returns the key id currently used to sign, so callers can
// advertise it via discovery.
func (s *Signer) ActiveKeyID() string {
	return s.active.KeyID
}

// ContentHash returns base64url(SHA-256(canonical-JSON(content))), the
// content_hash field spec.md §4.5 requires.
func ContentHash(content any) (string, error) {
	canonical, err := CanonicalJSON(content)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]), nil
}

// Sign produces the X-Nexus Authorization header value for an outbound
// request (spec.md §4.5): canonical-JSON({method, uri, origin,
// destination, content_hash}) signed with the active Ed25519 key.
func (s *Signer) Sign(method, uri, destination string, content any) (string, error) {
	contentHash, err := ContentHash(content)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"method":       method,
		"uri":          uri,
		"origin":       s.origin,
		"destination":  destination,
		"content_hash": contentHash,
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("sign: canonicalize payload: %w", err)
	}

	sig := ed25519.Sign(s.active.Private, canonical)
	b64sig := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)

	return fmt.Sprintf("X-Nexus %s,%s,%s", s.origin, s.active.KeyID, b64sig), nil
}
