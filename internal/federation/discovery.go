package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"
)

// discoveryTimeout bounds how long a well-known lookup may take before a
// verify falls back to ErrUnknownKey.
const discoveryTimeout = 10 * time.Second

// discoveryKey is one entry of a .well-known/nexus/server document's
// "keys" array.
type discoveryKey struct {
	KeyID      string `json:"key_id"`
	PublicKey  string `json:"public_key"`
	ValidUntil int64  `json:"valid_until_ts"`
	// Fingerprint is a blake2b-256 digest of the raw public key, included
	// purely as a human-checkable identifier in the discovery document; it
	// plays no role in verification (spec.md §6 discovery document).
	Fingerprint string `json:"fingerprint"`
}

// discoveryDocument is the body of GET /.well-known/nexus/server.
type discoveryDocument struct {
	ServerName string         `json:"server_name"`
	BaseURL    string         `json:"base_url"`
	Keys       []discoveryKey `json:"keys"`
}

func fingerprint(pub []byte) string {
	sum := blake2b.Sum256(pub)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}

// BuildDiscoveryDocument assembles this node's own .well-known response:
// its currently active signing key plus any still-valid keys retained in
// repo for verification of already-signed requests.
func BuildDiscoveryDocument(ctx context.Context, serverName, baseURL string, signer *Signer, repo Repository) ([]byte, error) {
	keys, err := repo.KeysForServer(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("load own keys: %w", err)
	}

	doc := discoveryDocument{ServerName: serverName, BaseURL: baseURL}
	seen := make(map[string]bool, len(keys)+1)
	for _, k := range keys {
		doc.Keys = append(doc.Keys, discoveryKey{
			KeyID:       k.KeyID,
			PublicKey:   base64.StdEncoding.EncodeToString(k.PublicKey),
			ValidUntil:  k.ValidUntil,
			Fingerprint: fingerprint(k.PublicKey),
		})
		seen[k.KeyID] = true
	}
	if !seen[signer.ActiveKeyID()] && signer.active != nil {
		doc.Keys = append(doc.Keys, discoveryKey{
			KeyID:       signer.active.KeyID,
			PublicKey:   base64.StdEncoding.EncodeToString(signer.active.Public),
			ValidUntil:  signer.active.ExpiresAt.UnixMilli(),
			Fingerprint: fingerprint(signer.active.Public),
		})
	}

	return json.Marshal(doc)
}

// HTTPKeyFetcher implements KeyFetcher against a remote server's own
// .well-known/nexus/server document over HTTPS (spec.md §4.5 key
// resolution: "fetch live from the remote's discovery document on a cache
// miss").
type HTTPKeyFetcher struct {
	client     *http.Client
	baseURLFor func(serverName string) string
}

// NewHTTPKeyFetcher constructs an HTTPKeyFetcher. baseURLFor resolves a
// server_name to the base URL its discovery document lives at; callers
// that already track federated_servers.base_url should wire that lookup
// in here rather than re-deriving it from serverName.
func NewHTTPKeyFetcher(baseURLFor func(serverName string) string) *HTTPKeyFetcher {
	return &HTTPKeyFetcher{client: &http.Client{Timeout: discoveryTimeout}, baseURLFor: baseURLFor}
}

func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context, serverName string) ([]VerifyKey, error) {
	base := f.baseURLFor(serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/.well-known/nexus/server", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document returned status %d", resp.StatusCode)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}

	out := make([]VerifyKey, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil {
			continue
		}
		out = append(out, VerifyKey{ServerName: serverName, KeyID: k.KeyID, PublicKey: pub, ValidUntil: k.ValidUntil})
	}
	return out, nil
}
