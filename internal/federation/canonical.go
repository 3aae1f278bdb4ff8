// Package federation implements the Federation Signer/Verifier and Txn
// Engine (spec.md §4.5, §4.6): canonical JSON, Ed25519 request signing and
// verification with a TTL'd remote-key cache, and an outbound/inbound
// transaction pipeline for exchanging PDUs with other Nexus servers.
//
// No teacher analogue exists (the teacher is single-server, never
// federates). Canonical JSON and signing are grounded on the Matrix
// server-server convention spec.md §4.5 mirrors; the key cache's
// TTL'd-Valkey-with-local-fallback shape is grounded on the teacher's
// internal/permission.ValkeyCache (CacheTTL-bounded Get/Set over Valkey,
// copy-on-write read path); the outbound queue's exponential backoff is
// grounded on rjsadow-sortie's and leapmux's use of backoff libraries,
// landing on github.com/cenkalti/backoff/v5.
package federation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON encodes v deterministically: object keys sorted ascending,
// no insignificant whitespace, matching spec.md §4.5's canonicalization
// rule used for both signature input and content hashing. v must already
// be JSON-marshalable (struct, map, or json.RawMessage); this function
// re-marshals and re-orders rather than hand-walking v's Go type so it
// composes with any payload shape the PDU/EDU types carry.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	default:
		// Strings, json.Number (preserves minimal integer forms with
		// UseNumber above), bool, and nil all marshal deterministically
		// via the standard encoder already.
		out, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(out)
	}
	return nil
}
