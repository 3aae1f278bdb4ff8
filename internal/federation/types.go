package federation

import "encoding/json"

// Limits from spec.md §4.6.
const (
	MaxPDUsPerTxn = 50
	MaxEDUsPerTxn = 100
)

// PDU is a persisted federation event: a message, membership change, or
// other room-scoped fact exchanged between servers (spec.md §4.6).
type PDU struct {
	EventID   string          `json:"event_id"`
	RoomID    string          `json:"room_id"`
	Origin    string          `json:"origin"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"origin_server_ts"`
}

// EDU is an ephemeral data unit: typing, presence, or read-receipt gossip
// that is not persisted as room state (spec.md §4.6).
type EDU struct {
	Type    string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// Transaction is the body of PUT /send/{txn_id} (spec.md §4.6).
type Transaction struct {
	TxnID          string `json:"txn_id"`
	Origin         string `json:"origin"`
	OriginServerTS int64  `json:"origin_server_ts"`
	PDUs           []PDU  `json:"pdus"`
	EDUs           []EDU  `json:"edus"`
}

// PDUResult is one entry in the per-PDU result map a transaction response
// returns (spec.md §4.6 "overall status 200 even with per-PDU errors").
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// TransactionResult is the full response body to PUT /send/{txn_id}.
type TransactionResult struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// VerifyKey is a remote server's Ed25519 verify key with its validity
// window (spec.md §4.5 key lifecycle).
type VerifyKey struct {
	ServerName string
	KeyID      string
	PublicKey  []byte
	ValidUntil int64 // ms since epoch
}

// SignedRequestInfo carries everything Verify needs to recheck a signed
// request: the parsed Authorization header fields plus the recomputed
// canonical payload inputs.
type SignedRequestInfo struct {
	Method      string
	URI         string
	Origin      string
	Destination string
	Content     any
}
