package gateway

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// Frame is the wire-format structure for all WebSocket messages. Dispatch events (op 0) carry a sequence number and
// event type; control frames use only op and optionally d.
type Frame struct {
	Op   Opcode          `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type *DispatchEvent  `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// jitterHeartbeatInterval scales an interval by a uniform random factor in
// [0.9, 1.1], spreading reconnect storms' heartbeat timers across a window
// instead of having every client tick in lockstep (spec.md §4.1).
func jitterHeartbeatInterval(baseMS int) int {
	factor := 0.9 + rand.Float64()*0.2
	return int(float64(baseMS) * factor)
}

// NewHelloFrame returns a serialised Hello frame with a jittered heartbeat interval in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatIntervalMS: jitterHeartbeatInterval(heartbeatIntervalMS)})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{
		Op:   OpcodeHello,
		Data: data,
	})
}

// NewHeartbeatACKFrame returns a serialised HeartbeatACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised Dispatch frame with the given sequence number, event type, and raw data
// payload. The sequence number and event type are included in the frame envelope.
func NewDispatchFrame(seq int64, eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Seq:  &seq,
		Type: &eventType,
		Data: data,
	})
}

// NewEphemeralDispatchFrame returns a serialised Dispatch frame without a sequence number, for event types that are
// not stored in the replay buffer (e.g. TYPING_START/TYPING_STOP).
func NewEphemeralDispatchFrame(eventType DispatchEvent, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpcodeDispatch,
		Type: &eventType,
		Data: data,
	})
}

// NewReconnectFrame returns a serialised Reconnect frame instructing the client to reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewInvalidSessionFrame returns a serialised InvalidSession frame. The resumable flag indicates whether the client
// should attempt to resume or must re-identify.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(resumable)
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{
		Op:   OpcodeInvalidSession,
		Data: data,
	})
}
