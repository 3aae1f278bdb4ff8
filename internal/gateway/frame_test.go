package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHelloFrame(45000)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHello {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHello)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
	if f.Type != nil {
		t.Errorf("Type = %v, want nil", f.Type)
	}

	var data HelloData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal hello data: %v", err)
	}
	// Jittered to within [0.9, 1.1] of the base interval.
	if data.HeartbeatIntervalMS < 40500 || data.HeartbeatIntervalMS > 49500 {
		t.Errorf("HeartbeatIntervalMS = %d, want in [40500, 49500]", data.HeartbeatIntervalMS)
	}
}

func TestJitterHeartbeatInterval(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		got := jitterHeartbeatInterval(10000)
		if got < 9000 || got > 11000 {
			t.Errorf("jitterHeartbeatInterval(10000) = %d, want in [9000, 11000]", got)
		}
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHeartbeatACK)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
}

func TestNewDispatchFrame(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"channel_id":"abc","content":"hello"}`)
	raw, err := NewDispatchFrame(42, EventMessageCreate, payload)
	if err != nil {
		t.Fatalf("NewDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeDispatch {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeDispatch)
	}
	if f.Seq == nil || *f.Seq != 42 {
		t.Errorf("Seq = %v, want 42", f.Seq)
	}
	if f.Type == nil || *f.Type != EventMessageCreate {
		t.Errorf("Type = %v, want %q", f.Type, EventMessageCreate)
	}

	var data struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal dispatch data: %v", err)
	}
	if data.ChannelID != "abc" {
		t.Errorf("ChannelID = %q, want %q", data.ChannelID, "abc")
	}
}

func TestNewEphemeralDispatchFrame(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"channel_id":"abc"}`)
	raw, err := NewEphemeralDispatchFrame(EventTypingStart, payload)
	if err != nil {
		t.Fatalf("NewEphemeralDispatchFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeDispatch {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeDispatch)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}
	if f.Type == nil || *f.Type != EventTypingStart {
		t.Errorf("Type = %v, want %q", f.Type, EventTypingStart)
	}
}

func TestNewReconnectFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewReconnectFrame()
	if err != nil {
		t.Fatalf("NewReconnectFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeReconnect {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeReconnect)
	}
}

func TestNewInvalidSessionFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		resumable bool
	}{
		{"resumable", true},
		{"not resumable", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := NewInvalidSessionFrame(tt.resumable)
			if err != nil {
				t.Fatalf("NewInvalidSessionFrame(%v) error = %v", tt.resumable, err)
			}

			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if f.Op != OpcodeInvalidSession {
				t.Errorf("Op = %d, want %d", f.Op, OpcodeInvalidSession)
			}

			var got bool
			if err := json.Unmarshal(f.Data, &got); err != nil {
				t.Fatalf("unmarshal data: %v", err)
			}
			if got != tt.resumable {
				t.Errorf("data = %v, want %v", got, tt.resumable)
			}
		})
	}
}
