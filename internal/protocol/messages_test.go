package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncode_WrapsTypeAndData(t *testing.T) {
	t.Parallel()

	raw, err := Encode(Command{ID: "42", Type: CmdPickup, Params: map[string]any{"name": "Bones"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeCommand {
		t.Fatalf("type = %q, want %q", env.Type, TypeCommand)
	}

	msg, err := DecodeAgentBound(raw)
	if err != nil {
		t.Fatalf("DecodeAgentBound: %v", err)
	}
	cmd, ok := msg.(Command)
	if !ok {
		t.Fatalf("decoded %T, want Command", msg)
	}
	if cmd.ID != "42" || cmd.Type != CmdPickup || cmd.Params["name"] != "Bones" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestDecodeAgentMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    MessageType
		wantErr error
	}{
		{"hello", `{"type":"hello","data":{"identity":"A"}}`, TypeHello, nil},
		{"state", `{"type":"state","data":{"snapshot":{"tick":7}}}`, TypeState, nil},
		{"result without id", `{"type":"command_result","data":{"success":true}}`, TypeCommandResult, nil},
		{"command is observer-only", `{"type":"command","data":{"type":"walk"}}`, "", ErrUnknownType},
		{"unknown", `{"type":"teleport"}`, "", ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := DecodeAgentMessage([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.MessageType() != tt.want {
				t.Fatalf("type = %q, want %q", msg.MessageType(), tt.want)
			}
		})
	}
}

func TestDecodeObserverMessage_RejectsAgentTypes(t *testing.T) {
	t.Parallel()

	if _, err := DecodeObserverMessage([]byte(`{"type":"state","data":{}}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
	if _, err := DecodeObserverMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed input")
	}
	if _, err := DecodeObserverMessage([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestDecodeObserverBound_State(t *testing.T) {
	t.Parallel()

	raw, err := Encode(StateUpdate{Identity: "A", Snapshot: Snapshot{Tick: 3, Inventory: []Item{{ID: 1, Name: "Coins", Count: 10}}}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := DecodeObserverBound(raw)
	if err != nil {
		t.Fatalf("DecodeObserverBound: %v", err)
	}
	st, ok := msg.(StateUpdate)
	if !ok {
		t.Fatalf("decoded %T, want StateUpdate", msg)
	}
	if st.Snapshot.Tick != 3 || st.Snapshot.InventoryCount("coins") != 10 {
		t.Fatalf("unexpected snapshot: %+v", st.Snapshot)
	}
}
