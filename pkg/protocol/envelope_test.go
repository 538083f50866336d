package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/omochice/moon-chat/pkg/protocol"
)

func TestOutbound_Encode(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 30, 0, 123000000, time.FixedZone("JST", 9*3600))

	tests := []struct {
		name      string
		lastComID string
		want      string
	}{
		{
			name: "without correlation id",
			want: `{"type":"message","content":"Hello","timestamp":"2024-01-01T00:30:00.123Z","last_com_id":null}`,
		},
		{
			name:      "with correlation id",
			lastComID: "c42",
			want:      `{"type":"message","content":"Hello","timestamp":"2024-01-01T00:30:00.123Z","last_com_id":"c42"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := protocol.NewOutbound("Hello", tt.lastComID, now)
			data, err := out.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Encode() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestOutbound_DecodesAsServerInput(t *testing.T) {
	out := protocol.NewOutbound("ping", "", time.Now())
	data, err := out.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if generic["type"] != protocol.TypeMessage {
		t.Errorf("type = %v, want %v", generic["type"], protocol.TypeMessage)
	}
	if _, ok := generic["last_com_id"]; !ok {
		t.Error("last_com_id must always be present")
	}
}
