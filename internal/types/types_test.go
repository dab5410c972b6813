package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimeMSUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"epoch number", `1735689600000`, 1735689600000},
		{"iso string", `"2025-01-01T00:00:00Z"`, 1735689600000},
		{"iso with millis", `"2025-01-01T00:00:00.250Z"`, 1735689600250},
		{"iso with offset", `"2025-01-01T09:00:00+09:00"`, 1735689600000},
		{"null", `null`, 0},
		{"empty string", `""`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got TimeMS
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("unmarshal %s: %v", tt.input, err)
			}
			if int64(got) != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTimeMSUnmarshalRejectsGarbage(t *testing.T) {
	var got TimeMS
	if err := json.Unmarshal([]byte(`"not-a-time"`), &got); err == nil {
		t.Fatal("expected error for non-temporal string")
	}
}

func TestTimeMSRoundTrip(t *testing.T) {
	// A document written with an ISO timestamp must read back, re-marshal
	// and re-read to the same instant.
	in := []byte(`{"timestamp":"2025-06-15T12:30:45.123Z"}`)
	var first struct {
		Timestamp TimeMS `json:"timestamp"`
	}
	if err := json.Unmarshal(in, &first); err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	var second struct {
		Timestamp TimeMS `json:"timestamp"`
	}
	if err := json.Unmarshal(out, &second); err != nil {
		t.Fatal(err)
	}
	if first.Timestamp != second.Timestamp {
		t.Errorf("round trip changed value: %d != %d", first.Timestamp, second.Timestamp)
	}
	want := time.Date(2025, 6, 15, 12, 30, 45, 123_000_000, time.UTC).UnixMilli()
	if int64(second.Timestamp) != want {
		t.Errorf("got %d, want %d", second.Timestamp, want)
	}
}

func TestRoomSanitized(t *testing.T) {
	r := Room{
		Name:        "general",
		HasPassword: true,
		Password:    "secret",
		Participants: []Participant{
			{ID: "u1", Name: "alice"},
			{ID: "u2", Name: "bob"},
		},
		ParticipantsCount: 99, // stale on purpose
	}
	s := r.Sanitized()
	if s.Password != "" {
		t.Error("sanitized room leaked password")
	}
	if !s.HasPassword {
		t.Error("sanitized room must keep hasPassword flag")
	}
	if s.ParticipantsCount != 2 {
		t.Errorf("participantsCount = %d, want 2", s.ParticipantsCount)
	}
	if r.Password != "secret" {
		t.Error("Sanitized must not mutate the receiver")
	}
}

func TestRoomHasParticipant(t *testing.T) {
	r := Room{Participants: []Participant{{ID: "u1"}, {ID: "u2"}}}
	if !r.HasParticipant("u1") {
		t.Error("u1 should be a participant")
	}
	if r.HasParticipant("u3") {
		t.Error("u3 should not be a participant")
	}
}

func TestMessageHasReader(t *testing.T) {
	m := Message{Readers: []Reader{{UserID: "u1", ReadAt: NowMS()}}}
	if !m.HasReader("u1") {
		t.Error("u1 should be a reader")
	}
	if m.HasReader("u2") {
		t.Error("u2 should not be a reader")
	}
}

func TestSyncEventDataIsSelfContained(t *testing.T) {
	msg := Message{ID: "m1", Room: "r1", Type: MessageText, Content: "hi", Timestamp: NowMS()}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	ev := SyncEvent{Operation: OpCreateMessage, Data: data, Timestamp: NowMS()}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var back SyncEvent
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Operation != OpCreateMessage {
		t.Errorf("operation = %q, want %q", back.Operation, OpCreateMessage)
	}
	var payload Message
	if err := json.Unmarshal(back.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ID != "m1" || payload.Content != "hi" {
		t.Errorf("payload did not survive: %+v", payload)
	}
}
