package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Kind tags what a message carries.
type Kind string

const (
	KindChat  Kind = "CHAT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
)

// Valid reports whether k is one of the kinds this client understands.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindJoin, KindLeave:
		return true
	}
	return false
}

// Message is one entry of a room conversation. Messages are never edited once received.
type Message struct {
	RoomID  string    `json:"roomId"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	Kind    Kind      `json:"type"`
	SentAt  Timestamp `json:"timestamp,omitzero"`
}

// Timestamp accepts the shapes the broker backend is known to emit: RFC3339 strings,
// zone-less ISO local date-times, epoch milliseconds and the Jackson array form
// [year, month, day, hour, minute, second, nanos]. Zone-less forms are read in the
// server location (see SetServerLocation) and stored as UTC.
type Timestamp struct {
	time.Time
}

var serverLocation atomic.Pointer[time.Location]

// SetServerLocation sets the zone the backend writes zone-less timestamps in. The backend
// stamps messages with its local wall clock, so this must match the server's zone.
// A nil loc restores UTC.
func SetServerLocation(loc *time.Location) {
	serverLocation.Store(loc)
}

// ServerLocation returns the zone used for zone-less timestamps.
func ServerLocation() *time.Location {
	if loc := serverLocation.Load(); loc != nil {
		return loc
	}
	return time.UTC
}

const localDateTime = "2006-01-02T15:04:05.999999999"

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	switch data[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if raw == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		parsed, err := time.ParseInLocation(localDateTime, raw, ServerLocation())
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", raw)
		}
		t.Time = parsed.UTC()
		return nil
	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("invalid timestamp array: %w", err)
		}
		if len(parts) < 3 {
			return fmt.Errorf("invalid timestamp array length %d", len(parts))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t.Time = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], ServerLocation()).UTC()
		return nil
	default:
		millis, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", data)
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
}

// MarshalJSON writes RFC3339 with nanoseconds, or null for the zero value.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Outbound is the body published to the broker's send destination.
type Outbound struct {
	RoomID  string `json:"roomId"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Kind    Kind   `json:"type"`
}
