package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

var (
	// ErrMissingIdentity is returned for telemetry frames without a username.
	ErrMissingIdentity = errors.New("message has no username")
	// ErrMissingTimestamp is returned for readings without a usable datetime.
	ErrMissingTimestamp = errors.New("reading has no datetime")
	// ErrIncompleteReading is returned when neither the probe temperature nor
	// the temperature/humidity pair is present.
	ErrIncompleteReading = errors.New("reading has no usable measurements")
)

// DoorStatus is the door contact state carried by a reading. The zero value
// means the reading carries no door information.
type DoorStatus string

const (
	DoorNone   DoorStatus = ""
	DoorOpen   DoorStatus = "open"
	DoorClosed DoorStatus = "closed"
)

func parseDoorStatus(s string) DoorStatus {
	switch DoorStatus(strings.ToLower(strings.TrimSpace(s))) {
	case DoorOpen:
		return DoorOpen
	case DoorClosed:
		return DoorClosed
	default:
		return DoorNone
	}
}

// Measurement is an optional numeric field. Sensors send either JSON numbers
// or numeric strings.
type Measurement struct {
	value float64
	valid bool
}

// Float returns a present Measurement.
func Float(v float64) Measurement {
	return Measurement{value: v, valid: true}
}

// Get returns the value and whether it is present.
func (m Measurement) Get() (float64, bool) {
	return m.value, m.valid
}

// Ptr returns nil for an absent measurement.
func (m Measurement) Ptr() *float64 {
	if !m.valid {
		return nil
	}
	v := m.value
	return &v
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Measurement) UnmarshalJSON(b []byte) error {
	*m = Measurement{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		// Unparsable values count as absent, like a failed parseFloat.
		return nil
	}
	*m = Float(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.value)
}

// Message is the inbound wire shape of every WebSocket frame.
type Message struct {
	Type          string          `json:"type,omitempty"`
	Username      string          `json:"username,omitempty"`
	Datetime      json.RawMessage `json:"datetime,omitempty"`
	Temperature   Measurement     `json:"temperature"`
	Humidity      Measurement     `json:"humidity"`
	DSTemperature Measurement     `json:"dsTemperature"`
	DoorStatus    string          `json:"doorStatus,omitempty"`
}

// ParseMessage decodes a raw frame.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	msg.Username = strings.TrimSpace(msg.Username)
	return &msg, nil
}

// IsPing reports whether the frame is an application-level keepalive from an
// unidentified client.
func (m *Message) IsPing() bool {
	return m.Type == "ping" && m.Username == ""
}

// Reading is a validated telemetry sample.
type Reading struct {
	Identity      string
	Time          time.Time
	Temperature   Measurement
	Humidity      Measurement
	DSTemperature Measurement
	Door          DoorStatus
}

// HasDoor reports whether the reading carries a door status.
func (r Reading) HasDoor() bool {
	return r.Door != DoorNone
}

// Reading validates the message as telemetry.
func (m *Message) Reading() (Reading, error) {
	ts, err := parseDatetime(m.Datetime)
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		Identity:      m.Username,
		Time:          ts,
		Temperature:   m.Temperature,
		Humidity:      m.Humidity,
		DSTemperature: m.DSTemperature,
		Door:          parseDoorStatus(m.DoorStatus),
	}

	_, hasProbe := r.DSTemperature.Get()
	_, hasTemp := r.Temperature.Get()
	_, hasHumidity := r.Humidity.Get()
	if !hasProbe && !(hasTemp && hasHumidity) {
		return Reading{}, ErrIncompleteReading
	}
	return r, nil
}

// parseDatetime accepts ISO 8601 strings or epoch milliseconds.
func parseDatetime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, ErrMissingTimestamp
	}

	if raw[0] != '"' {
		ms, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	if strings.TrimSpace(s) == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	ts, err := iso8601.ParseString(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	return ts, nil
}
