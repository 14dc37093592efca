package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// DatetimeLayout is the wire format of every instant: RFC 3339 with millisecond precision
const DatetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Sequence is a store-assigned total-order position of an inserted message.
// Zero means "none".
type Sequence int64

type User struct {
	Name      string
	LastLogin time.Time
}

// ChatMessage is an immutable posted chat entry
type ChatMessage struct {
	Username string
	Message  string
	Datetime time.Time
}

// ChangeEvent pairs a message with the sequence position the store assigned to it
type ChangeEvent struct {
	Seq     Sequence
	Message ChatMessage
}

type chatMessageJSON struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Datetime string `json:"datetime"`
}

// Truncate returns a copy of m with Datetime cut down to milliseconds in UTC,
// the precision every backend and the wire format can represent.
func (m ChatMessage) Truncate() ChatMessage {
	m.Datetime = m.Datetime.UTC().Truncate(time.Millisecond)
	return m
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatMessageJSON{
		Username: m.Username,
		Message:  m.Message,
		Datetime: FormatDatetime(m.Datetime),
	})
}

func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw chatMessageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Username = raw.Username
	m.Message = raw.Message
	m.Datetime = time.Time{}
	if raw.Datetime == "" {
		return nil
	}
	t, err := ParseDatetime(raw.Datetime)
	if err != nil {
		return err
	}
	m.Datetime = t
	return nil
}

func (u User) MarshalJSON() ([]byte, error) {
	var lastLogin *string
	if !u.LastLogin.IsZero() {
		s := FormatDatetime(u.LastLogin)
		lastLogin = &s
	}
	return json.Marshal(struct {
		Name      string  `json:"name"`
		LastLogin *string `json:"last_login"`
	}{u.Name, lastLogin})
}

// FormatDatetime renders t in UTC using DatetimeLayout
func FormatDatetime(t time.Time) string {
	return t.UTC().Format(DatetimeLayout)
}

// ParseDatetime accepts any RFC 3339 instant, with or without fractional seconds
func ParseDatetime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("datetime %q is not an RFC 3339 instant", s)
	}
	return t.UTC(), nil
}
