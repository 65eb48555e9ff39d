package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConversationID identifies a conversation and the socket room that carries
// its live events.
type ConversationID string

func (id ConversationID) String() string { return string(id) }

// MessageID is the server-assigned message identifier. The backend emits it
// either as a JSON string or a JSON number; both decode to the same value.
type MessageID string

func (id MessageID) String() string { return string(id) }

// IsZero reports whether the id was never assigned.
func (id MessageID) IsZero() bool { return id == "" }

// UnmarshalJSON accepts both `"42"` and `42`.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	*id = MessageID(n.String())
	return nil
}

type SenderRole string

const (
	RolePatient SenderRole = "patient"
	RoleDoctor  SenderRole = "doctor"
	RoleSupport SenderRole = "support"
	RoleSystem  SenderRole = "system"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Message is a chat message as persisted by the server. Messages are immutable
// once received.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderRole     SenderRole     `json:"senderRole"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"messageType"`
	IsRead         bool           `json:"isRead"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// CompareMessages orders messages by CreatedAt ascending with the id as a
// tie-break. Returns -1, 0 or +1.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return CompareIDs(a.ID, b.ID)
}

// CompareIDs orders integer ids numerically and before every other id.
// Other ids compare lexically. Integers equal in value, such as "7" and
// "007", fall back to their text so the order stays total.
func CompareIDs(a, b MessageID) int {
	aInt, bInt := isInteger(string(a)), isInteger(string(b))
	switch {
	case aInt && bInt:
		if c := compareDigits(string(a), string(b)); c != 0 {
			return c
		}
	case aInt:
		return -1
	case bInt:
		return 1
	}
	return strings.Compare(string(a), string(b))
}

func isInteger(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// compareDigits compares unsigned decimal strings of any length by value.
func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
