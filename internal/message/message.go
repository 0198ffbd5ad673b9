package message

import (
	"fmt"
	"strings"
	"time"
)

// TimestampFormat is the second-precision UTC layout used in log lines and
// database rows.
const TimestampFormat = "2006-01-02T15:04:05"

// Type is the advisory message tag. It never affects routing except that
// BROADCAST carries no recipient filter.
type Type string

// Message types. TypeChat is written as "MSG" on the wire and in log files.
const (
	TypeChat      Type = "MSG"
	TypeTask      Type = "TASK"
	TypeReply     Type = "REPLY"
	TypeStatus    Type = "STATUS"
	TypeUrgent    Type = "URGENT"
	TypeError     Type = "ERROR"
	TypeBroadcast Type = "BROADCAST"
)

// AllTypes lists every known type in display order.
var AllTypes = []Type{TypeChat, TypeTask, TypeReply, TypeStatus, TypeUrgent, TypeError, TypeBroadcast}

// ParseType resolves a case-insensitive type name. "CHAT" and "" map to TypeChat.
func ParseType(s string) (Type, error) {
	switch up := strings.ToUpper(strings.TrimSpace(s)); up {
	case "", "CHAT", "MSG":
		return TypeChat, nil
	default:
		if t := Type(up); t.Valid() {
			return t, nil
		}
		return "", fmt.Errorf("unknown message type %q", s)
	}
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Message is one entry in a room. ID is zero until storage assigns it.
type Message struct {
	ID        int64          `json:"id"`
	Room      string         `json:"room"`
	Sender    string         `json:"sender"`
	Type      Type           `json:"type"`
	Content   string         `json:"content"`
	Recipient string         `json:"recipient,omitempty"` // empty = broadcast
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New builds an unpersisted message. The recipient is normalized so that the
// reserved broadcast tokens collapse to "no recipient".
func New(room, sender, content string, typ Type, recipient string) *Message {
	if typ == "" {
		typ = TypeChat
	}
	return &Message{
		Room:      room,
		Sender:    sender,
		Type:      typ,
		Content:   content,
		Recipient: NormalizeRecipient(recipient),
	}
}

// Now returns the current UTC time in TimestampFormat.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// For reports whether the message is visible to reader under the
// recipient-matching rule.
func (m *Message) For(reader string) bool {
	return RecipientMatches(m.Recipient, reader)
}

// ValidateSender rejects identifiers that cannot survive a log-line round trip.
func ValidateSender(sender string) error {
	if sender == "" {
		return fmt.Errorf("sender is empty")
	}
	if strings.ContainsAny(sender, "[]\r\n") {
		return fmt.Errorf("sender %q contains brackets or line breaks", sender)
	}
	return nil
}
