package models

import (
	"strconv"
	"strings"
	"time"
)

type MessageStatus string

const (
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case MessageSending:
		return 1
	case MessageSent:
		return 2
	case MessageDelivered:
		return 3
	case MessageRead:
		return 4
	}
	return 0
}

func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// Advance returns the status after observing to. Status never moves
// backwards: a lower or equal target leaves s unchanged and reports false.
func (s MessageStatus) Advance(to MessageStatus) (MessageStatus, bool) {
	if !to.Valid() || to.rank() <= s.rank() {
		return s, false
	}
	return to, true
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindLocation MessageKind = "location"
)

// LocationPayload is the structured body of a location message. Fallback marks
// a designated substitute coordinate used when the device had no fix.
type LocationPayload struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Fallback bool    `json:"fallback"`
	Label    string  `json:"label,omitempty"`
}

type ChatMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	ReceiverID     string           `json:"receiver_id"`
	Kind           MessageKind      `json:"kind"`
	Body           string           `json:"body,omitempty"`
	Location       *LocationPayload `json:"location,omitempty"`
	Status         MessageStatus    `json:"status"`
	// SentAt is assigned by the store at commit time.
	SentAt time.Time `json:"sent_at"`
}

// ConversationFlags are one participant's view of a contact.
type ConversationFlags struct {
	OwnerID   string `json:"owner_id"`
	ContactID string `json:"contact_id"`
	Muted     bool   `json:"muted"`
	Blocked   bool   `json:"blocked"`
}

type Conversation struct {
	ID           string        `json:"id"`
	Participants [2]string     `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
	Muted        bool          `json:"muted"`
	Blocked      bool          `json:"blocked"`
}

// ConversationSummary is one entry of a participant's conversation list.
type ConversationSummary struct {
	ID           string       `json:"id"`
	Participants [2]string    `json:"participants"`
	ContactID    string       `json:"contact_id"`
	LastMessage  *ChatMessage `json:"last_message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Muted        bool         `json:"muted"`
	Blocked      bool         `json:"blocked"`
}

// Contact returns the participant other than id.
func (c ConversationSummary) Contact(id string) string {
	if c.Participants[0] == id {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ConversationID identifies the unordered pair {a, b}. The first id is
// length-prefixed so distinct pairs never share an id, whatever characters
// the ids contain.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + "|" + b
}

// Participants splits a conversation id back into its two ids.
func Participants(conversationID string) (string, string, bool) {
	prefix, rest, ok := strings.Cut(conversationID, ":")
	if !ok {
		return "", "", false
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 || n >= len(rest) || rest[n] != '|' {
		return "", "", false
	}
	return rest[:n], rest[n+1:], true
}
