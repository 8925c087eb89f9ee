package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes user chat from system notices.
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeJoin    MessageType = "join"
	MessageTypeInfo    MessageType = "info"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeMessage, MessageTypeJoin, MessageTypeInfo:
		return true
	}
	return false
}

// System sender used for join/info notices.
var (
	SystemSenderID    = uuid.Nil.String()
	SystemSenderEmail = "system"
)

// ChatMessage is immutable once created. VisibleUntil bounds how long the
// message is shown as a tooltip; history keeps it forever.
type ChatMessage struct {
	ID           string      `json:"id"`
	SenderID     string      `json:"senderId"`
	SenderEmail  string      `json:"senderEmail"`
	Content      string      `json:"content"`
	Type         MessageType `json:"type"`
	CreatedAt    time.Time   `json:"createdAt"`
	VisibleUntil time.Time   `json:"visibleUntil"`
}

// VisibleAt reports whether the message is still within its tooltip window.
func (m *ChatMessage) VisibleAt(now time.Time) bool {
	return now.Before(m.VisibleUntil)
}
