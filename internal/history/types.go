// Package history persists conversation turns and per-user chat quota
// in PostgreSQL, and enforces a keep-newest retention policy over old
// conversations.
package history

import (
	"time"

	"github.com/corpusqa/corpusqa/internal/rag"
)

// Unlimited is the remaining-chats sentinel for premium users.
const Unlimited = -1

// MessageType distinguishes the two sides of a conversation turn.
type MessageType string

const (
	MessageUser MessageType = "user"
	MessageBot  MessageType = "bot"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageUser || t == MessageBot
}

// Message is one immutable conversation turn. Messages are never
// edited; they disappear only through retention or explicit deletion.
type Message struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content"`
	Sources        []rag.SourceRef `json:"sources,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Conversation is the per-thread summary row maintained alongside
// messages: a title fixed at creation, a rolling last-message preview
// and a message counter.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"last_message"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User carries the quota-relevant user state.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Premium   bool      `json:"premium"`
	ChatCount int       `json:"chat_count"`
	CreatedAt time.Time `json:"created_at"`
}
