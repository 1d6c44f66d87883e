// Package domain contains core domain types for the Prospector application.
package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message typed by the signed-in user.
	RoleUser Role = "user"
	// RoleAgent marks a message produced by the backend agent, including
	// synthetic acknowledgements appended by the session engine.
	RoleAgent Role = "agent"
)

// ChatMessage is a single entry in a user's message log. Messages are
// immutable once appended; the log only ever grows.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage builds a user-authored message stamped with the current time.
func NewUserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Message: text, Timestamp: time.Now().UTC()}
}

// NewAgentMessage builds an agent-authored message stamped with the current time.
func NewAgentMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAgent, Message: text, Timestamp: time.Now().UTC()}
}

// Equal reports whether two messages carry the same role, text, and instant.
// The durable store uses this for its set-union append: appending a message
// that already exists verbatim is a no-op.
func (m ChatMessage) Equal(other ChatMessage) bool {
	return m.Role == other.Role &&
		m.Message == other.Message &&
		m.Timestamp.Equal(other.Timestamp)
}
