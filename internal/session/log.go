// Package session implements the chat session synchronization engine: the
// in-memory message log, the live identity binding, and the orchestration
// between the durable store, the agent channel, and the mail dispatcher.
package session

import (
	"sync"

	"github.com/prospector-labs/prospector/internal/domain"
)

// Log is the authoritative in-memory ordered message log for one session.
// It is append-only: entries are never edited or removed, and Append never
// deduplicates — repeated identical text from the same role is a legitimate
// repeated user action, not a replay.
type Log struct {
	mu       sync.RWMutex
	messages []domain.ChatMessage
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{messages: []domain.ChatMessage{}}
}

// Append pushes a message onto the end of the log.
func (l *Log) Append(msg domain.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// ReplaceAll swaps the entire sequence, used once per identity-ready
// transition to initialize from the durable store. Sends are gated on the
// session being ready, so this cannot race a user append.
func (l *Log) ReplaceAll(messages []domain.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append([]domain.ChatMessage{}, messages...)
}

// Snapshot returns a copy of the current sequence in append order.
func (l *Log) Snapshot() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ChatMessage{}, l.messages...)
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
