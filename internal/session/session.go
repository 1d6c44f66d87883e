package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prospector-labs/prospector/internal/channel"
	"github.com/prospector-labs/prospector/internal/convlog"
	"github.com/prospector-labs/prospector/internal/domain"
	"github.com/prospector-labs/prospector/internal/store"
)

const (
	// TriggerMessage is the literal user message that starts the agent
	// handshake instead of regular chat forwarding.
	TriggerMessage = "start"

	// WelcomeText seeds a brand-new identity's durable log.
	WelcomeText = "Welcome to Prospector! Send a message to get started."

	// ackText is appended when the agent confirms the handshake.
	ackText = "We have received your information. You may continue."

	durableWriteTimeout = 5 * time.Second
)

// AgentChannel is the subset of the channel API a session drives.
type AgentChannel interface {
	Open(ctx context.Context) error
	EmitInitialize(ctx context.Context, profile domain.Profile) error
	EmitUserInput(ctx context.Context, text string) error
	Close()
}

// EmailDispatcher consumes agent-issued send_email requests.
type EmailDispatcher interface {
	Dispatch(ctx context.Context, accountID, to, subject, content string)
}

// NotifyFunc receives every message appended to a session's log, for fan-out
// to the presentation layer's event stream.
type NotifyFunc func(accountID string, msg domain.ChatMessage)

// Session keeps one user's message log consistent across the in-memory log,
// the durable store, and the live agent channel. It owns exactly one channel
// and is torn down, never repaired, on disconnect.
type Session struct {
	binding    Binding
	log        *Log
	repo       store.Repository
	dispatcher EmailDispatcher
	events     convlog.Logger
	notify     NotifyFunc
	profile    domain.Profile

	ch        AgentChannel
	closeOnce sync.Once
}

var _ channel.Handler = (*Session)(nil)

// Open binds the identity, seeds and loads the durable log, and dials the
// agent channel. Called exactly once per mount, before any send is possible.
func (s *Session) Open(ctx context.Context, accountID string) error {
	s.binding.Bind(accountID)

	// Seed before load so a brand-new identity observes its welcome message
	// on the very first read. EnsureChatSeeded is idempotent.
	welcome := domain.NewAgentMessage(WelcomeText)
	if err := s.repo.EnsureChatSeeded(ctx, accountID, welcome); err != nil {
		slog.Warn("failed to seed chat log", "account_id", accountID, "error", err)
	}

	// loadLog fails soft: a load error behaves like a missing document.
	messages, err := s.repo.GetChatLog(ctx, accountID)
	if err != nil {
		slog.Warn("failed to load chat log", "account_id", accountID, "error", err)
		messages = []domain.ChatMessage{}
	}
	s.log.ReplaceAll(messages)

	profile, err := s.repo.GetProfile(ctx, accountID)
	if err != nil {
		slog.Warn("failed to load profile", "account_id", accountID, "error", err)
	}
	s.profile = profile

	// A dial failure leaves the channel disconnected: chat history still
	// works, outbound emissions are dropped, and a remount retries.
	if err := s.ch.Open(ctx); err != nil {
		slog.Warn("agent channel dial failed", "account_id", accountID, "error", err)
	}
	return nil
}

// Log returns the session's in-memory message log.
func (s *Session) Log() *Log {
	return s.log
}

// SendChat appends a user message locally and durably, then forwards it to
// the agent. A no-op when no identity is bound. Durable-append and agent
// failures never surface to the caller.
func (s *Session) SendChat(ctx context.Context, text string) {
	accountID := s.binding.Current()
	if accountID == "" {
		return
	}

	msg := domain.NewUserMessage(text)
	s.append(accountID, msg)
	s.events.Log(convlog.Event{
		AccountID:  accountID,
		Channel:    "chat",
		Direction:  "outbound",
		EventType:  "user_message",
		ContentRaw: text,
	})

	if text == TriggerMessage {
		if err := s.ch.EmitInitialize(ctx, s.profile); err != nil {
			slog.Warn("failed to emit initialize_agent", "account_id", accountID, "error", err)
		}
		return
	}
	if err := s.ch.EmitUserInput(ctx, text); err != nil {
		slog.Warn("failed to emit user_input", "account_id", accountID, "error", err)
	}
}

// append pushes to the in-memory log, notifies the event stream, and kicks
// off the durable append without awaiting it. A durable failure is logged
// and not rolled back: local and durable logs may diverge until remount.
func (s *Session) append(accountID string, msg domain.ChatMessage) {
	s.log.Append(msg)
	if s.notify != nil {
		s.notify(accountID, msg)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
		defer cancel()
		if err := s.repo.AppendChatMessage(ctx, accountID, msg); err != nil {
			slog.Warn("durable append failed, logs diverged",
				"account_id", accountID, "role", msg.Role, "error", err)
		}
	}()
}

// appendAgent records an agent-authored message through the same local plus
// durable path as user messages. The identity is resolved now, not captured
// when the channel was created.
func (s *Session) appendAgent(text string) {
	accountID := s.binding.Current()
	if accountID == "" {
		return
	}
	s.append(accountID, domain.NewAgentMessage(text))
	s.events.Log(convlog.Event{
		AccountID:  accountID,
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "agent_message",
		ContentRaw: text,
	})
}

// AgentInitialized implements channel.Handler.
func (s *Session) AgentInitialized() {
	slog.Info("agent handshake complete", "account_id", s.binding.Current())
	s.appendAgent(ackText)
}

// AgentOutput implements channel.Handler.
func (s *Session) AgentOutput(text string) {
	s.appendAgent(text)
}

// SendEmail implements channel.Handler. The request is routed to the
// dispatcher off the event loop and never touches the message log.
func (s *Session) SendEmail(req channel.EmailRequest) {
	accountID := s.binding.Current()
	if accountID == "" {
		return
	}
	s.events.Log(convlog.Event{
		AccountID: accountID,
		Channel:   "side_effect",
		Direction: "inbound",
		EventType: "send_email",
		Meta: map[string]any{
			"to":      req.Email,
			"subject": req.Subject,
		},
	})
	go s.dispatcher.Dispatch(context.Background(), accountID, req.Email, req.Subject, req.Content)
}

// AgentError implements channel.Handler. Inbound error events are reported
// and otherwise ignored; the channel and session stay up.
func (s *Session) AgentError(message string) {
	accountID := s.binding.Current()
	slog.Warn("agent reported error", "account_id", accountID, "message", message)
	s.events.Log(convlog.Event{
		AccountID:  accountID,
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "agent_error",
		ContentRaw: message,
	})
}

// Disconnected implements channel.Handler. No reconnect is attempted; the
// user remounts the session for a fresh channel.
func (s *Session) Disconnected(err error) {
	slog.Info("agent channel disconnected", "account_id", s.binding.Current(), "error", err)
}

// Close tears the channel down exactly once and unbinds the identity.
// In-flight durable appends and dispatches are abandoned, not awaited.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.ch.Close()
		s.binding.Clear()
	})
}
