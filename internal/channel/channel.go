package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prospector-labs/prospector/internal/domain"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 512 * 1024
)

// State is the connectivity state of a channel.
type State int32

const (
	// StateDisconnected is the initial state and the terminal state after a
	// transport failure. A disconnected channel is not reopened; the session
	// must be remounted to get a fresh one.
	StateDisconnected State = iota
	// StateConnecting means the dial is in flight.
	StateConnecting
	// StateConnected means the channel accepts outbound emissions and is
	// dispatching inbound events.
	StateConnected
)

// Handler receives inbound agent events. Calls are made from the channel's
// read loop, strictly in the order the transport delivered the events; a
// handler must not block for long or it stalls dispatch.
type Handler interface {
	// AgentInitialized signals that the agent handshake completed.
	AgentInitialized()
	// AgentOutput delivers a conversational reply, normalized to text.
	AgentOutput(text string)
	// SendEmail delivers a side-effect request. It is not a chat message.
	SendEmail(req EmailRequest)
	// AgentError delivers an inbound error event. The channel stays up.
	AgentError(message string)
	// Disconnected fires once when the transport connection ends.
	Disconnected(err error)
}

// Channel is one live connection to the agent endpoint. A session owns
// exactly one; it is never shared and never reconnects on its own.
type Channel struct {
	url     string
	token   string
	handler Handler

	state     atomic.Int32
	initOnce  sync.Once
	closeOnce sync.Once

	mu         sync.Mutex // guards conn for writes
	conn       *websocket.Conn
	loopCancel context.CancelFunc
}

// New creates a channel for the given agent endpoint. token may be empty,
// in which case the handshake is unauthenticated.
func New(url, token string, handler Handler) *Channel {
	return &Channel{url: url, token: token, handler: handler}
}

// State returns the current connectivity state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Open dials the agent endpoint and starts the inbound dispatch loop.
// It returns once the transport confirms the connection. ctx bounds the dial
// only; the read loop runs on the channel's own lifetime, ending at Close or
// a transport failure, not when the caller's context is canceled.
func (c *Channel) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("channel already opened")
	}

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = make(map[string][]string)
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial agent: %w", err)
	}
	conn.SetReadLimit(readLimit)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.loopCancel = loopCancel
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	go c.readLoop(loopCtx, conn)
	return nil
}

// readLoop dispatches inbound events in transport order until the
// connection ends. Each handler call runs to completion before the next
// event is read; the channel never reorders or batches.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("agent channel closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Warn("agent channel read error", "error", err)
			}
			c.handler.Disconnected(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("bad agent event frame", "error", err)
			continue
		}

		switch env.Event {
		case EventAgentInitialized:
			c.handler.AgentInitialized()
		case EventAgentOutput:
			c.handler.AgentOutput(decodeAgentOutput(env.Data))
		case EventSendEmail:
			var req EmailRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				slog.Warn("bad send_email payload", "error", err)
				continue
			}
			c.handler.SendEmail(req)
		case EventError:
			c.handler.AgentError(decodeError(env.Data))
		default:
			slog.Debug("unknown agent event", "event", env.Event)
		}
	}
}

// EmitInitialize sends the handshake event carrying the profile record.
// Only the first call emits; the handshake happens at most once per channel.
func (c *Channel) EmitInitialize(ctx context.Context, profile domain.Profile) error {
	var err error
	emitted := false
	c.initOnce.Do(func() {
		err = c.emit(ctx, EventInitializeAgent, InitializePayload{BasicInfo: profile})
		emitted = true
	})
	if !emitted {
		slog.Debug("duplicate initialize_agent suppressed")
	}
	return err
}

// EmitUserInput sends a regular chat message to the agent.
func (c *Channel) EmitUserInput(ctx context.Context, text string) error {
	return c.emit(ctx, EventUserInput, UserInput{Text: text, Approved: false})
}

// emit writes one outbound event. Emissions while the channel is not
// connected are dropped, not queued.
func (c *Channel) emit(ctx context.Context, event string, payload any) error {
	if c.State() != StateConnected {
		slog.Debug("dropping outbound agent event, channel not connected", "event", event)
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Close tears the connection down exactly once. Outbound events are never
// queued, so there is nothing to flush.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.mu.Lock()
		conn := c.conn
		cancel := c.loopCancel
		c.conn = nil
		c.loopCancel = nil
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
				slog.Debug("failed to close agent channel", "error", err)
			}
		}
	})
}
