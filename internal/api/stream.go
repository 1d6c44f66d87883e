package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prospector-labs/prospector/internal/config"
	"github.com/prospector-labs/prospector/internal/domain"
)

// streamConn represents a single SSE client connection.
type streamConn struct {
	ID          int64
	AccountID   string
	EventID     int64
	LastEventID int64
	ConnectedAt time.Time
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

type queuedEvent struct {
	EventID   int64
	Message   domain.ChatMessage
	Timestamp time.Time
}

// replayQueue buffers appended messages per account so a reconnecting client
// can recover events it missed. Each account gets its own bounded list so
// one account's burst cannot evict another's messages.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{queues: make(map[string]*list.List), maxSize: maxSize}
}

func (q *replayQueue) enqueue(accountID string, eventID int64, msg domain.ChatMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[accountID]
	if !ok {
		l = list.New()
		q.queues[accountID] = l
	}
	l.PushBack(&queuedEvent{EventID: eventID, Message: msg, Timestamp: time.Now()})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

func (q *replayQueue) missedSince(accountID string, afterEventID int64) []*queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[accountID]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*queuedEvent)
		if ev.EventID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

func (q *replayQueue) prune(accountID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, accountID)
}

// StreamHub fans appended chat messages out to connected SSE clients.
type StreamHub struct {
	cfg    config.SSEConfig
	events chan streamEvent
	done   chan struct{}
	once   sync.Once

	connsMu sync.RWMutex
	conns   map[string]map[int64]*streamConn

	queue *replayQueue

	counterMu    sync.Mutex
	eventCounter int64
	connCounter  int64
}

type streamEvent struct {
	AccountID string
	Message   domain.ChatMessage
}

// NewStreamHub creates the hub and starts its fan-out loop.
func NewStreamHub(cfg config.SSEConfig) *StreamHub {
	hub := &StreamHub{
		cfg:    cfg,
		events: make(chan streamEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		conns:  make(map[string]map[int64]*streamConn),
		queue:  newReplayQueue(cfg.QueueSize),
	}
	go hub.fanOutLoop()
	return hub
}

// Notify queues one appended message for delivery. It is the session
// engine's NotifyFunc and must never block the append path.
func (hub *StreamHub) Notify(accountID string, msg domain.ChatMessage) {
	select {
	case hub.events <- streamEvent{AccountID: accountID, Message: msg}:
	default:
		slog.Warn("stream hub queue full, dropping event", "account_id", accountID)
	}
}

// Close stops the fan-out loop.
func (hub *StreamHub) Close() {
	hub.once.Do(func() { close(hub.done) })
}

func (hub *StreamHub) fanOutLoop() {
	for {
		select {
		case <-hub.done:
			return
		case ev := <-hub.events:
			hub.counterMu.Lock()
			hub.eventCounter++
			eventID := hub.eventCounter
			hub.counterMu.Unlock()

			hub.queue.enqueue(ev.AccountID, eventID, ev.Message)

			hub.connsMu.RLock()
			accountConns, ok := hub.conns[ev.AccountID]
			if !ok {
				hub.connsMu.RUnlock()
				continue
			}
			conns := make([]*streamConn, 0, len(accountConns))
			for _, c := range accountConns {
				conns = append(conns, c)
			}
			hub.connsMu.RUnlock()

			for _, conn := range conns {
				hub.sendToConn(conn, eventID, ev.Message)
			}
		}
	}
}

func (hub *StreamHub) sendToConn(conn *streamConn, eventID int64, msg domain.ChatMessage) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal SSE message", "error", err, "conn_id", conn.ID)
		return
	}
	if _, err := fmt.Fprintf(conn.Writer, "id: %d\nevent: message\ndata: %s\n\n", eventID, data); err != nil {
		slog.Debug("failed to write to SSE connection", "error", err, "conn_id", conn.ID)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
}

func (hub *StreamHub) register(conn *streamConn) {
	hub.connsMu.Lock()
	defer hub.connsMu.Unlock()
	if _, ok := hub.conns[conn.AccountID]; !ok {
		hub.conns[conn.AccountID] = make(map[int64]*streamConn)
	}
	hub.conns[conn.AccountID][conn.ID] = conn
}

func (hub *StreamHub) unregister(conn *streamConn) {
	hub.connsMu.Lock()
	if accountConns, ok := hub.conns[conn.AccountID]; ok {
		delete(accountConns, conn.ID)
		if len(accountConns) == 0 {
			delete(hub.conns, conn.AccountID)
			// Last connection for the account closed; free its replay
			// buffer promptly.
			hub.queue.prune(conn.AccountID)
		}
	}
	hub.connsMu.Unlock()
}

// nextConnID allocates a connection ID. Event IDs come only from delivered
// messages, so Last-Event-ID sequences stay dense across reconnects.
func (hub *StreamHub) nextConnID() int64 {
	hub.counterMu.Lock()
	defer hub.counterMu.Unlock()
	hub.connCounter++
	return hub.connCounter
}

// lastEventID returns the most recently issued event ID.
func (hub *StreamHub) lastEventID() int64 {
	hub.counterMu.Lock()
	defer hub.counterMu.Unlock()
	return hub.eventCounter
}

// HandleStream handles GET /api/chat/stream: the SSE feed of appended chat
// messages, with event-ID tracking and missed-message recovery on reconnect.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	accountID := requireAccount(w, r)
	if accountID == "" {
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.SSE.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "account_id", accountID)
		return
	}
	flusher.Flush()

	connID := h.hub.nextConnID()
	eventID := h.hub.lastEventID()
	conn := &streamConn{
		ID:          connID,
		AccountID:   accountID,
		LastEventID: lastEventID,
		ConnectedAt: time.Now(),
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}
	h.hub.register(conn)
	defer func() {
		close(conn.Done)
		h.hub.unregister(conn)
		slog.Info("SSE connection closed", "account_id", accountID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		missed := h.hub.queue.missedSince(accountID, lastEventID)
		for _, ev := range missed {
			h.hub.sendToConn(conn, ev.EventID, ev.Message)
		}
		if len(missed) > 0 {
			slog.Info("replayed missed SSE events",
				"account_id", accountID, "count", len(missed))
		}
	}

	// The fan-out loop may already be delivering to this connection; the
	// connected frame and EventID go through the same lock as its writes.
	conn.mu.Lock()
	conn.EventID = eventID
	connected := fmt.Sprintf(`{"status":"connected","event_id":%d}`, eventID)
	_, err := fmt.Fprintf(w, "id: %d\nevent: connected\ndata: %s\n\n", eventID, connected)
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "account_id", accountID)
		return
	}

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "account_id", accountID)
			return
		case <-keepalive.C:
			conn.mu.Lock()
			_, err := io.WriteString(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n")
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				slog.Debug("failed to write SSE keepalive", "error", err, "account_id", accountID)
				return
			}
		}
	}
}
