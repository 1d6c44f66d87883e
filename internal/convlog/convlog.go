// Package convlog records conversation traffic as NDJSON for developer
// diagnostics. Chat and side-effect failures are silent for the user; these
// files are where they become visible.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Event is one logged conversation record.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	AccountID  string         `json:"account_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts conversation events. Implementations must not block the
// caller; events may be dropped under load.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the NDJSON logger.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Noop returns a logger that discards everything.
func Noop() Logger {
	return noopLogger{}
}

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

type fileLogger struct {
	cfg    Config
	log    *slog.Logger
	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once

	filesMu sync.Mutex
	files   map[string]*os.File
	global  *os.File
}

// New creates an NDJSON conversation logger writing one file per account
// under cfg.Dir, plus an optional global stream. Returns a noop logger when
// disabled.
func New(cfg Config, log *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileLogger{
		cfg:   cfg,
		log:   log,
		queue: make(chan Event, cfg.QueueSize),
		done:  make(chan struct{}),
		files: make(map[string]*os.File),
	}

	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.drain()
	return l, nil
}

// Log enqueues an event, dropping it if the queue is full.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}
	select {
	case l.queue <- event:
	default:
		l.log.Warn("conversation log queue full, dropping event",
			"account_id", event.AccountID, "event_type", event.EventType)
	}
}

func (l *fileLogger) drain() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *fileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.log.Warn("failed to marshal conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	f, err := l.fileFor(event.AccountID)
	if err != nil {
		l.log.Warn("failed to open conversation log file", "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.log.Warn("failed to write conversation log", "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.log.Warn("failed to write global conversation log", "error", err)
		}
	}
}

func (l *fileLogger) fileFor(accountID string) (*os.File, error) {
	if accountID == "" {
		accountID = "unknown"
	}
	l.filesMu.Lock()
	defer l.filesMu.Unlock()

	if f, ok := l.files[accountID]; ok {
		return f, nil
	}
	path := filepath.Join(l.cfg.Dir, accountID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.files[accountID] = f
	return f, nil
}

// Close drains the queue and closes all open files.
func (l *fileLogger) Close() error {
	l.closed.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CleanForReadability strips ANSI escape sequences and control characters so
// logged content is grep-friendly.
func CleanForReadability(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inEscape := false
	for _, r := range raw {
		switch {
		case inEscape:
			if unicode.IsLetter(r) {
				inEscape = false
			}
		case r == 0x1b:
			inEscape = true
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// skip
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
