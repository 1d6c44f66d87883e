package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const sendTimeout = 30 * time.Second

// Payload is a transport-ready outbound email.
type Payload struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Raw encodes the payload as a minimal RFC-822-style header block plus body,
// in transport-safe base64url without padding.
func (p Payload) Raw() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", p.To)
	fmt.Fprintf(&b, "From: %s\r\n", p.From)
	fmt.Fprintf(&b, "Subject: %s\r\n", p.Subject)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(p.Body)
	return base64.RawURLEncoding.EncodeToString(b.Bytes())
}

// Sender delivers an encoded message using a consent grant.
type Sender interface {
	Send(ctx context.Context, grant, raw string) error
}

// HTTPSender posts the raw message to a mail API endpoint with the grant as
// a bearer token.
type HTTPSender struct {
	Endpoint string
	Client   *http.Client
}

// Send posts {"raw": ...} to the configured endpoint.
func (s *HTTPSender) Send(ctx context.Context, grant, raw string) error {
	body, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return fmt.Errorf("marshal send body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+grant)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close mail response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail endpoint returned %s", resp.Status)
	}
	return nil
}

// Dispatcher consumes agent-issued send_email requests. Every failure is
// caught and logged here; nothing propagates back into the chat path, and
// nothing is retried.
type Dispatcher struct {
	from   string
	grants GrantSource
	sender Sender
}

// NewDispatcher creates a dispatcher sending from the given address.
func NewDispatcher(from string, grants GrantSource, sender Sender) *Dispatcher {
	return &Dispatcher{from: from, grants: grants, sender: sender}
}

// Dispatch composes and sends one email. Safe to call from the channel's
// event loop via a goroutine; it never panics outward and never blocks chat
// traffic on its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID, to, subject, content string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mail dispatcher panicked", "account_id", accountID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	grant, err := d.grants.Token(ctx)
	if err != nil {
		slog.Warn("mail dispatch skipped, no consent grant",
			"account_id", accountID, "to", to, "error", err)
		return
	}

	payload := Payload{To: to, From: d.from, Subject: subject, Body: content}
	if err := d.sender.Send(ctx, grant, payload.Raw()); err != nil {
		slog.Warn("mail dispatch failed",
			"account_id", accountID, "to", to, "error", err)
		return
	}

	slog.Info("mail dispatched", "account_id", accountID, "to", to, "subject", subject)
}
