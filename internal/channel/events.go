// Package channel owns the live bidirectional event connection to the
// backend automation agent.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/prospector-labs/prospector/internal/domain"
)

// Wire event names. Inbound and outbound events share one envelope shape.
const (
	EventInitializeAgent  = "initialize_agent"
	EventUserInput        = "user_input"
	EventAgentInitialized = "agent_initialized"
	EventAgentOutput      = "agent_output"
	EventSendEmail        = "send_email"
	EventError            = "error"
)

// Envelope is the JSON frame exchanged with the agent.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UserInput is the outbound payload for a regular chat message. Approved is
// always transmitted false; the agent owns approval semantics.
type UserInput struct {
	Text     string `json:"text"`
	Approved bool   `json:"approved"`
}

// InitializePayload carries the profile record on the handshake event.
type InitializePayload struct {
	BasicInfo domain.Profile `json:"basic_info"`
}

// EmailRequest is the inbound payload of a send_email side-effect event.
type EmailRequest struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// errorPayload is the inbound payload of an error event. Agents emit either
// a bare string or an object with a message field.
type errorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// decodeAgentOutput normalizes the agent_output payload to plain text.
// Agents have shipped three shapes for this event: a bare JSON string, an
// object with a "text" field, and an object with a "data" field. Anything
// else is passed through as its compact JSON serialization.
func decodeAgentOutput(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var wrapped struct {
		Text string          `json:"text"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Text != "" {
			return wrapped.Text
		}
		if len(wrapped.Data) > 0 {
			return decodeAgentOutput(wrapped.Data)
		}
	}

	return string(raw)
}

// decodeError normalizes the error payload to a single message string.
func decodeError(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		if payload.Details != "" {
			return fmt.Sprintf("%s: %s", payload.Message, payload.Details)
		}
		return payload.Message
	}

	return string(raw)
}
