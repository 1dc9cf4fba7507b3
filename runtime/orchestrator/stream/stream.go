// Package stream defines the client-facing protocol events emitted while a
// workflow executes and the Sink abstraction used to deliver them over a
// transport (WebSocket, SSE, or a message bus like Pulse).
//
// All event types implement the Event interface and can be sent concurrently
// through a Sink implementation. Sinks are responsible for marshaling events
// into their wire format.
package stream

import (
	"context"
	"time"
)

type (
	// Sink delivers protocol events to clients over a transport. Implementations
	// must be thread-safe: the coordinator sends partial-result events
	// concurrently while providers stream.
	Sink interface {
		// Send publishes an event. Implementations marshal the event into their
		// wire format and handle transport-specific delivery semantics.
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent; after
		// it returns, subsequent Send calls must return errors.
		Close(ctx context.Context) error
	}

	// Event is a protocol message delivered to clients through a Sink. Concrete
	// types embed Base for the standard metadata; sinks marshal generically via
	// Payload and consumers type-assert when they need structured access.
	Event interface {
		// Type returns the protocol message type constant.
		Type() EventType
		// SessionID returns the session the event belongs to.
		SessionID() string
		// Payload returns the event-specific data in a JSON-serializable form.
		Payload() any
	}

	// EventType names a protocol message type.
	EventType string

	// Base carries the metadata shared by every event.
	Base struct {
		EventType EventType `json:"type"`
		Session   string    `json:"sessionId"`
	}

	// SessionStarted announces the session id a workflow is bound to, emitted
	// before any step runs so optimistic client-side state can bind.
	SessionStarted struct {
		Base
	}

	// StepUpdate reports one step's terminal status. Failed steps carry Error;
	// completed steps carry Result.
	StepUpdate struct {
		Base
		StepID string         `json:"stepId"`
		Status string         `json:"status"`
		Result map[string]any `json:"result,omitempty"`
		Error  string         `json:"error,omitempty"`
	}

	// PartialResult streams one provider's incremental delta for a step.
	// Clients concatenate Text from sequential events to reconstruct the
	// provider's output.
	PartialResult struct {
		Base
		StepID     string `json:"stepId"`
		ProviderID string `json:"providerId"`
		Text       string `json:"text"`
		IsFinal    bool   `json:"isFinal,omitempty"`
	}

	// WorkflowComplete is the terminal message of a workflow. It is always
	// emitted, success or failure: FinalResults carries every step's outcome
	// (possibly containing only failed entries), or Error carries a top-level
	// failure string.
	WorkflowComplete struct {
		Base
		WorkflowID   string         `json:"workflowId"`
		FinalResults map[string]any `json:"finalResults,omitempty"`
		Error        string         `json:"error,omitempty"`
	}

	// Pong answers a client keepalive ping.
	Pong struct {
		Base
		Timestamp time.Time `json:"timestamp"`
	}
)

// Protocol message types.
const (
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventStepUpdate       EventType = "WORKFLOW_STEP_UPDATE"
	EventPartialResult    EventType = "PARTIAL_RESULT"
	EventWorkflowComplete EventType = "WORKFLOW_COMPLETE"
	EventPong             EventType = "KEEPALIVE_PONG"
)

// Type returns the event type constant.
func (b Base) Type() EventType { return b.EventType }

// SessionID returns the session the event belongs to.
func (b Base) SessionID() string { return b.Session }

// Payload returns the full event for generic marshaling.
func (e SessionStarted) Payload() any { return e }

// Payload returns the full event for generic marshaling.
func (e StepUpdate) Payload() any { return e }

// Payload returns the full event for generic marshaling.
func (e PartialResult) Payload() any { return e }

// Payload returns the full event for generic marshaling.
func (e WorkflowComplete) Payload() any { return e }

// Payload returns the full event for generic marshaling.
func (e Pong) Payload() any { return e }

// NewSessionStarted builds a SESSION_STARTED event.
func NewSessionStarted(sessionID string) SessionStarted {
	return SessionStarted{Base: Base{EventType: EventSessionStarted, Session: sessionID}}
}

// NewStepUpdate builds a WORKFLOW_STEP_UPDATE event.
func NewStepUpdate(sessionID, stepID, status string, result map[string]any, err string) StepUpdate {
	return StepUpdate{
		Base:   Base{EventType: EventStepUpdate, Session: sessionID},
		StepID: stepID,
		Status: status,
		Result: result,
		Error:  err,
	}
}

// NewPartialResult builds a PARTIAL_RESULT event.
func NewPartialResult(sessionID, stepID, providerID, text string, isFinal bool) PartialResult {
	return PartialResult{
		Base:       Base{EventType: EventPartialResult, Session: sessionID},
		StepID:     stepID,
		ProviderID: providerID,
		Text:       text,
		IsFinal:    isFinal,
	}
}

// NewWorkflowComplete builds a WORKFLOW_COMPLETE event.
func NewWorkflowComplete(sessionID, workflowID string, finalResults map[string]any, err string) WorkflowComplete {
	return WorkflowComplete{
		Base:         Base{EventType: EventWorkflowComplete, Session: sessionID},
		WorkflowID:   workflowID,
		FinalResults: finalResults,
		Error:        err,
	}
}

// NewPong builds a KEEPALIVE_PONG event.
func NewPong(sessionID string, at time.Time) Pong {
	return Pong{Base: Base{EventType: EventPong, Session: sessionID}, Timestamp: at}
}
