// Package pulse exposes a stream.Sink implementation that publishes protocol
// events to goa.design/pulse streams, plus the matching consumer side: a
// command channel for inbound messages and a subscriber that coalesces
// partial-result bursts for UI clients. Services build a Redis client, pass it
// to the Pulse client, and hand the resulting sink to the orchestrator.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/chorus-llm/chorus/features/stream/pulse/clients/pulse"
	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
)

type (
	// SinkOptions configures the Pulse sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `session/<SessionID>`.
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes protocol events into per-session Pulse streams.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}

	// envelope wraps protocol events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g. "PARTIAL_RESULT").
		Type string `json:"type"`
		// SessionID links the event to a session.
		SessionID string `json:"sessionId"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed stream sink. The Client field in opts is
// required; StreamID defaults to the per-session stream naming.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it to JSON, and publishes it
// via the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env := envelope{
		Type:      string(event.Type()),
		SessionID: event.SessionID(),
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the underlying
// Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's session.
func defaultStreamID(event stream.Event) (string, error) {
	if event.SessionID() == "" {
		// Session-less events (keepalive pongs) share a broadcast stream.
		return "session/broadcast", nil
	}
	return fmt.Sprintf("session/%s", event.SessionID()), nil
}
