package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/chorus-llm/chorus/features/stream/pulse/clients/pulse"
	"github.com/chorus-llm/chorus/runtime/orchestrator/coalesce"
	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
)

type (
	// SubscriberOptions configures a Pulse-backed consumer of a session's
	// protocol stream.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "chorus_subscriber".
		SinkName string
		// Coalescer overrides the flush cadence (tests use a fake scheduler).
		Coalescer coalesce.Options
	}

	// Subscriber consumes a session's Pulse stream on behalf of a UI client.
	// Partial-result bursts are batched through the update coalescer so the
	// client redraws at a bounded cadence; terminal events flush immediately.
	Subscriber struct {
		client   clientspulse.Client
		sinkName string
		copts    coalesce.Options
	}

	// Terminal is a non-partial protocol event forwarded as-is.
	Terminal struct {
		// Type is the protocol event type.
		Type stream.EventType
		// Payload is the raw event payload.
		Payload json.RawMessage
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "chorus_subscriber"
	}
	return &Subscriber{client: opts.Client, sinkName: sinkName, copts: opts.Coalescer}, nil
}

// Subscribe opens a consumer group on the session's stream and delivers
// batched partial updates to onUpdates and terminal events to onTerminal. The
// returned cancel function stops consumption and closes the sink.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	sessionID string,
	onUpdates func([]coalesce.Update),
	onTerminal func(Terminal),
	opts ...streamopts.Sink,
) (context.CancelFunc, error) {
	if onUpdates == nil {
		return nil, errors.New("updates handler is required")
	}
	str, err := s.client.Stream(fmt.Sprintf("session/%s", sessionID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, s.sinkName, opts...)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	batcher := coalesce.New(onUpdates, s.copts)
	go s.consume(runCtx, sink, batcher, onTerminal)
	return func() {
		cancel()
		sink.Close(context.Background())
		batcher.Clear()
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, batcher *coalesce.Coalescer, onTerminal func(Terminal)) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				_ = sink.Ack(ctx, evt)
				continue
			}
			switch stream.EventType(env.Type) {
			case stream.EventPartialResult:
				var pr stream.PartialResult
				if err := json.Unmarshal(env.Payload, &pr); err == nil {
					status := "streaming"
					if pr.IsFinal {
						status = "final"
					}
					batcher.Add(pr.ProviderID, pr.Text, status, pr.StepID)
					if pr.IsFinal {
						batcher.FlushNow()
					}
				}
			case stream.EventWorkflowComplete, stream.EventStepUpdate:
				// Drain pending partials before the terminal event so the client
				// never sees completion ahead of text it already earned.
				batcher.FlushNow()
				if onTerminal != nil {
					onTerminal(Terminal{Type: stream.EventType(env.Type), Payload: env.Payload})
				}
			default:
				if onTerminal != nil {
					onTerminal(Terminal{Type: stream.EventType(env.Type), Payload: env.Payload})
				}
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}
