package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/chorus-llm/chorus/runtime/orchestrator/coalesce"
	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
)

func publishEnvelope(t *testing.T, fp *fakePulse, eventType string, sessionID string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := json.Marshal(envelope{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	})
	require.NoError(t, err)
	fp.events <- &streaming.Event{EventName: eventType, Payload: env}
}

func TestSubscriberCoalescesPartialsAndFlushesOnFinal(t *testing.T) {
	fp := newFakePulse()
	sub, err := NewSubscriber(SubscriberOptions{
		Client: fp,
		// A long delay keeps the timer from firing; the final partial forces
		// the flush.
		Coalescer: coalesce.Options{Delay: time.Hour},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]coalesce.Update
	updatesCh := make(chan struct{}, 8)
	cancel, err := sub.Subscribe(context.Background(), "s1", func(updates []coalesce.Update) {
		mu.Lock()
		batches = append(batches, updates)
		mu.Unlock()
		updatesCh <- struct{}{}
	}, nil)
	require.NoError(t, err)
	defer cancel()

	publishEnvelope(t, fp, string(stream.EventPartialResult), "s1",
		stream.NewPartialResult("s1", "batch-1", "claude", "Hel", false))
	publishEnvelope(t, fp, string(stream.EventPartialResult), "s1",
		stream.NewPartialResult("s1", "batch-1", "claude", "lo", false))
	publishEnvelope(t, fp, string(stream.EventPartialResult), "s1",
		stream.NewPartialResult("s1", "batch-1", "claude", "!", true))

	select {
	case <-updatesCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no flush delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, "claude", batches[0][0].ProviderID)
	require.Equal(t, "Hello!", batches[0][0].Text)
	require.Equal(t, "final", batches[0][0].Status)
	require.Equal(t, "batch-1", batches[0][0].ResponseType)
}

func TestSubscriberFlushesBeforeTerminalEvent(t *testing.T) {
	fp := newFakePulse()
	sub, err := NewSubscriber(SubscriberOptions{
		Client:    fp,
		Coalescer: coalesce.Options{Delay: time.Hour},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	terminalCh := make(chan Terminal, 1)
	cancel, err := sub.Subscribe(context.Background(), "s1", func(updates []coalesce.Update) {
		mu.Lock()
		order = append(order, "updates")
		mu.Unlock()
	}, func(term Terminal) {
		mu.Lock()
		order = append(order, "terminal")
		mu.Unlock()
		terminalCh <- term
	})
	require.NoError(t, err)
	defer cancel()

	publishEnvelope(t, fp, string(stream.EventPartialResult), "s1",
		stream.NewPartialResult("s1", "batch-1", "claude", "pending text", false))
	publishEnvelope(t, fp, string(stream.EventWorkflowComplete), "s1",
		stream.NewWorkflowComplete("s1", "wf-1", nil, ""))

	var term Terminal
	select {
	case term = <-terminalCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event delivered")
	}
	require.Equal(t, stream.EventWorkflowComplete, term.Type)

	var wc stream.WorkflowComplete
	require.NoError(t, json.Unmarshal(term.Payload, &wc))
	require.Equal(t, "wf-1", wc.WorkflowID)

	// The pending partial flushed before the terminal handler fired.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"updates", "terminal"}, order)
}

func TestSubscriberIgnoresMalformedEnvelopes(t *testing.T) {
	fp := newFakePulse()
	sub, err := NewSubscriber(SubscriberOptions{Client: fp})
	require.NoError(t, err)

	terminalCh := make(chan Terminal, 1)
	cancel, err := sub.Subscribe(context.Background(), "s1",
		func([]coalesce.Update) {},
		func(term Terminal) { terminalCh <- term })
	require.NoError(t, err)
	defer cancel()

	fp.events <- &streaming.Event{EventName: "junk", Payload: []byte("not json")}
	publishEnvelope(t, fp, string(stream.EventStepUpdate), "s1",
		stream.NewStepUpdate("s1", "batch-1", "completed", nil, ""))

	select {
	case term := <-terminalCh:
		require.Equal(t, stream.EventStepUpdate, term.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber stalled on malformed envelope")
	}
}
