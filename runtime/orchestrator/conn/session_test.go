package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorus-llm/chorus/runtime/orchestrator/fanout"
	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/stream"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns/inmem"
	"github.com/chorus-llm/chorus/runtime/orchestrator/workflow"
)

// fakeChannel delivers injected messages to the subscribed handler.
type fakeChannel struct {
	mu           sync.Mutex
	handler      func([]byte)
	unsubscribed bool
	closed       bool
}

func (c *fakeChannel) Subscribe(handler func([]byte)) (func(), error) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.unsubscribed = true
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

func (c *fakeChannel) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) deliver(data []byte) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

type echoAdapter struct{}

func (echoAdapter) SendPrompt(_ context.Context, req provider.Request, _ provider.ChunkFunc) (provider.Result, error) {
	return provider.Result{ProviderID: req.ProviderID, Text: "echo: " + req.Prompt, Status: provider.StatusCompleted}, nil
}

func newSessionHarness(t *testing.T) (*Session, *fakeChannel, *stream.Recorder) {
	t.Helper()
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register("claude", echoAdapter{}))
	require.NoError(t, registry.Register("gpt", echoAdapter{}))
	sink := stream.NewRecorder()
	coord, err := workflow.New(workflow.Options{
		Dispatcher: fanout.NewDispatcher(registry, fanout.NewCancelRegistry(), nil, nil),
		Repository: inmem.New(),
		Sink:       sink,
	})
	require.NoError(t, err)
	channel := &fakeChannel{}
	session, err := NewSession(Options{Channel: channel, Coordinator: coord, Sink: sink})
	require.NoError(t, err)
	require.NoError(t, session.Open(context.Background()))
	return session, channel, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func TestSessionAnswersPing(t *testing.T) {
	session, channel, sink := newSessionHarness(t)
	defer func() {
		require.NoError(t, session.Close(context.Background()))
	}()

	channel.deliver([]byte(`{"type": "KEEPALIVE_PING"}`))
	pongs := sink.OfType(stream.EventPong)
	require.Len(t, pongs, 1)
}

func TestSessionExecutesHighLevelWorkflow(t *testing.T) {
	session, channel, sink := newSessionHarness(t)
	defer func() {
		require.NoError(t, session.Close(context.Background()))
	}()

	channel.deliver([]byte(`{
		"type": "EXECUTE_WORKFLOW",
		"payload": {"userMessage": "hello", "providers": ["claude", "gpt"]}
	}`))

	waitFor(t, func() bool {
		return len(sink.OfType(stream.EventWorkflowComplete)) == 1
	})
	require.Len(t, sink.OfType(stream.EventSessionStarted), 1)
	require.Len(t, sink.OfType(stream.EventStepUpdate), 1)
}

func TestSessionIgnoresInvalidCommands(t *testing.T) {
	session, channel, sink := newSessionHarness(t)
	defer func() {
		require.NoError(t, session.Close(context.Background()))
	}()

	channel.deliver([]byte(`not even json`))
	channel.deliver([]byte(`{"type": "UNKNOWN"}`))
	require.Empty(t, sink.Events())
}

func TestCloseWaitsForInFlightWorkAndTearsDownChannel(t *testing.T) {
	session, channel, sink := newSessionHarness(t)

	channel.deliver([]byte(`{
		"type": "EXECUTE_WORKFLOW",
		"payload": {"userMessage": "hello", "providers": ["claude"]}
	}`))

	require.NoError(t, session.Close(context.Background()))

	// The workflow reached its terminal state before Close returned.
	require.Len(t, sink.OfType(stream.EventWorkflowComplete), 1)
	require.True(t, channel.unsubscribed)
	require.True(t, channel.closed)

	// Idempotent.
	require.NoError(t, session.Close(context.Background()))
}

func TestCloseRejectsNewWorkflows(t *testing.T) {
	session, channel, sink := newSessionHarness(t)
	require.NoError(t, session.Close(context.Background()))

	channel.deliver([]byte(`{
		"type": "EXECUTE_WORKFLOW",
		"payload": {"userMessage": "hello", "providers": ["claude"]}
	}`))
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.OfType(stream.EventWorkflowComplete))
}
