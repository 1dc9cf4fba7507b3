package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream. err is
// surfaced once the events are exhausted, simulating a mid-stream drop.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	called     bool
	dec        *testDecoder
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	s.called = true
	dec := s.dec
	if dec == nil {
		dec = &testDecoder{}
	}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
}

func textDeltaEvent(text string) ssestream.Event {
	return ssestream.Event{
		Type: "content_block_delta",
		Data: []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"` + text + `"}}`),
	}
}

func messageStopEvent() ssestream.Event {
	return ssestream.Event{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)}
}

func TestSendPromptStreamsCumulativeText(t *testing.T) {
	stub := &stubMessagesClient{dec: &testDecoder{events: []ssestream.Event{
		textDeltaEvent("Hel"),
		textDeltaEvent("lo"),
		messageStopEvent(),
	}}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var chunks []provider.Chunk
	res, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "say hello",
	}, func(ch provider.Chunk) { chunks = append(chunks, ch) })
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	if res.Status != provider.StatusCompleted {
		t.Fatalf("unexpected status %q", res.Status)
	}
	if res.Text != "Hello" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	want := []provider.Chunk{
		{Text: "Hel"},
		{Text: "Hello"},
		{Text: "Hello", IsFinal: true},
	}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d: got %+v want %+v", i, chunks[i], want[i])
		}
	}

	history := decodeHistory(res.Meta)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0] != (historyMessage{Role: historyRoleUser, Text: "say hello"}) {
		t.Fatalf("unexpected user entry %+v", history[0])
	}
	if history[1] != (historyMessage{Role: historyRoleAssistant, Text: "Hello"}) {
		t.Fatalf("unexpected assistant entry %+v", history[1])
	}
}

func TestSendPromptResumesConversationFromMeta(t *testing.T) {
	stub := &stubMessagesClient{dec: &testDecoder{events: []ssestream.Event{
		textDeltaEvent("sure"),
	}}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5", System: "be brief"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Map-shaped entries are what a JSON or BSON round trip produces.
	meta := provider.Meta{historyKey: []any{
		map[string]any{"role": "user", "text": "first question"},
		map[string]any{"role": "assistant", "text": "first answer"},
	}}
	res, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "follow up",
		Meta:       meta,
	}, nil)
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	if got := len(stub.lastParams.Messages); got != 3 {
		t.Fatalf("expected 3 messages, got %d", got)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be brief" {
		t.Fatalf("unexpected system prompt %+v", stub.lastParams.System)
	}

	history := decodeHistory(res.Meta)
	if len(history) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(history))
	}
	if history[3].Text != "sure" {
		t.Fatalf("unexpected final entry %+v", history[3])
	}
}

func TestSendPromptReturnsPartialTextOnStreamError(t *testing.T) {
	stub := &stubMessagesClient{dec: &testDecoder{
		events: []ssestream.Event{textDeltaEvent("partial ans")},
		err:    context.DeadlineExceeded,
	}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "say hello",
	}, nil)
	if err == nil {
		t.Fatal("expected stream error")
	}
	if res.Status != provider.StatusFailed {
		t.Fatalf("unexpected status %q", res.Status)
	}
	if res.Text != "partial ans" {
		t.Fatalf("expected salvaged partial text, got %q", res.Text)
	}
}

func TestSendPromptThinkingBudget(t *testing.T) {
	stub := &stubMessagesClient{dec: &testDecoder{events: []ssestream.Event{
		textDeltaEvent("ok"),
	}}}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5", MaxTokens: 8192, ThinkingBudget: 2048})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "think hard",
		Thinking:   &provider.ThinkingOptions{Enable: true},
	}, nil); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	enabled := stub.lastParams.Thinking.OfEnabled
	if enabled == nil || enabled.BudgetTokens != 2048 {
		t.Fatalf("expected thinking budget 2048, got %+v", stub.lastParams.Thinking)
	}

	stub.called = false
	if _, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "think hard",
		Thinking:   &provider.ThinkingOptions{Enable: true, BudgetTokens: 512},
	}, nil); err == nil {
		t.Fatal("expected budget-too-small error")
	}
	if stub.called {
		t.Fatal("stream opened despite invalid budget")
	}

	if _, err := cl.SendPrompt(context.Background(), provider.Request{
		ProviderID: "anthropic",
		Prompt:     "think hard",
		Thinking:   &provider.ThinkingOptions{Enable: true, BudgetTokens: 8192},
	}, nil); err == nil {
		t.Fatal("expected budget-exceeds-max-tokens error")
	}
}

func TestSendPromptRejectsEmptyPrompt(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.SendPrompt(context.Background(), provider.Request{ProviderID: "anthropic"}, nil); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if stub.called {
		t.Fatal("stream opened despite empty prompt")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(nil, Options{Model: "m"}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Fatal("expected error for missing model")
	}
}
