// Package anthropic provides a provider.Adapter backed by the Anthropic Claude
// Messages API. It translates orchestrator requests into streaming
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and
// carries the conversation history in the continuation token so later turns
// resume the same Claude conversation.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either
	// a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier. Use the typed constants from
		// github.com/anthropics/anthropic-sdk-go (for example,
		// string(sdk.ModelClaudeSonnet4_5_20250929)).
		Model string

		// MaxTokens caps completion length. When zero, a conservative default is
		// applied.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float64

		// System is an optional system prompt prepended to every request.
		System string

		// ThinkingBudget is the default thinking token budget used when a request
		// enables thinking without specifying its own budget.
		ThinkingBudget int
	}

	// Client implements provider.Adapter on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
		system string
		think  int
	}
)

const defaultMaxTokens = 4096

// min Anthropic accepts for an enabled thinking budget
const minThinkingBudget = 1024

var _ provider.Adapter = (*Client)(nil)

// New builds an Anthropic-backed adapter from the provided Messages client and
// configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTokens,
		temp:   opts.Temperature,
		system: opts.System,
		think:  opts.ThinkingBudget,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// SendPrompt streams one Claude completion. onChunk receives cumulative text
// snapshots as deltas arrive. A stream that dies after producing text returns
// the partial text alongside the error so the dispatcher can salvage it.
func (c *Client) SendPrompt(ctx context.Context, req provider.Request, onChunk provider.ChunkFunc) (provider.Result, error) {
	params, history, err := c.prepareRequest(req)
	if err != nil {
		return provider.Result{ProviderID: req.ProviderID, Status: provider.StatusFailed}, err
	}

	stream := c.msg.NewStreaming(ctx, *params)
	defer func() {
		_ = stream.Close()
	}()

	var text strings.Builder
	for stream.Next() {
		if ctx.Err() != nil {
			break
		}
		event := stream.Current()
		delta, ok := textDelta(event)
		if !ok || delta == "" {
			continue
		}
		text.WriteString(delta)
		if onChunk != nil {
			onChunk(provider.Chunk{Text: text.String()})
		}
	}

	partial := provider.Result{
		ProviderID: req.ProviderID,
		Text:       text.String(),
		Status:     provider.StatusFailed,
	}
	if err := ctx.Err(); err != nil {
		return partial, err
	}
	if err := stream.Err(); err != nil {
		return partial, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	final := text.String()
	if onChunk != nil {
		onChunk(provider.Chunk{Text: final, IsFinal: true})
	}
	return provider.Result{
		ProviderID: req.ProviderID,
		Text:       final,
		Status:     provider.StatusCompleted,
		Meta:       appendHistory(history, req.Prompt, final),
	}, nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.MessageNewParams, []historyMessage, error) {
	if req.Prompt == "" {
		return nil, nil, errors.New("anthropic: prompt is required")
	}
	history := decodeHistory(req.Meta)
	msgs := make([]sdk.MessageParam, 0, len(history)+1)
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case historyRoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case historyRoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)))

	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if c.system != "" {
		params.System = []sdk.TextBlockParam{{Text: c.system}}
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	if req.Thinking != nil && req.Thinking.Enable {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.think
		}
		if budget < minThinkingBudget {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be >= %d", budget, minThinkingBudget)
		}
		if budget >= c.maxTok {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, c.maxTok)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return &params, history, nil
}

// textDelta extracts the text fragment from a streaming event, ignoring
// thinking and tool-use deltas.
func textDelta(event sdk.MessageStreamEventUnion) (string, bool) {
	ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
	if !ok {
		return "", false
	}
	delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
	if !ok {
		return "", false
	}
	return delta.Text, true
}
