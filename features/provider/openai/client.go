// Package openai provides a provider.Adapter backed by the OpenAI Chat
// Completions API. It streams completions using github.com/sashabaranov/go-openai
// and carries the conversation history in the continuation token so later turns
// resume the same chat.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
)

type (
	// ChatStreamClient captures the subset of the go-openai client used by the
	// adapter. Wrap a *openai.Client with NewSDKClient or pass a mock in tests.
	ChatStreamClient interface {
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error)
	}

	// ChatStream is one in-flight streaming completion.
	ChatStream interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Model is the chat model identifier, e.g. openai.GPT4o.
		Model string

		// MaxTokens caps completion length. Zero leaves the provider default.
		MaxTokens int

		// Temperature is forwarded when positive.
		Temperature float32

		// System is an optional system prompt prepended to every request.
		System string
	}

	// Client implements provider.Adapter via the OpenAI Chat Completions API.
	Client struct {
		chat   ChatStreamClient
		model  string
		maxTok int
		temp   float32
		system string
	}

	sdkClient struct {
		client *openai.Client
	}
)

var _ provider.Adapter = (*Client)(nil)

// NewSDKClient wraps a *openai.Client so it satisfies ChatStreamClient.
func NewSDKClient(client *openai.Client) ChatStreamClient {
	return sdkClient{client: client}
}

func (c sdkClient) CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (ChatStream, error) {
	return c.client.CreateChatCompletionStream(ctx, request)
}

// New builds an OpenAI-backed adapter from the provided chat client and
// configuration options.
func New(chat ChatStreamClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	return &Client{
		chat:   chat,
		model:  opts.Model,
		maxTok: opts.MaxTokens,
		temp:   opts.Temperature,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs an adapter using the default go-openai HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(NewSDKClient(openai.NewClient(apiKey)), opts)
}

// SendPrompt streams one chat completion. onChunk receives cumulative text
// snapshots as deltas arrive. A stream that dies after producing text returns
// the partial text alongside the error so the dispatcher can salvage it.
func (c *Client) SendPrompt(ctx context.Context, req provider.Request, onChunk provider.ChunkFunc) (provider.Result, error) {
	if req.Prompt == "" {
		return provider.Result{ProviderID: req.ProviderID, Status: provider.StatusFailed},
			errors.New("openai: prompt is required")
	}
	history := decodeHistory(req.Meta)
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.encodeMessages(history, req.Prompt),
		MaxTokens:   c.maxTok,
		Temperature: c.temp,
		Stream:      true,
	}

	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return provider.Result{ProviderID: req.ProviderID, Status: provider.StatusFailed},
			fmt.Errorf("openai chat completion stream: %w", err)
	}
	defer func() {
		_ = stream.Close()
	}()

	var text strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return provider.Result{
				ProviderID: req.ProviderID,
				Text:       text.String(),
				Status:     provider.StatusFailed,
			}, err
		}
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return provider.Result{
				ProviderID: req.ProviderID,
				Text:       text.String(),
				Status:     provider.StatusFailed,
			}, fmt.Errorf("openai chat completion stream: %w", err)
		}
		delta := streamDelta(resp)
		if delta == "" {
			continue
		}
		text.WriteString(delta)
		if onChunk != nil {
			onChunk(provider.Chunk{Text: text.String()})
		}
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

func (c *Client) encodeMessages(history []historyMessage, prompt string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if c.system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.system,
		})
	}
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case historyRoleUser:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Text,
			})
		case historyRoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Text,
			})
		}
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}

func streamDelta(resp openai.ChatCompletionStreamResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Delta.Content
}
