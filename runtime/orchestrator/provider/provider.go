// Package provider defines the adapter abstraction over generative-text
// producers. It is provider-agnostic: adapters wrap concrete SDKs (Anthropic,
// OpenAI, etc.) and translate Request/Result to provider-specific formats so the
// orchestrator can fan a prompt out to an arbitrary set of producers without
// coupling to any of them.
package provider

import "context"

type (
	// Adapter is the contract the orchestrator uses to invoke a single
	// generative-text producer. Implementations wrap provider SDKs and must be
	// thread-safe and reusable across concurrent dispatches.
	Adapter interface {
		// SendPrompt issues one request to the producer and blocks until the final
		// result is available. Implementations invoke onChunk zero or more times
		// with cumulative text snapshots as the producer streams; the orchestrator
		// turns those snapshots into minimal deltas. SendPrompt must honor ctx
		// cancellation: when ctx is done the adapter stops invoking onChunk and
		// returns whatever was captured alongside ctx.Err().
		SendPrompt(ctx context.Context, req Request, onChunk ChunkFunc) (Result, error)
	}

	// ChunkFunc receives streaming updates from an adapter. The text is the
	// full cumulative snapshot observed so far, not an increment.
	ChunkFunc func(chunk Chunk)

	// Chunk is one streaming update emitted by an adapter.
	Chunk struct {
		// Text is the cumulative text produced so far.
		Text string
		// IsFinal marks the last chunk of a stream.
		IsFinal bool
	}

	// Meta is the opaque continuation token a producer hands back so it can
	// resume its own prior conversation. The orchestrator never interprets its
	// contents; it only caches and persists it per (session, provider).
	Meta map[string]any

	// ThinkingOptions toggles provider-specific reasoning modes for producers
	// that support them. When Enable is false providers use their defaults.
	ThinkingOptions struct {
		// Enable turns provider-specific thinking modes on or off.
		Enable bool
		// BudgetTokens caps the tokens allocated to thinking output. Zero means
		// the provider default.
		BudgetTokens int
	}

	// Request captures the normalized parameters for one producer invocation.
	Request struct {
		// SessionID identifies the logical client session issuing the request.
		SessionID string
		// ProviderID names the target producer within the registry.
		ProviderID string
		// Prompt is the fully resolved prompt text.
		Prompt string
		// Meta carries the producer's continuation token from a prior turn, if
		// any. Nil starts a fresh conversation.
		Meta Meta
		// Thinking configures provider-specific reasoning modes. Nil disables.
		Thinking *ThinkingOptions
	}

	// SoftError records a provider failure that occurred after usable partial
	// text was already captured. The partial text is preserved in the Result.
	SoftError struct {
		// Name classifies the failure (e.g. "stream_interrupted").
		Name string
		// Message is the human-readable failure description.
		Message string
	}

	// Result is the terminal outcome of one producer invocation.
	Result struct {
		// ProviderID names the producer that generated this result.
		ProviderID string
		// Text is the final (possibly partial) generated text.
		Text string
		// Status reports whether the invocation completed or failed outright.
		Status Status
		// Meta is the continuation token for resuming this conversation. May be
		// nil when the producer does not support continuations.
		Meta Meta
		// SoftError is set when streaming failed after partial text was captured.
		// A Result may be StatusCompleted and still carry a SoftError.
		SoftError *SoftError
	}

	// Status reports the terminal state of a producer invocation.
	Status string
)

// Producer invocation statuses.
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Completed reports whether the result finished with usable text.
func (r Result) Completed() bool {
	return r.Status == StatusCompleted
}
