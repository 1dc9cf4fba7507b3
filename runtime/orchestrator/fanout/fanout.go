// Package fanout issues one adapter call per provider concurrently and
// aggregates success/failure without ever failing the batch. Each provider's
// outcome is collected into one of two keyed containers; no error crosses the
// fan-out boundary as control flow.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
)

type (
	// Batch describes one fan-out: a resolved prompt dispatched to a set of
	// providers, each with its own continuation context.
	Batch struct {
		// SessionID scopes cancellation and streaming state.
		SessionID string
		// Prompt is the resolved prompt text sent to every provider.
		Prompt string
		// Providers lists the target provider ids. Dispatch order follows this
		// declaration order; completion order is unconstrained.
		Providers []string
		// Contexts carries each provider's continuation token, if any.
		Contexts map[string]provider.Meta
		// Overrides carries per-provider meta merged over Contexts, keys winning
		// on conflict. Used by steps that pin provider-specific options.
		Overrides map[string]provider.Meta
		// Thinking enables provider-specific reasoning modes for this batch.
		Thinking *provider.ThinkingOptions
		// OnPartial is invoked synchronously as each adapter streams. May be nil.
		OnPartial func(providerID string, chunk provider.Chunk)
	}

	// Outcome partitions a batch's providers into successes and failures.
	// Every provider in the batch appears in exactly one of the two maps.
	Outcome struct {
		// Successes holds completed results, including completed-with-softError
		// results whose partial text was preserved.
		Successes map[string]provider.Result
		// Failures holds hard failures: unregistered providers and adapter
		// errors that produced no text.
		Failures map[string]error
	}

	// Dispatcher fans prompts out to registered adapters.
	Dispatcher struct {
		registry *Registry
		cancels  *CancelRegistry
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// Registry is the adapter lookup the dispatcher resolves providers against.
	Registry = provider.Registry
)

// NewDispatcher builds a Dispatcher. The cancel registry may be shared with
// other dispatchers so a session abort reaches every outstanding call.
func NewDispatcher(registry *provider.Registry, cancels *CancelRegistry, logger telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	return &Dispatcher{registry: registry, cancels: cancels, logger: logger, metrics: metrics}
}

// Cancels exposes the dispatcher's cancellation registry.
func (d *Dispatcher) Cancels() *CancelRegistry {
	return d.cancels
}

// Abort signals every outstanding per-provider token for the session.
func (d *Dispatcher) Abort(sessionID string) {
	d.cancels.Abort(sessionID)
}

// Dispatch invokes every provider concurrently and blocks until all have
// settled. It always returns a complete partition: a hard error with no
// partial text becomes a Failures entry; a hard error after partial text was
// captured becomes a Successes entry with SoftError attached and the partial
// text preserved. A provider with no registered adapter fails immediately
// without any adapter call.
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch) Outcome {
	out := Outcome{
		Successes: make(map[string]provider.Result, len(batch.Providers)),
		Failures:  make(map[string]error),
	}
	start := time.Now()

	type settled struct {
		id  string
		res provider.Result
		err error
	}
	results := make(chan settled, len(batch.Providers))

	for _, id := range batch.Providers {
		adapter, err := d.registry.Get(id)
		if err != nil {
			results <- settled{id: id, err: err}
			continue
		}
		go func(id string, adapter provider.Adapter) {
			res, err := d.invoke(ctx, batch, id, adapter)
			results <- settled{id: id, res: res, err: err}
		}(id, adapter)
	}

	for range batch.Providers {
		s := <-results
		switch {
		case s.err == nil:
			out.Successes[s.id] = s.res
		case s.res.Text != "":
			// Streaming failed after partial text was captured: preserve the
			// text and surface the failure as a soft error.
			res := s.res
			res.Status = provider.StatusCompleted
			res.SoftError = &provider.SoftError{
				Name:    "stream_interrupted",
				Message: s.err.Error(),
			}
			out.Successes[s.id] = res
			d.metrics.IncCounter("fanout_soft_failures", 1, "provider", s.id)
		default:
			out.Failures[s.id] = s.err
			d.metrics.IncCounter("fanout_hard_failures", 1, "provider", s.id)
		}
	}

	d.metrics.RecordTimer("fanout_dispatch", time.Since(start))
	d.logger.Debug(ctx, "fan-out settled",
		"session_id", batch.SessionID,
		"providers", len(batch.Providers),
		"successes", len(out.Successes),
		"failures", len(out.Failures))
	return out
}

// invoke runs one adapter call with its own cancellation token registered in
// the session-scoped registry. A panicking adapter settles as a hard failure
// instead of crashing the batch.
func (d *Dispatcher) invoke(ctx context.Context, batch Batch, id string, adapter provider.Adapter) (res provider.Result, err error) {
	callCtx, cancel := context.WithCancel(ctx)
	d.cancels.Register(batch.SessionID, id, cancel)
	defer func() {
		d.cancels.Release(batch.SessionID, id)
		cancel()
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %q panicked: %v", id, r)
		}
	}()

	req := provider.Request{
		SessionID:  batch.SessionID,
		ProviderID: id,
		Prompt:     batch.Prompt,
		Meta:       mergeMeta(batch.Contexts[id], batch.Overrides[id]),
		Thinking:   batch.Thinking,
	}
	var onChunk provider.ChunkFunc
	if batch.OnPartial != nil {
		onChunk = func(chunk provider.Chunk) { batch.OnPartial(id, chunk) }
	}
	res, err = adapter.SendPrompt(callCtx, req, onChunk)
	if res.ProviderID == "" {
		res.ProviderID = id
	}
	return res, err
}

// mergeMeta overlays override entries on top of the continuation context.
func mergeMeta(base, override provider.Meta) provider.Meta {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(provider.Meta, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
