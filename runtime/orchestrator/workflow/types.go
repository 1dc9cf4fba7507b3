// Package workflow owns the step graph of one orchestration request: it
// sequences batch, mapping and synthesis steps in dependency order, resolves
// continuation context and step sources, drives the fan-out dispatcher and the
// delta codec, and persists the resulting turn.
package workflow

import (
	"errors"
	"fmt"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

type (
	// StepType names the three step kinds a workflow can sequence.
	StepType string

	// Step is one unit of work in a workflow. Mapping and synthesis steps
	// reference prior steps or a historical turn as their source material.
	Step struct {
		// ID is unique within the workflow.
		ID string `json:"stepId"`
		// Type is one of batch, mapping or synthesis.
		Type StepType `json:"type"`
		// Payload carries the type-specific parameters.
		Payload StepPayload `json:"payload"`
	}

	// StepPayload is the union of per-type step parameters. Which fields apply
	// depends on the step type; unused fields are ignored.
	StepPayload struct {
		// Prompt is the base instruction for the step.
		Prompt string `json:"prompt"`
		// Providers lists the producers the step dispatches to. Batch steps fan
		// out to all of them; mapping/synthesis steps typically name one.
		Providers []string `json:"providers"`
		// SourceStepIDs names the prior steps whose completed outputs feed a
		// mapping or synthesis step.
		SourceStepIDs []string `json:"sourceStepIds,omitempty"`
		// MappingStepIDs declares a synthesis step's dependency on mapping
		// steps. At least one of them must have completed.
		MappingStepIDs []string `json:"mappingStepIds,omitempty"`
		// SourceKind selects the response bucket consulted for historical
		// sources. Empty means batch responses.
		SourceKind turns.ResponseKind `json:"sourceKind,omitempty"`
		// ContextStepID names a prior batch step whose provider contexts seed
		// this step's continuations (backward-compatible path).
		ContextStepID string `json:"contextStepId,omitempty"`
		// Overrides carries per-provider meta merged over resolved continuation
		// contexts.
		Overrides map[string]provider.Meta `json:"overrides,omitempty"`
		// Thinking enables provider reasoning modes for this step.
		Thinking bool `json:"thinking,omitempty"`
	}

	// RequestContext carries the session-scoped fields of a workflow request.
	RequestContext struct {
		// SessionID is the target session. Empty means the coordinator
		// synthesizes one and backfills this field once.
		SessionID string `json:"sessionId,omitempty"`
		// UserMessage is the user input that triggered the workflow.
		UserMessage string `json:"userMessage"`
		// ThreadID is an optional client-side grouping key.
		ThreadID string `json:"threadId,omitempty"`
		// SessionCreated signals the caller pre-created the session id so
		// optimistic client-side state can bind to it.
		SessionCreated bool `json:"sessionCreated,omitempty"`
		// TargetUserTurnID marks the workflow as a historical replay against an
		// already-persisted turn instead of a live turn.
		TargetUserTurnID string `json:"targetUserTurnId,omitempty"`
	}

	// Request is one workflow: an ordered step list plus its session context.
	// Owned exclusively by one coordinator execution; immutable after creation
	// except Context.SessionID which may be backfilled once if absent.
	Request struct {
		WorkflowID string         `json:"workflowId"`
		Context    RequestContext `json:"context"`
		Steps      []Step         `json:"steps"`
	}

	// StepStatus is a step's terminal state.
	StepStatus string

	// StepResult records one step's outcome for the remainder of the
	// workflow execution.
	StepResult struct {
		// Status is completed or failed.
		Status StepStatus
		// Results holds the per-provider successes of a completed step.
		Results map[string]provider.Result
		// Failures holds per-provider hard-failure messages.
		Failures map[string]string
		// Err is the step-level failure when Status is failed.
		Err error
	}
)

// Step types.
const (
	StepBatch     StepType = "batch"
	StepMapping   StepType = "mapping"
	StepSynthesis StepType = "synthesis"
)

// Step statuses.
const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Workflow failure taxonomy.
var (
	// ErrBatchExhausted indicates every provider in a batch step hard-failed
	// or returned empty text. Fatal to the workflow.
	ErrBatchExhausted = errors.New("batch step produced no usable text from any provider")

	// ErrNoValidSources indicates a mapping/synthesis step resolved zero
	// non-empty completed sources. Fatal to that step only.
	ErrNoValidSources = errors.New("no valid sources")

	// ErrMissingMapping indicates a synthesis step's declared mapping
	// dependency never completed. Fatal to that step only. The message is part
	// of the protocol surface; clients match on it.
	ErrMissingMapping = errors.New("Synthesis requires a completed Map result; none found.")
)

// Validate checks the structural invariants of a request: at least one step,
// unique step ids, known step types, and providers on every step.
func (r *Request) Validate() error {
	if len(r.Steps) == 0 {
		return errors.New("workflow has no steps")
	}
	seen := make(map[string]struct{}, len(r.Steps))
	for _, step := range r.Steps {
		if step.ID == "" {
			return errors.New("step id is required")
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
		switch step.Type {
		case StepBatch, StepMapping, StepSynthesis:
		default:
			return fmt.Errorf("step %q: unknown type %q", step.ID, step.Type)
		}
		if len(step.Payload.Providers) == 0 {
			return fmt.Errorf("step %q: no providers", step.ID)
		}
	}
	return nil
}

// bucket partitions steps by type preserving declaration order.
func bucket(steps []Step) (batch, mapping, synthesis []Step) {
	for _, step := range steps {
		switch step.Type {
		case StepBatch:
			batch = append(batch, step)
		case StepMapping:
			mapping = append(mapping, step)
		case StepSynthesis:
			synthesis = append(synthesis, step)
		}
	}
	return batch, mapping, synthesis
}
