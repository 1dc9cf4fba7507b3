package workflow

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type (
	// HighLevelRequest is the client-facing shorthand for a workflow: a user
	// message plus the provider set and which follow-up passes to run.
	HighLevelRequest struct {
		// SessionID targets an existing session. Empty starts a new one.
		SessionID string `json:"sessionId,omitempty"`
		// UserMessage is the prompt to fan out.
		UserMessage string `json:"userMessage"`
		// ThreadID is an optional client-side grouping key.
		ThreadID string `json:"threadId,omitempty"`
		// Providers is the fan-out target set.
		Providers []string `json:"providers"`
		// MappingProvider, when set, adds a mapping pass run by that provider.
		MappingProvider string `json:"mappingProvider,omitempty"`
		// SynthesisProvider, when set, adds a synthesis pass run by that
		// provider, depending on the mapping pass when one is declared.
		SynthesisProvider string `json:"synthesisProvider,omitempty"`
		// Thinking enables provider reasoning modes for every step.
		Thinking bool `json:"thinking,omitempty"`
	}

	// Compiler expands a high-level request into a full workflow request. The
	// coordinator consumes it as an opaque collaborator; the prompt text it
	// produces is outside the orchestration core's concern.
	Compiler interface {
		Compile(ctx context.Context, req HighLevelRequest) (Request, error)
	}

	// BasicCompiler is the default Compiler: one batch step over the provider
	// set, an optional mapping step, and an optional synthesis step wired to
	// both.
	BasicCompiler struct{}
)

// Compile expands the request into batch → mapping → synthesis steps.
func (BasicCompiler) Compile(_ context.Context, req HighLevelRequest) (Request, error) {
	if req.UserMessage == "" {
		return Request{}, errors.New("user message is required")
	}
	if len(req.Providers) == 0 {
		return Request{}, errors.New("at least one provider is required")
	}

	out := Request{
		WorkflowID: uuid.NewString(),
		Context: RequestContext{
			SessionID:      req.SessionID,
			UserMessage:    req.UserMessage,
			ThreadID:       req.ThreadID,
			SessionCreated: req.SessionID != "",
		},
	}
	batch := Step{
		ID:   "batch-1",
		Type: StepBatch,
		Payload: StepPayload{
			Providers: req.Providers,
			Thinking:  req.Thinking,
		},
	}
	out.Steps = append(out.Steps, batch)

	var mappingID string
	if req.MappingProvider != "" {
		mappingID = "mapping-1"
		out.Steps = append(out.Steps, Step{
			ID:   mappingID,
			Type: StepMapping,
			Payload: StepPayload{
				Providers:     []string{req.MappingProvider},
				SourceStepIDs: []string{batch.ID},
				Thinking:      req.Thinking,
			},
		})
	}
	if req.SynthesisProvider != "" {
		payload := StepPayload{
			Providers:     []string{req.SynthesisProvider},
			SourceStepIDs: []string{batch.ID},
			Thinking:      req.Thinking,
		}
		if mappingID != "" {
			payload.MappingStepIDs = []string{mappingID}
		}
		out.Steps = append(out.Steps, Step{ID: "synthesis-1", Type: StepSynthesis, Payload: payload})
	}
	return out, nil
}
