package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

// Source is one resolved input to a mapping or synthesis step.
type Source struct {
	// ProviderID names the producer that generated the text.
	ProviderID string
	// Text is the completed, non-empty output.
	Text string
}

// resolveContext resolves a provider's continuation context for a step. The
// tiers are strict, first match wins:
//
//  1. workflow-cache context produced earlier in this same execution,
//  2. context recorded against an explicitly named prior batch step
//     (backward-compatible path),
//  3. context persisted from a previous workflow for this (session, provider)
//     pair, retrieved via the repository.
//
// No match means the provider starts a fresh conversation.
func (c *Coordinator) resolveContext(ctx context.Context, exec *execution, step Step, providerID string) provider.Meta {
	if meta, ok := exec.contexts[providerID]; ok {
		return meta
	}
	if stepID := step.Payload.ContextStepID; stepID != "" {
		if res, ok := exec.results[stepID]; ok && res.Status == StepCompleted {
			if pr, ok := res.Results[providerID]; ok && len(pr.Meta) > 0 {
				return pr.Meta
			}
		}
	}
	if !exec.persistedLoaded {
		exec.persistedLoaded = true
		contexts, err := c.repo.GetProviderContexts(ctx, exec.sessionID)
		if err != nil {
			c.logger.Warn(ctx, "load provider contexts failed", "session_id", exec.sessionID, "err", err)
		} else {
			exec.persisted = contexts
		}
	}
	return exec.persisted[providerID]
}

// resolveSources resolves a mapping/synthesis step's source material. Named
// prior steps take precedence; a historical replay with no named steps reads
// the persisted turn targeted by the request. Zero resolved sources is an
// explicit failure rather than a dispatch with an empty prompt.
func (c *Coordinator) resolveSources(ctx context.Context, exec *execution, step Step) ([]Source, error) {
	if len(step.Payload.SourceStepIDs) > 0 {
		var sources []Source
		for _, stepID := range step.Payload.SourceStepIDs {
			res, ok := exec.results[stepID]
			if !ok || res.Status != StepCompleted {
				continue
			}
			for _, id := range sortedProviderIDs(res.Results) {
				if text := res.Results[id].Text; text != "" {
					sources = append(sources, Source{ProviderID: id, Text: text})
				}
			}
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("step %q: %w", step.ID, ErrNoValidSources)
		}
		return sources, nil
	}

	if exec.historical {
		turn, ok := c.targetTurn(ctx, exec)
		if !ok {
			return nil, fmt.Errorf("step %q: %w", step.ID, ErrNoValidSources)
		}
		kind := step.Payload.SourceKind
		if kind == "" {
			kind = turns.ResponseBatch
		}
		latest := turns.Latest(turn.Responses(kind))
		var sources []Source
		for _, id := range sortedProviderIDs(latest) {
			sources = append(sources, Source{ProviderID: id, Text: latest[id].Text})
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("step %q: %w", step.ID, ErrNoValidSources)
		}
		return sources, nil
	}

	return nil, fmt.Errorf("step %q: %w", step.ID, ErrNoValidSources)
}

// resolveMappingDependency finds the completed mapping result a synthesis step
// depends on: first among the declared step ids in this execution, then, for
// historical replays, the most recent mapping entry recorded against the
// target turn (rehydrating from the repository when the in-memory session
// copy is stale).
func (c *Coordinator) resolveMappingDependency(ctx context.Context, exec *execution, step Step) (string, error) {
	for _, stepID := range step.Payload.MappingStepIDs {
		res, ok := exec.results[stepID]
		if !ok || res.Status != StepCompleted {
			continue
		}
		for _, id := range sortedProviderIDs(res.Results) {
			if text := res.Results[id].Text; text != "" {
				return text, nil
			}
		}
	}
	if exec.historical {
		if turn, ok := c.targetTurn(ctx, exec); ok {
			latest := turns.Latest(turn.MappingResponses)
			for _, id := range sortedProviderIDs(latest) {
				return latest[id].Text, nil
			}
		}
	}
	return "", ErrMissingMapping
}

// targetTurn locates the AI turn answering the request's target user turn.
// The in-memory session copy is consulted first, then rehydrated from the
// repository, then every known session is scanned to tolerate session-id
// drift across reconnects.
func (c *Coordinator) targetTurn(ctx context.Context, exec *execution) (turns.AiTurn, bool) {
	target := exec.req.Context.TargetUserTurnID
	if target == "" {
		return turns.AiTurn{}, false
	}
	if exec.sessionLoaded {
		if turn, ok := exec.session.AiTurnAfter(target); ok {
			return turn, true
		}
	}
	if sess, err := c.repo.GetOrCreateSession(ctx, exec.sessionID); err == nil {
		exec.session = sess
		exec.sessionLoaded = true
		if turn, ok := sess.AiTurnAfter(target); ok {
			return turn, true
		}
	}
	sessions, err := c.repo.ListSessions(ctx)
	if err != nil {
		c.logger.Warn(ctx, "session scan failed", "err", err)
		return turns.AiTurn{}, false
	}
	for _, sess := range sessions {
		if turn, ok := sess.AiTurnAfter(target); ok {
			c.logger.Info(ctx, "target turn found outside expected session",
				"expected", exec.sessionID, "actual", sess.ID)
			return turn, true
		}
	}
	return turns.AiTurn{}, false
}

// buildPrompt assembles a mapping/synthesis prompt from the step instruction,
// the original user request and the resolved source texts.
func buildPrompt(step Step, userMessage string, sources []Source, mappingText string) string {
	var b strings.Builder
	instruction := step.Payload.Prompt
	if instruction == "" {
		switch step.Type {
		case StepMapping:
			instruction = "Contrast the following responses. Identify where they agree, where they diverge, and which claims are unsupported. Do not merge them."
		case StepSynthesis:
			instruction = "Merge the following responses into a single answer, resolving contradictions and removing repetition."
		}
	}
	b.WriteString(instruction)
	if userMessage != "" {
		b.WriteString("\n\nOriginal request:\n")
		b.WriteString(userMessage)
	}
	for _, src := range sources {
		fmt.Fprintf(&b, "\n\n--- response from %s ---\n%s", src.ProviderID, src.Text)
	}
	if mappingText != "" {
		b.WriteString("\n\n--- reconciliation notes ---\n")
		b.WriteString(mappingText)
	}
	return b.String()
}

func sortedProviderIDs(results map[string]provider.Result) []string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
