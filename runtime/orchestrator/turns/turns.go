// Package turns models the persisted conversation history: sessions made of
// user and AI turns, the provider responses recorded against each AI turn, and
// the repository seam the orchestrator persists through.
//
// Response containers are normalized at ingestion: every provider's responses
// are held as a list even when only one attempt exists. Historical replays
// re-run providers against the same turn, so list order is chronological
// attempt order and the last element is authoritative.
package turns

import (
	"time"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
)

type (
	// Kind discriminates the Turn sum type.
	Kind string

	// Turn is either a UserTurn or an AiTurn.
	Turn interface {
		// TurnKind returns the discriminator for this turn.
		TurnKind() Kind
		// TurnID returns the turn's unique id within its session.
		TurnID() string
	}

	// UserTurn records one user message.
	UserTurn struct {
		ID        string
		Text      string
		CreatedAt time.Time
	}

	// AiTurn records the providers' responses to one user turn, bucketed by
	// response kind. Map values are chronological attempt lists; use Latest to
	// flatten them to the authoritative entry.
	AiTurn struct {
		ID         string
		UserTurnID string
		CreatedAt  time.Time

		BatchResponses     map[string][]provider.Result
		MappingResponses   map[string][]provider.Result
		SynthesisResponses map[string][]provider.Result
	}

	// ResponseKind names the three response buckets of an AiTurn.
	ResponseKind string

	// Session is an ordered conversation history.
	Session struct {
		ID        string
		Turns     []Turn
		CreatedAt time.Time
	}
)

// Turn kinds.
const (
	KindUser Kind = "user"
	KindAI   Kind = "ai"
)

// Response buckets.
const (
	ResponseBatch     ResponseKind = "batch"
	ResponseMapping   ResponseKind = "mapping"
	ResponseSynthesis ResponseKind = "synthesis"
)

// TurnKind returns KindUser.
func (UserTurn) TurnKind() Kind { return KindUser }

// TurnID returns the turn id.
func (t UserTurn) TurnID() string { return t.ID }

// TurnKind returns KindAI.
func (AiTurn) TurnKind() Kind { return KindAI }

// TurnID returns the turn id.
func (t AiTurn) TurnID() string { return t.ID }

// NewAiTurn returns an AiTurn with initialized response containers.
func NewAiTurn(id, userTurnID string, createdAt time.Time) AiTurn {
	return AiTurn{
		ID:                 id,
		UserTurnID:         userTurnID,
		CreatedAt:          createdAt,
		BatchResponses:     make(map[string][]provider.Result),
		MappingResponses:   make(map[string][]provider.Result),
		SynthesisResponses: make(map[string][]provider.Result),
	}
}

// Responses returns the container for the given bucket. Returns nil for an
// unknown kind.
func (t *AiTurn) Responses(kind ResponseKind) map[string][]provider.Result {
	switch kind {
	case ResponseBatch:
		return t.BatchResponses
	case ResponseMapping:
		return t.MappingResponses
	case ResponseSynthesis:
		return t.SynthesisResponses
	}
	return nil
}

// Append records one attempt for a provider in the given bucket, preserving
// chronological attempt order.
func (t *AiTurn) Append(kind ResponseKind, res provider.Result) {
	container := t.Responses(kind)
	if container == nil {
		return
	}
	container[res.ProviderID] = append(container[res.ProviderID], res)
}

// Latest flattens an attempt-list container to each provider's most recent
// completed, non-empty entry. Providers with no usable entry are omitted.
func Latest(container map[string][]provider.Result) map[string]provider.Result {
	out := make(map[string]provider.Result, len(container))
	for id, attempts := range container {
		for i := len(attempts) - 1; i >= 0; i-- {
			if attempts[i].Completed() && attempts[i].Text != "" {
				out[id] = attempts[i]
				break
			}
		}
	}
	return out
}

// Normalize coerces a single-value response map into attempt lists. Used at
// ingestion boundaries (wire payloads, legacy documents) so the rest of the
// system only ever sees lists.
func Normalize(single map[string]provider.Result) map[string][]provider.Result {
	if single == nil {
		return nil
	}
	out := make(map[string][]provider.Result, len(single))
	for id, res := range single {
		out[id] = []provider.Result{res}
	}
	return out
}

// AiTurnAfter locates the AiTurn answering the named user turn: the first AI
// turn following it in declaration order whose UserTurnID matches (or is
// empty, for histories persisted before the back-reference existed).
func (s *Session) AiTurnAfter(userTurnID string) (AiTurn, bool) {
	for i, turn := range s.Turns {
		ut, ok := turn.(UserTurn)
		if !ok || ut.ID != userTurnID {
			continue
		}
		for _, later := range s.Turns[i+1:] {
			if at, ok := later.(AiTurn); ok {
				if at.UserTurnID == "" || at.UserTurnID == userTurnID {
					return at, true
				}
			}
		}
		return AiTurn{}, false
	}
	return AiTurn{}, false
}
