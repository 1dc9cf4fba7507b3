package mongo

import (
	"fmt"
	"time"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

type (
	// sessionDocument is the persisted shape of a conversation session. Turns
	// are embedded so a session loads with a single read.
	sessionDocument struct {
		SessionID string                    `bson:"session_id"`
		CreatedAt time.Time                 `bson:"created_at"`
		UpdatedAt time.Time                 `bson:"updated_at"`
		Turns     []turnDocument            `bson:"turns"`
		Contexts  map[string]map[string]any `bson:"provider_contexts,omitempty"`
	}

	turnDocument struct {
		Kind       turns.Kind `bson:"kind"`
		TurnID     string     `bson:"turn_id"`
		CreatedAt  time.Time  `bson:"created_at"`
		Text       string     `bson:"text,omitempty"`
		UserTurnID string     `bson:"user_turn_id,omitempty"`

		BatchResponses     map[string][]responseDocument `bson:"batch_responses,omitempty"`
		MappingResponses   map[string][]responseDocument `bson:"mapping_responses,omitempty"`
		SynthesisResponses map[string][]responseDocument `bson:"synthesis_responses,omitempty"`
	}

	responseDocument struct {
		ProviderID string             `bson:"provider_id"`
		Text       string             `bson:"text"`
		Status     provider.Status    `bson:"status"`
		Meta       map[string]any     `bson:"meta,omitempty"`
		SoftError  *softErrorDocument `bson:"soft_error,omitempty"`
	}

	softErrorDocument struct {
		Name    string `bson:"name"`
		Message string `bson:"message"`
	}
)

func fromSession(session turns.Session) (sessionDocument, error) {
	doc := sessionDocument{
		SessionID: session.ID,
		CreatedAt: session.CreatedAt.UTC(),
		Turns:     make([]turnDocument, 0, len(session.Turns)),
	}
	for _, turn := range session.Turns {
		td, err := fromTurn(turn)
		if err != nil {
			return sessionDocument{}, err
		}
		doc.Turns = append(doc.Turns, td)
	}
	return doc, nil
}

func fromTurn(turn turns.Turn) (turnDocument, error) {
	switch t := turn.(type) {
	case turns.UserTurn:
		return turnDocument{
			Kind:      turns.KindUser,
			TurnID:    t.ID,
			CreatedAt: t.CreatedAt.UTC(),
			Text:      t.Text,
		}, nil
	case turns.AiTurn:
		return turnDocument{
			Kind:               turns.KindAI,
			TurnID:             t.ID,
			CreatedAt:          t.CreatedAt.UTC(),
			UserTurnID:         t.UserTurnID,
			BatchResponses:     fromResponses(t.BatchResponses),
			MappingResponses:   fromResponses(t.MappingResponses),
			SynthesisResponses: fromResponses(t.SynthesisResponses),
		}, nil
	default:
		return turnDocument{}, fmt.Errorf("unsupported turn type %T", turn)
	}
}

func fromResponses(container map[string][]provider.Result) map[string][]responseDocument {
	if len(container) == 0 {
		return nil
	}
	out := make(map[string][]responseDocument, len(container))
	for id, attempts := range container {
		docs := make([]responseDocument, 0, len(attempts))
		for _, res := range attempts {
			docs = append(docs, fromResult(res))
		}
		out[id] = docs
	}
	return out
}

func fromResult(res provider.Result) responseDocument {
	doc := responseDocument{
		ProviderID: res.ProviderID,
		Text:       res.Text,
		Status:     res.Status,
		Meta:       res.Meta,
	}
	if res.SoftError != nil {
		doc.SoftError = &softErrorDocument{
			Name:    res.SoftError.Name,
			Message: res.SoftError.Message,
		}
	}
	return doc
}

func (d sessionDocument) toSession() turns.Session {
	session := turns.Session{
		ID:        d.SessionID,
		CreatedAt: d.CreatedAt,
		Turns:     make([]turns.Turn, 0, len(d.Turns)),
	}
	for _, td := range d.Turns {
		session.Turns = append(session.Turns, td.toTurn())
	}
	return session
}

func (d turnDocument) toTurn() turns.Turn {
	if d.Kind == turns.KindUser {
		return turns.UserTurn{
			ID:        d.TurnID,
			Text:      d.Text,
			CreatedAt: d.CreatedAt,
		}
	}
	turn := turns.NewAiTurn(d.TurnID, d.UserTurnID, d.CreatedAt)
	turn.BatchResponses = toResponses(d.BatchResponses)
	turn.MappingResponses = toResponses(d.MappingResponses)
	turn.SynthesisResponses = toResponses(d.SynthesisResponses)
	return turn
}

func toResponses(container map[string][]responseDocument) map[string][]provider.Result {
	out := make(map[string][]provider.Result, len(container))
	for id, docs := range container {
		attempts := make([]provider.Result, 0, len(docs))
		for _, doc := range docs {
			attempts = append(attempts, doc.toResult())
		}
		out[id] = attempts
	}
	return out
}

func (d responseDocument) toResult() provider.Result {
	res := provider.Result{
		ProviderID: d.ProviderID,
		Text:       d.Text,
		Status:     d.Status,
		Meta:       d.Meta,
	}
	if d.SoftError != nil {
		res.SoftError = &provider.SoftError{
			Name:    d.SoftError.Name,
			Message: d.SoftError.Message,
		}
	}
	return res
}
