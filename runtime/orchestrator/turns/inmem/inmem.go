// Package inmem provides an in-memory turns.Repository for tests and
// single-process development runs.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"
)

// Repository is a mutex-guarded in-memory implementation of turns.Repository.
type Repository struct {
	mu       sync.Mutex
	sessions map[string]*sessionRecord
}

type sessionRecord struct {
	session  turns.Session
	contexts map[string]provider.Meta
}

// New returns an empty in-memory repository.
func New() *Repository {
	return &Repository{sessions: make(map[string]*sessionRecord)}
}

// GetOrCreateSession loads or creates the session.
func (r *Repository) GetOrCreateSession(_ context.Context, sessionID string) (turns.Session, error) {
	if sessionID == "" {
		return turns.Session{}, fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(sessionID)
	return cloneSession(rec.session), nil
}

// SaveTurn appends a turn to the session history.
func (r *Repository) SaveTurn(_ context.Context, sessionID string, turn turns.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(sessionID)
	rec.session.Turns = append(rec.session.Turns, turn)
	return nil
}

// AppendProviderResponses appends attempts to an existing AI turn.
func (r *Repository) AppendProviderResponses(_ context.Context, sessionID, aiTurnID string, kind turns.ResponseKind, results map[string][]provider.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return turns.ErrSessionNotFound
	}
	for i, turn := range rec.session.Turns {
		at, isAI := turn.(turns.AiTurn)
		if !isAI || at.ID != aiTurnID {
			continue
		}
		for _, attempts := range results {
			for _, res := range attempts {
				at.Append(kind, res)
			}
		}
		rec.session.Turns[i] = at
		return nil
	}
	return turns.ErrTurnNotFound
}

// UpdateProviderContext stores the provider's continuation token.
func (r *Repository) UpdateProviderContext(_ context.Context, sessionID, providerID string, meta provider.Meta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(sessionID)
	rec.contexts[providerID] = meta
	return nil
}

// GetProviderContexts returns the persisted continuation tokens.
func (r *Repository) GetProviderContexts(_ context.Context, sessionID string) (map[string]provider.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]provider.Meta, len(rec.contexts))
	for id, meta := range rec.contexts {
		out[id] = meta
	}
	return out, nil
}

// SaveSession replaces the stored session document.
func (r *Repository) SaveSession(_ context.Context, session turns.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensure(session.ID)
	rec.session = cloneSession(session)
	return nil
}

// ListSessions returns every stored session.
func (r *Repository) ListSessions(context.Context) ([]turns.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]turns.Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, cloneSession(rec.session))
	}
	return out, nil
}

func (r *Repository) ensure(sessionID string) *sessionRecord {
	rec, ok := r.sessions[sessionID]
	if !ok {
		rec = &sessionRecord{
			session:  turns.Session{ID: sessionID, CreatedAt: time.Now().UTC()},
			contexts: make(map[string]provider.Meta),
		}
		r.sessions[sessionID] = rec
	}
	return rec
}

func cloneSession(s turns.Session) turns.Session {
	out := s
	out.Turns = append([]turns.Turn(nil), s.Turns...)
	return out
}
