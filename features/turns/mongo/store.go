// Package mongo provides the MongoDB-backed turns repository.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
	"github.com/chorus-llm/chorus/runtime/orchestrator/turns"

	mongoclient "github.com/chorus-llm/chorus/features/turns/mongo/clients/mongo"
)

// Store implements turns.Repository on top of MongoDB.
type Store struct {
	client mongoclient.Client
}

var _ turns.Repository = (*Store)(nil)

// New returns a Mongo-backed turns repository.
func New(client mongoclient.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Store{client: client}, nil
}

// GetOrCreateSession loads the session, creating an empty one on first use.
func (s *Store) GetOrCreateSession(ctx context.Context, sessionID string) (turns.Session, error) {
	return s.client.EnsureSession(ctx, sessionID, time.Now())
}

// SaveTurn appends a turn to the session's history.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, turn turns.Turn) error {
	return s.client.AppendTurn(ctx, sessionID, turn)
}

// AppendProviderResponses appends provider attempts to an existing AI turn.
func (s *Store) AppendProviderResponses(ctx context.Context, sessionID, aiTurnID string, kind turns.ResponseKind, results map[string][]provider.Result) error {
	return s.client.AppendResponses(ctx, sessionID, aiTurnID, kind, results)
}

// UpdateProviderContext persists a provider continuation token for the session.
func (s *Store) UpdateProviderContext(ctx context.Context, sessionID, providerID string, meta provider.Meta) error {
	return s.client.SetProviderContext(ctx, sessionID, providerID, meta)
}

// GetProviderContexts returns the session's persisted continuation tokens.
func (s *Store) GetProviderContexts(ctx context.Context, sessionID string) (map[string]provider.Meta, error) {
	return s.client.ProviderContexts(ctx, sessionID)
}

// SaveSession persists the full session document.
func (s *Store) SaveSession(ctx context.Context, session turns.Session) error {
	return s.client.ReplaceSession(ctx, session)
}

// ListSessions returns every known session ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]turns.Session, error) {
	return s.client.ListSessions(ctx)
}
