package turns

import (
	"context"
	"errors"

	"github.com/chorus-llm/chorus/runtime/orchestrator/provider"
)

// Repository errors.
var (
	// ErrSessionNotFound indicates the session id is unknown to the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnNotFound indicates the turn id is unknown within its session.
	ErrTurnNotFound = errors.New("turn not found")
)

// Repository is the durable store the coordinator persists through. The
// orchestrator treats it as an opaque collaborator: persistence failures are
// logged and swallowed, never fatal to a workflow.
type Repository interface {
	// GetOrCreateSession loads the session, creating an empty one when the id
	// is unknown.
	GetOrCreateSession(ctx context.Context, sessionID string) (Session, error)

	// SaveTurn appends a turn to the session's history.
	SaveTurn(ctx context.Context, sessionID string, turn Turn) error

	// AppendProviderResponses appends provider attempts to the named AI turn's
	// bucket, preserving chronological attempt order. Used by historical
	// replays, which extend an existing turn instead of creating a new one.
	// Returns ErrTurnNotFound when the turn does not exist.
	AppendProviderResponses(ctx context.Context, sessionID, aiTurnID string, kind ResponseKind, results map[string][]provider.Result) error

	// UpdateProviderContext persists a provider's continuation token for the
	// session so later workflows can resume the provider's conversation.
	UpdateProviderContext(ctx context.Context, sessionID, providerID string, meta provider.Meta) error

	// GetProviderContexts returns every persisted continuation token for the
	// session, keyed by provider id.
	GetProviderContexts(ctx context.Context, sessionID string) (map[string]provider.Meta, error)

	// SaveSession persists the full session document.
	SaveSession(ctx context.Context, session Session) error

	// ListSessions returns every known session. The coordinator uses it to
	// tolerate session-id drift across reconnects when resolving historical
	// sources.
	ListSessions(ctx context.Context) ([]Session, error)
}
