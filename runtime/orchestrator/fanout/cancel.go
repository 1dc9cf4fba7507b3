package fanout

import (
	"context"
	"sync"
)

// CancelRegistry indexes the per-provider cancellation functions of in-flight
// dispatches by session. Tokens are registered at dispatch time and released
// as each provider settles, so aborting a session only affects providers that
// are still outstanding.
type CancelRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[string]context.CancelFunc
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{sessions: make(map[string]map[string]context.CancelFunc)}
}

// Register indexes a provider's cancel function under the session.
func (r *CancelRegistry) Register(sessionID, providerID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	providers, ok := r.sessions[sessionID]
	if !ok {
		providers = make(map[string]context.CancelFunc)
		r.sessions[sessionID] = providers
	}
	providers[providerID] = cancel
}

// Release drops a settled provider's token without invoking it.
func (r *CancelRegistry) Release(sessionID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	providers, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(providers, providerID)
	if len(providers) == 0 {
		delete(r.sessions, sessionID)
	}
}

// Abort cancels every outstanding token for the session. Already-settled
// providers are unaffected; in-flight dispatches still resolve with whatever
// was captured.
func (r *CancelRegistry) Abort(sessionID string) {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions[sessionID]))
	for _, cancel := range r.sessions[sessionID] {
		cancels = append(cancels, cancel)
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Outstanding reports the number of in-flight tokens for the session.
func (r *CancelRegistry) Outstanding(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}
