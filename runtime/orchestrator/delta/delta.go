// Package delta turns a series of cumulative-text snapshots into minimal,
// order-preserving incremental updates. Producers stream full snapshots of
// their output so far; the Tracker remembers the last snapshot per
// (session, provider) key and emits only the increment a client needs.
package delta

import (
	"context"
	"strings"
	"sync"

	"github.com/chorus-llm/chorus/runtime/orchestrator/telemetry"
)

// appendPrefixRatio is the minimum shared-prefix ratio for a longer snapshot to
// be treated as a pure append. Below it the producer is assumed to have
// rewritten earlier content and the delta is emitted from the divergence point.
const appendPrefixRatio = 0.7

// shrinkTolerance is the maximum number of characters a snapshot may shrink by
// and still be treated as a benign transient (e.g. a reasoning block being
// retracted). Larger regressions are anomalous and leave state untouched.
const shrinkTolerance = 50

// Tracker holds the last cumulative snapshot observed per key. State is scoped
// to one active session's streaming window and must be cleared via ClearSession
// when a workflow for that session completes, to bound memory.
type Tracker struct {
	mu     sync.Mutex
	last   map[string]string
	logger telemetry.Logger
}

// NewTracker returns an empty Tracker. The logger records anomalous snapshot
// regressions for diagnostics; pass telemetry.NoopLogger{} to discard them.
func NewTracker(logger telemetry.Logger) *Tracker {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Tracker{last: make(map[string]string), logger: logger}
}

// Key builds the tracker key for a (session, provider) pair.
func Key(sessionID, providerID string) string {
	return sessionID + ":" + providerID
}

// Delta computes the minimal increment to emit for a new cumulative snapshot
// and updates the remembered state. The second return value reports whether a
// non-empty delta should be emitted.
//
// Decision table, in order:
//  1. no prior snapshot: emit the new text in full.
//  2. longer snapshot: emit the suffix after the prior length when the shared
//     prefix covers at least 70% of the prior text (append), otherwise emit
//     from the divergence point.
//  3. identical snapshot: no-op.
//  4. shorter or equal-length snapshot that diverges from the prior text:
//     emit from the divergence point and remember the new text. Clients must
//     never lose the rewritten characters, so a rewrite always emits even
//     when the snapshot got shorter.
//  5. pure prefix retraction of at most 50 characters: no-op, but remember
//     the shorter text so the next snapshot supplies the real delta.
//  6. pure prefix retraction of more than 50 characters: no-op, state
//     untouched, logged as an anomalous regression.
//
// The divergence branches can re-emit text a client already saw; that overlap
// is a documented limitation of the heuristic, not silently dropped data.
func (t *Tracker) Delta(ctx context.Context, key, text string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last[key]
	switch {
	case prev == "":
		if text == "" {
			return "", false
		}
		t.last[key] = text
		return text, true

	case len(text) > len(prev):
		p := commonPrefixLen(prev, text)
		t.last[key] = text
		if float64(p) >= appendPrefixRatio*float64(len(prev)) {
			return text[len(prev):], true
		}
		return text[p:], true

	case text == prev:
		return "", false

	default:
		p := commonPrefixLen(prev, text)
		if p < len(text) {
			// Divergent rewrite, not a retraction.
			t.last[key] = text
			return text[p:], true
		}
		if len(prev)-len(text) <= shrinkTolerance {
			t.last[key] = text
			return "", false
		}
		t.logger.Warn(ctx, "anomalous snapshot regression",
			"key", key, "prev_len", len(prev), "new_len", len(text))
		return "", false
	}
}

// ClearSession drops all remembered snapshots for the session. Called by the
// coordinator when a workflow for the session completes.
func (t *Tracker) ClearSession(sessionID string) {
	prefix := sessionID + ":"
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.last {
		if strings.HasPrefix(key, prefix) {
			delete(t.last, key)
		}
	}
}

// Len reports the number of tracked keys. Exposed for tests and gauges.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
