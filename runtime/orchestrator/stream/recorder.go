package stream

import (
	"context"
	"errors"
	"sync"
)

// Recorder is a Sink that captures events in memory. Used by tests and by
// development runs that inspect the protocol stream directly.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewRecorder returns an empty recording sink.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send appends the event to the recording.
func (r *Recorder) Send(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("sink closed")
	}
	r.events = append(r.events, event)
	return nil
}

// Close marks the recorder closed. Subsequent Sends fail.
func (r *Recorder) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters the recording by event type.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}
