// Package coalesce bounds the frequency of streaming updates delivered to a
// consumer. A dense burst of deltas for a provider collapses into a single
// flush: text is concatenated in arrival order and the flush itself is
// deferred with a two-phase re-arm so it runs only after the burst settles.
package coalesce

import (
	"sort"
	"sync"
	"time"
)

type (
	// Update is one flushed batch for a single (provider, response type) pair.
	Update struct {
		// ProviderID names the producer whose deltas were batched.
		ProviderID string
		// Text is the concatenation of every delta received since the last
		// flush, in arrival order.
		Text string
		// Status is the status carried by the most recent event.
		Status string
		// ResponseType distinguishes batch, mapping and synthesis streams.
		ResponseType string
		// LastEvent is the arrival time of the most recent event in the batch.
		LastEvent time.Time
	}

	// FlushFunc receives the batched updates of one flush cycle, sorted by
	// LastEvent. It is invoked outside the coalescer's lock.
	FlushFunc func(updates []Update)

	// Scheduler defers fn by one tick. The default uses time.AfterFunc with the
	// configured delay; tests inject a synchronous scheduler.
	Scheduler func(fn func())

	// Options configures a Coalescer.
	Options struct {
		// Delay is the tick interval for the default scheduler. Zero means 25ms.
		Delay time.Duration
		// Scheduler overrides the default timer-based scheduler.
		Scheduler Scheduler
		// Now overrides the clock (tests only).
		Now func() time.Time
	}

	// Coalescer batches per-provider delta events into throttled flushes.
	Coalescer struct {
		mu        sync.Mutex
		pending   map[string]*Update
		flush     FlushFunc
		schedule  Scheduler
		now       func() time.Time
		scheduled bool
		rearmed   bool
	}
)

const defaultDelay = 25 * time.Millisecond

// New returns a Coalescer that delivers batches to flush.
func New(flush FlushFunc, opts Options) *Coalescer {
	c := &Coalescer{
		pending: make(map[string]*Update),
		flush:   flush,
		now:     time.Now,
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = defaultDelay
	}
	c.schedule = func(fn func()) { time.AfterFunc(delay, fn) }
	if opts.Scheduler != nil {
		c.schedule = opts.Scheduler
	}
	if opts.Now != nil {
		c.now = opts.Now
	}
	return c
}

// Add records one delta event and schedules a flush if none is pending. The
// flush is scheduled once and then re-armed one tick later before executing,
// so a burst of Adds arriving within two ticks collapses into a single flush.
func (c *Coalescer) Add(providerID, text, status, responseType string) {
	c.mu.Lock()
	key := providerID + "/" + responseType
	entry, ok := c.pending[key]
	if !ok {
		entry = &Update{ProviderID: providerID, ResponseType: responseType}
		c.pending[key] = entry
	}
	entry.Text += text
	entry.Status = status
	entry.LastEvent = c.now()
	start := !c.scheduled
	if start {
		c.scheduled = true
		c.rearmed = false
	}
	c.mu.Unlock()
	if start {
		c.schedule(c.tick)
	}
}

// FlushNow bypasses scheduling and delivers everything pending immediately.
// Used for terminal events where latency matters more than batching.
func (c *Coalescer) FlushNow() {
	c.deliver()
}

// Clear drops all pending state without delivering it.
func (c *Coalescer) Clear() {
	c.mu.Lock()
	c.pending = make(map[string]*Update)
	c.scheduled = false
	c.rearmed = false
	c.mu.Unlock()
}

func (c *Coalescer) tick() {
	c.mu.Lock()
	if !c.scheduled {
		// Cleared while the tick was in flight.
		c.mu.Unlock()
		return
	}
	if !c.rearmed {
		c.rearmed = true
		c.mu.Unlock()
		c.schedule(c.tick)
		return
	}
	c.mu.Unlock()
	c.deliver()
}

func (c *Coalescer) deliver() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.scheduled = false
		c.rearmed = false
		c.mu.Unlock()
		return
	}
	updates := make([]Update, 0, len(c.pending))
	for _, entry := range c.pending {
		updates = append(updates, *entry)
	}
	c.pending = make(map[string]*Update)
	c.scheduled = false
	c.rearmed = false
	c.mu.Unlock()

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].LastEvent.Before(updates[j].LastEvent)
	})
	c.flush(updates)
}
