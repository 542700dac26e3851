// Package batch coalesces bursts of per-case status updates into a
// single downstream commit per flush interval. Without it, a rapid
// QUEUED->RUNNING->PASSED sequence arriving within milliseconds would
// cause one store commit and one cache rewrite per event; with it, the
// consumer sees exactly one batch with the final state per case.
package batch

import (
	"sync"
	"time"

	flowuni "github.com/huanidz/flowuni-sub000"
)

// DefaultInterval approximates one rendering frame at 60Hz. The flush
// cadence adapts to nothing fancier than a fixed ticker; consumers that
// need tighter control call Flush directly.
const DefaultInterval = 16 * time.Millisecond

// Sink consumes one flushed batch. It is invoked exactly once per
// non-empty flush, never concurrently with itself.
type Sink func(flowuni.Batch)

// Config configures a Coalescer.
type Config struct {
	// Interval is the flush cadence (default: DefaultInterval).
	Interval time.Duration
}

// Coalescer accumulates partial case updates keyed by case id and
// periodically flushes them as one batch. Later updates for the same
// case merge field-by-field over earlier ones, so a case never regresses
// to a stale status that was already superseded within the window.
type Coalescer struct {
	sink     Sink
	interval time.Duration

	mu      sync.Mutex
	pending flowuni.Batch
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Coalescer delivering to sink and starts its flush loop.
func New(sink Sink, cfg Config) *Coalescer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	c := &Coalescer{
		sink:     sink,
		interval: interval,
		pending:  make(flowuni.Batch),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go c.run()

	return c
}

// Add merges one update into the pending batch under its case id.
// Updates arriving after Close are dropped.
func (c *Coalescer) Add(update flowuni.CaseUpdate) {
	if update.CaseID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.pending[update.CaseID] = c.pending[update.CaseID].Merge(update)
}

// Flush synchronously drains the pending batch into the sink. An empty
// batch is a no-op. Updates added from the sink callback (or
// concurrently with it) land in a fresh batch for the next flush.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}

	// Swap the pending map out before invoking the sink so new updates
	// are neither lost nor double-processed.
	toFlush := c.pending
	c.pending = make(flowuni.Batch)
	c.mu.Unlock()

	c.sink(toFlush)
}

// Close flushes any remaining updates and stops the flush loop. It is
// safe to call Close multiple times.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

func (c *Coalescer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.stopCh:
			c.Flush()
			return
		}
	}
}
