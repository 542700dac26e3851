// Package cache holds the client's cached "suites with cases" list
// views and patches them in place when status batches arrive, so an
// already-fetched list reflects new statuses without a full re-fetch.
// Snapshots are replaced copy-on-write: a consumer holding a previous
// snapshot never observes it mutating underneath it, and consumers
// comparing snapshot identity can detect changes cheaply.
package cache

import (
	"sync"

	flowuni "github.com/huanidz/flowuni-sub000"
)

// SuiteCache caches one []Suite snapshot per flow id.
type SuiteCache struct {
	mu    sync.RWMutex
	flows map[string][]flowuni.Suite
}

// NewSuiteCache creates an empty suite cache.
func NewSuiteCache() *SuiteCache {
	return &SuiteCache{
		flows: make(map[string][]flowuni.Suite),
	}
}

// Put replaces the cached snapshot for a flow.
func (c *SuiteCache) Put(flowID string, suites []flowuni.Suite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[flowID] = suites
}

// Get returns the current snapshot for a flow, or nil if none is
// cached. Snapshots are immutable by convention: callers must not
// modify the returned slice or its contents.
func (c *SuiteCache) Get(flowID string) ([]flowuni.Suite, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	suites, ok := c.flows[flowID]
	return suites, ok
}

// Invalidate drops the cached snapshot for a flow.
func (c *SuiteCache) Invalidate(flowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flows, flowID)
}

// Reconcile patches every cached snapshot with the statuses from one
// flushed batch. Cases present in the batch but absent from a snapshot
// are skipped for that snapshot; the status store remains authoritative
// for them. Untouched suites keep their identity; touched suites and
// cases are copied before being written to.
func (c *SuiteCache) Reconcile(batch flowuni.Batch) {
	if len(batch) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for flowID, suites := range c.flows {
		if patched, changed := patchSuites(suites, batch); changed {
			c.flows[flowID] = patched
		}
	}
}

// patchSuites returns a copy of suites with batch updates applied, or
// (suites, false) when no case in the batch appears in the snapshot.
func patchSuites(suites []flowuni.Suite, batch flowuni.Batch) ([]flowuni.Suite, bool) {
	var out []flowuni.Suite
	changed := false

	for si, suite := range suites {
		var patchedCases []flowuni.TestCase

		for ci, tc := range suite.Cases {
			upd, ok := batch[flowuni.CaseKey(tc.ID)]
			if !ok {
				continue
			}

			if patchedCases == nil {
				patchedCases = make([]flowuni.TestCase, len(suite.Cases))
				copy(patchedCases, suite.Cases)
			}
			applyUpdate(&patchedCases[ci], upd)
		}

		if patchedCases == nil {
			continue
		}

		if out == nil {
			out = make([]flowuni.Suite, len(suites))
			copy(out, suites)
		}
		out[si].Cases = patchedCases
		changed = true
	}

	if !changed {
		return suites, false
	}
	return out, true
}

func applyUpdate(tc *flowuni.TestCase, upd flowuni.CaseUpdate) {
	if upd.Status != nil {
		tc.Status = *upd.Status
	}
	if upd.ErrorMessage != nil {
		tc.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ChatOutput != nil {
		tc.ChatOutput = upd.ChatOutput
	}
}
