// Package status holds the client's single source of truth for "what is
// the current run status of test case X", independent of whatever the
// last full list fetch returned. It is a reactive key-value store with
// per-case and whole-store subscriptions, plus the mapping from
// asynchronous task ids back to the cases they operate on.
package status

import (
	"encoding/json"
	"sync"

	flowuni "github.com/huanidz/flowuni-sub000"
)

// Record is the stored state for one test case.
type Record struct {
	Status       flowuni.CaseStatus
	ErrorMessage string
	ChatOutput   json.RawMessage
}

// zeroRecord is what a case with no stored record reads as: PENDING with
// empty auxiliary fields, never "unknown".
var zeroRecord = Record{Status: flowuni.StatusPending}

// ChangeSet is one store commit as seen by whole-store subscribers: the
// records that changed, keyed by case id.
type ChangeSet map[string]Record

// Config configures a Store.
type Config struct {
	// SubscriberBufferSize is the channel buffer size per subscriber
	// (default: 64). Slow subscribers drop commits rather than blocking
	// the writer.
	SubscriberBufferSize int
}

// Store is a thread-safe reactive status store.
type Store struct {
	mu         sync.RWMutex
	records    map[string]Record
	taskToCase map[string]string

	subs       map[string]map[string]*caseSub // caseID -> subID -> sub
	globalSubs map[string]*globalSub          // subID -> sub
	bufSize    int
}

// NewStore creates an empty status store.
func NewStore(cfg Config) *Store {
	bufSize := cfg.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Store{
		records:    make(map[string]Record),
		taskToCase: make(map[string]string),
		subs:       make(map[string]map[string]*caseSub),
		globalSubs: make(map[string]*globalSub),
		bufSize:    bufSize,
	}
}

// Get returns the record for a case id. A case with no record reads as
// PENDING.
func (s *Store) Get(caseID string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[caseID]
	if !ok {
		return zeroRecord
	}
	return rec
}

// SetStatus overwrites only the status field for a case, creating the
// record if needed. Used for optimistic local transitions (QUEUED on
// run, CANCELLED on cancel); stream batches overwrite it later.
func (s *Store) SetStatus(caseID string, st flowuni.CaseStatus) {
	if caseID == "" {
		return
	}

	s.mu.Lock()
	rec := s.recordLocked(caseID)
	rec.Status = st
	s.records[caseID] = rec
	changed := ChangeSet{caseID: rec}
	s.mu.Unlock()

	s.notify(changed)
}

// ApplyBatch merges a batch of partial updates into the store as a
// single commit: fields absent from an update keep their previous
// value, and every subscriber sees at most one notification regardless
// of how many cases the batch touches.
func (s *Store) ApplyBatch(batch flowuni.Batch) {
	if len(batch) == 0 {
		return
	}

	changed := make(ChangeSet, len(batch))

	s.mu.Lock()
	for caseID, upd := range batch {
		if caseID == "" {
			continue
		}
		rec := s.recordLocked(caseID)
		if upd.Status != nil {
			rec.Status = *upd.Status
		}
		if upd.ErrorMessage != nil {
			rec.ErrorMessage = *upd.ErrorMessage
		}
		if upd.ChatOutput != nil {
			rec.ChatOutput = upd.ChatOutput
		}
		s.records[caseID] = rec
		changed[caseID] = rec
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(changed)
	}
}

// recordLocked returns the current record for caseID, defaulting to the
// zero record. Caller holds s.mu.
func (s *Store) recordLocked(caseID string) Record {
	rec, ok := s.records[caseID]
	if !ok {
		return zeroRecord
	}
	return rec
}

// MapTask records that task taskID is operating on case caseID. A case
// is targeted by at most one live task, so any earlier mappings pointing
// at the same case are removed first.
func (s *Store) MapTask(taskID, caseID string) {
	if taskID == "" || caseID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for t, c := range s.taskToCase {
		if c == caseID {
			delete(s.taskToCase, t)
		}
	}
	s.taskToCase[taskID] = caseID
}

// CaseForTask resolves a task id to the case it targets.
func (s *Store) CaseForTask(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caseID, ok := s.taskToCase[taskID]
	return caseID, ok
}

// TaskForCase finds the task currently mapped to a case, if any. Used to
// cancel a run when the caller only has the case id in hand.
func (s *Store) TaskForCase(caseID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for t, c := range s.taskToCase {
		if c == caseID {
			return t, true
		}
	}
	return "", false
}

// Reset clears the record for one case and any task mappings pointing
// at it. Subscribers for the case observe the PENDING default.
func (s *Store) Reset(caseID string) {
	if caseID == "" {
		return
	}

	s.mu.Lock()
	delete(s.records, caseID)
	for t, c := range s.taskToCase {
		if c == caseID {
			delete(s.taskToCase, t)
		}
	}
	changed := ChangeSet{caseID: zeroRecord}
	s.mu.Unlock()

	s.notify(changed)
}

// ResetAll clears every record and task mapping.
func (s *Store) ResetAll() {
	s.mu.Lock()
	changed := make(ChangeSet, len(s.records))
	for caseID := range s.records {
		changed[caseID] = zeroRecord
	}
	s.records = make(map[string]Record)
	s.taskToCase = make(map[string]string)
	s.mu.Unlock()

	if len(changed) > 0 {
		s.notify(changed)
	}
}

// notify delivers one commit to matching subscribers.
func (s *Store) notify(changed ChangeSet) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for caseID, rec := range changed {
		for _, sub := range s.subs[caseID] {
			sub.send(rec)
		}
	}
	for _, sub := range s.globalSubs {
		sub.send(changed)
	}
}
