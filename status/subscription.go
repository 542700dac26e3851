package status

import (
	"sync"

	"github.com/google/uuid"
)

// CaseSubscription receives record snapshots for a single case id, one
// per store commit that touched the case.
type CaseSubscription interface {
	// Records returns the channel of record snapshots.
	Records() <-chan Record

	// Close unsubscribes and releases resources.
	Close() error
}

// GlobalSubscription receives one ChangeSet per store commit.
type GlobalSubscription interface {
	// Changes returns the channel of commit change-sets.
	Changes() <-chan ChangeSet

	// Close unsubscribes and releases resources.
	Close() error
}

// Subscribe registers a subscriber for a single case id.
func (s *Store) Subscribe(caseID string) CaseSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &caseSub{
		store:  s,
		caseID: caseID,
		id:     uuid.New().String(),
		ch:     make(chan Record, s.bufSize),
	}
	if s.subs[caseID] == nil {
		s.subs[caseID] = make(map[string]*caseSub)
	}
	s.subs[caseID][sub.id] = sub
	return sub
}

// SubscribeAll registers a subscriber that observes every commit.
func (s *Store) SubscribeAll() GlobalSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &globalSub{
		store: s,
		id:    uuid.New().String(),
		ch:    make(chan ChangeSet, s.bufSize),
	}
	s.globalSubs[sub.id] = sub
	return sub
}

type caseSub struct {
	store  *Store
	caseID string
	id     string

	mu     sync.Mutex
	ch     chan Record
	closed bool
}

func (s *caseSub) Records() <-chan Record {
	return s.ch
}

func (s *caseSub) Close() error {
	s.store.mu.Lock()
	if subs := s.store.subs[s.caseID]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.store.subs, s.caseID)
		}
	}
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// send delivers a record snapshot. If the channel is full or the
// subscription is closed, the snapshot is dropped.
func (s *caseSub) send(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- rec:
	default:
		// Drop if channel full.
	}
}

type globalSub struct {
	store *Store
	id    string

	mu     sync.Mutex
	ch     chan ChangeSet
	closed bool
}

func (s *globalSub) Changes() <-chan ChangeSet {
	return s.ch
}

func (s *globalSub) Close() error {
	s.store.mu.Lock()
	delete(s.store.globalSubs, s.id)
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *globalSub) send(changed ChangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- changed:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ CaseSubscription = (*caseSub)(nil)
var _ GlobalSubscription = (*globalSub)(nil)
