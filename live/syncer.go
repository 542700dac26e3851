// Package live wires the real-time status subsystem together: it owns
// the stream connection, the resume cursor, the batching coalescer, the
// status store, and the suite cache, and routes inbound events through
// them. A Syncer is an explicitly constructed service with Start/Stop
// lifecycle, owned by whoever composes the application.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	flowuni "github.com/huanidz/flowuni-sub000"
	"github.com/huanidz/flowuni-sub000/api"
	"github.com/huanidz/flowuni-sub000/batch"
	"github.com/huanidz/flowuni-sub000/cache"
	"github.com/huanidz/flowuni-sub000/cursor"
	"github.com/huanidz/flowuni-sub000/otel"
	"github.com/huanidz/flowuni-sub000/status"
	"github.com/huanidz/flowuni-sub000/stream"
)

// Backend is the REST surface the syncer consumes.
type Backend interface {
	ListSuites(ctx context.Context, flowID string) ([]flowuni.Suite, error)
	RunCase(ctx context.Context, caseID int64) (api.RunResponse, error)
	RunSuite(ctx context.Context, suiteID int64) (api.SuiteRunResponse, error)
	CancelTask(ctx context.Context, taskID string) (api.CancelResponse, error)
}

// Journal records applied batches for offline inspection.
type Journal interface {
	AppendBatch(ctx context.Context, b flowuni.Batch) error
}

// ErrNoLiveTask is returned by CancelCase when no task is currently
// mapped to the case.
var ErrNoLiveTask = errors.New("live: no live task for case")

// Config configures a Syncer.
type Config struct {
	// Backend is the REST client (required).
	Backend Backend

	// Dial opens stream connections (required).
	Dial stream.Dialer

	// Key is the stream subscription to maintain (required).
	Key stream.SubscriptionKey

	// FlowID scopes Refresh and the cached suite list (required).
	FlowID string

	// Store is the status store (required).
	Store *status.Store

	// Cache is the suite list cache (required).
	Cache *cache.SuiteCache

	// Cursors persists the resume cursor. Nil degrades to an in-memory
	// cursor, i.e. each session resumes from the beginning.
	Cursors cursor.Store

	// Journal optionally records applied batches.
	Journal Journal

	// Metrics and Tracer are optional observability hooks.
	Metrics *otel.StreamMetrics
	Tracer  *otel.TaskTracer

	// CoalesceInterval is the batch flush cadence (default 16ms).
	CoalesceInterval time.Duration

	// RefreshCron optionally schedules full list re-fetches (UTC,
	// standard five-field cron).
	RefreshCron string

	// Logger receives pipeline logs (default: slog.Default).
	Logger *slog.Logger
}

// Syncer maintains one live stream subscription and keeps the status
// store and suite cache converged with it.
type Syncer struct {
	backend Backend
	dial    stream.Dialer
	key     stream.SubscriptionKey
	flowID  string

	store   *status.Store
	cache   *cache.SuiteCache
	cursors cursor.Store
	journal Journal
	metrics *otel.StreamMetrics
	tracer  *otel.TaskTracer
	logger  *slog.Logger

	coalesceInterval time.Duration
	refreshCron      string

	mu          sync.Mutex
	conn        stream.Connection
	coalescer   *batch.Coalescer
	lastApplied map[string]string // caseID -> last applied stream position
	started     bool
	stopped     bool

	cancel  context.CancelFunc
	done    chan struct{}
	refresh *refresher
}

// NewSyncer creates a Syncer. It does not connect; call Start.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Backend == nil {
		return nil, errors.New("live: Backend is required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("live: Dial is required")
	}
	if cfg.Key.ID == "" {
		return nil, errors.New("live: Key is required")
	}
	if cfg.FlowID == "" {
		return nil, errors.New("live: FlowID is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("live: Store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("live: Cache is required")
	}

	cursors := cfg.Cursors
	if cursors == nil {
		cursors = cursor.NewMemStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Syncer{
		backend:          cfg.Backend,
		dial:             cfg.Dial,
		key:              cfg.Key,
		flowID:           cfg.FlowID,
		store:            cfg.Store,
		cache:            cfg.Cache,
		cursors:          cursors,
		journal:          cfg.Journal,
		metrics:          cfg.Metrics,
		tracer:           cfg.Tracer,
		logger:           logger,
		coalesceInterval: cfg.CoalesceInterval,
		refreshCron:      cfg.RefreshCron,
		lastApplied:      make(map[string]string),
	}

	if cfg.RefreshCron != "" {
		r, err := newRefresher(cfg.RefreshCron, s)
		if err != nil {
			return nil, err
		}
		s.refresh = r
	}

	return s, nil
}

// Store returns the status store the syncer writes to.
func (s *Syncer) Store() *status.Store {
	return s.store
}

// Cache returns the suite cache the syncer reconciles.
func (s *Syncer) Cache() *cache.SuiteCache {
	return s.cache
}

// Start reads the persisted cursor, opens the stream connection, and
// begins consuming events. It returns immediately; connection problems
// surface as logs and metrics, not errors.
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("live: already started")
	}
	s.started = true

	resume := s.loadCursor(ctx)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.coalescer = batch.New(s.applyBatch, batch.Config{Interval: s.coalesceInterval})
	s.conn = s.dial(s.key, resume)
	conn := s.conn
	s.mu.Unlock()

	if s.refresh != nil {
		s.refresh.start(ctx)
	}

	go s.consume(ctx, conn)

	s.logger.Info("live sync started",
		"scope", s.key.Scope,
		"subscriber", s.key.ID,
		"cursor", resume,
	)
	return nil
}

// Stop closes the connection, drains pending updates, and stops the
// refresh schedule. It is idempotent.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	conn := s.conn
	coalescer := s.coalescer
	done := s.done
	s.mu.Unlock()

	if s.refresh != nil {
		s.refresh.stop()
	}
	cancel()
	_ = conn.Close()
	<-done
	coalescer.Close()

	s.logger.Info("live sync stopped", "subscriber", s.key.ID)
}

// consume is the message loop. It survives transport errors (the
// connection retries those internally) and re-dials only on an
// invalid-cursor protocol error.
func (s *Syncer) consume(ctx context.Context, conn stream.Connection) {
	defer close(s.done)

	msgs := conn.Messages()
	errs := conn.Errors()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Observability only; the transport retries on its own.
			s.metrics.TransportError()
			s.logger.Warn("stream transport error", "error", err)

		case msg, ok := <-msgs:
			if !ok {
				// Connection closed underneath us.
				return
			}

			next, reconnected, ended := s.handleMessage(ctx, msg, conn)
			if ended {
				return
			}
			if reconnected {
				conn = next
				msgs = conn.Messages()
				errs = conn.Errors()
			}
		}
	}
}

// handleMessage routes one inbound frame. When the frame is the
// invalid-cursor protocol error it performs the single code-driven
// reconnect and returns the replacement connection. A DONE frame on a
// task-scoped subscription ends the watch entirely.
func (s *Syncer) handleMessage(ctx context.Context, msg stream.Message, conn stream.Connection) (next stream.Connection, reconnected, ended bool) {
	s.metrics.MessageReceived(string(msg.Kind))

	switch msg.Kind {
	case stream.KindError:
		if stream.IsInvalidCursor(msg) {
			return s.reconnectFromBeginning(ctx, conn), true, false
		}
		s.logger.Warn("stream protocol error", "data", string(msg.Data))

	case stream.KindUserEvent:
		s.handleUserEvent(msg)

	case stream.KindUpdate:
		upd, err := flowuni.ParseStatusUpdate(msg.Data)
		if err != nil {
			s.dropMessage("malformed", err)
			break
		}
		s.enqueue(upd, msg.ID)

	case stream.KindDone:
		// A task stream is finite: DONE means the task has no more
		// events, so the watch ends. User streams outlive any one task
		// and ignore it.
		if s.key.Scope == stream.ScopeTask {
			s.coalescer.Flush()
			s.persistCursor(ctx, msg.ID)
			_ = conn.Close()
			s.logger.Info("task stream completed", "subscriber", s.key.ID)
			return conn, false, true
		}
		s.logger.Debug("stream done", "scope", s.key.Scope)

	default:
		s.dropMessage("unrecognized", fmt.Errorf("unknown kind %q", msg.Kind))
	}

	s.persistCursor(ctx, msg.ID)
	return conn, false, false
}

func (s *Syncer) handleUserEvent(msg stream.Message) {
	event, err := flowuni.ParseUserEvent(msg.Data)
	if err != nil {
		s.dropMessage("malformed", err)
		return
	}

	switch event.Type {
	case flowuni.EventTestCaseStatusUpdate:
		s.enqueue(*event.StatusUpdate, msg.ID)
	default:
		s.dropMessage("unrecognized", fmt.Errorf("unknown event_type %q", event.RawType))
	}
}

// enqueue applies the per-case monotonic position guard and hands the
// update to the coalescer. A stream update whose position is not newer
// than the last applied position for its case is a stale re-delivery
// and is dropped; position-less updates bypass the guard.
func (s *Syncer) enqueue(upd flowuni.CaseUpdate, streamID string) {
	if streamID != "" {
		upd.StreamID = streamID
	}

	if upd.StreamID != "" {
		s.mu.Lock()
		last, seen := s.lastApplied[upd.CaseID]
		if seen && cursor.Compare(upd.StreamID, last) <= 0 {
			s.mu.Unlock()
			s.dropMessage("stale", fmt.Errorf("case %s: position %s not newer than %s", upd.CaseID, upd.StreamID, last))
			return
		}
		s.lastApplied[upd.CaseID] = upd.StreamID
		s.mu.Unlock()
	}

	s.coalescer.Add(upd)
}

// applyBatch is the coalescer sink: one commit into the store, one
// reconciliation pass over the cache, one journal append.
func (s *Syncer) applyBatch(b flowuni.Batch) {
	s.store.ApplyBatch(b)
	s.cache.Reconcile(b)

	if s.journal != nil {
		if err := s.journal.AppendBatch(context.Background(), b); err != nil {
			s.logger.Warn("journal append failed", "error", err)
		}
	}

	for caseID, upd := range b {
		if upd.Status != nil {
			s.tracer.StatusChanged(caseID, *upd.Status)
		}
	}

	s.metrics.BatchFlushed(len(b))
}

// reconnectFromBeginning handles the one protocol error with an
// explicit recovery path: the server rejected the resume cursor, so the
// persisted cursor is reset to the beginning sentinel, the connection
// closed, and a fresh one dialed.
func (s *Syncer) reconnectFromBeginning(ctx context.Context, old stream.Connection) stream.Connection {
	s.logger.Warn("invalid resume cursor, resetting and reconnecting")

	if err := s.cursors.Set(ctx, cursor.Beginning); err != nil {
		s.logger.Warn("cursor reset write failed", "error", err)
	}
	s.metrics.CursorReset()

	_ = old.Close()

	s.mu.Lock()
	if s.stopped {
		// Stop won the race; dialing now would leak a connection
		// nothing will ever close.
		s.mu.Unlock()
		return old
	}
	s.lastApplied = make(map[string]string)
	conn := s.dial(s.key, cursor.Beginning)
	s.conn = conn
	s.mu.Unlock()

	s.metrics.Reconnected()
	return conn
}

// loadCursor reads and normalizes the persisted cursor. Storage
// failures degrade to the beginning sentinel.
func (s *Syncer) loadCursor(ctx context.Context) string {
	value, err := s.cursors.Get(ctx)
	if err != nil {
		s.logger.Warn("cursor read failed, resuming from beginning", "error", err)
		return cursor.Beginning
	}
	return cursor.Normalize(value)
}

// persistCursor stores a message's position as the new resume point.
// Best effort: failures are logged, not propagated.
func (s *Syncer) persistCursor(ctx context.Context, id string) {
	if id == "" || !cursor.Valid(id) {
		return
	}
	if err := s.cursors.Set(ctx, id); err != nil {
		s.logger.Warn("cursor write failed", "cursor", id, "error", err)
	}
}

func (s *Syncer) dropMessage(reason string, err error) {
	s.metrics.MessageDropped(reason)
	s.logger.Warn("dropping stream message", "reason", reason, "error", err)
}
