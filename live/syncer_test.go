package live

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	flowuni "github.com/huanidz/flowuni-sub000"
	"github.com/huanidz/flowuni-sub000/api"
	"github.com/huanidz/flowuni-sub000/cache"
	"github.com/huanidz/flowuni-sub000/cursor"
	"github.com/huanidz/flowuni-sub000/status"
	"github.com/huanidz/flowuni-sub000/stream"
)

// fakeConn is a scriptable stream connection.
type fakeConn struct {
	msgs   chan stream.Message
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan stream.Message, 16),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Messages() <-chan stream.Message { return c.msgs }
func (c *fakeConn) Errors() <-chan error            { return c.errs }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		close(c.msgs)
		close(c.errs)
	})
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(msg stream.Message) { c.msgs <- msg }

// fakeDialer hands out fake connections and records every dial.
type fakeDialer struct {
	mu    sync.Mutex
	keys  []stream.SubscriptionKey
	curs  []string
	conns []*fakeConn
}

func (d *fakeDialer) dial(key stream.SubscriptionKey, resumeCursor string) stream.Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.keys = append(d.keys, key)
	d.curs = append(d.curs, resumeCursor)
	d.conns = append(d.conns, conn)
	return conn
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) cursorAt(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curs[i]
}

// fakeBackend serves scripted REST responses.
type fakeBackend struct {
	mu         sync.Mutex
	suites     []flowuni.Suite
	runResp    api.RunResponse
	runErr     error
	cancelResp api.CancelResponse
	cancelled  []string
}

func (b *fakeBackend) ListSuites(ctx context.Context, flowID string) ([]flowuni.Suite, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suites, nil
}

func (b *fakeBackend) RunCase(ctx context.Context, caseID int64) (api.RunResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runResp, b.runErr
}

func (b *fakeBackend) RunSuite(ctx context.Context, suiteID int64) (api.SuiteRunResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := make([]api.SuiteRunTask, 0)
	for _, suite := range b.suites {
		if suite.ID != suiteID {
			continue
		}
		for i, tc := range suite.Cases {
			tasks = append(tasks, api.SuiteRunTask{CaseID: tc.ID, TaskID: "t-" + string(rune('a'+i))})
		}
	}
	return api.SuiteRunResponse{Tasks: tasks}, nil
}

func (b *fakeBackend) CancelTask(ctx context.Context, taskID string) (api.CancelResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, taskID)
	return b.cancelResp, nil
}

type testEnv struct {
	syncer  *Syncer
	dialer  *fakeDialer
	backend *fakeBackend
	cursors *cursor.MemStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newKeyedTestEnv(t, stream.UserKey("u-1"))
}

func newKeyedTestEnv(t *testing.T, key stream.SubscriptionKey) *testEnv {
	t.Helper()

	dialer := &fakeDialer{}
	backend := &fakeBackend{
		suites: []flowuni.Suite{
			{
				ID:     7,
				FlowID: "flow-1",
				Name:   "checkout",
				Cases: []flowuni.TestCase{
					{ID: 42, SuiteID: 7, Name: "happy path", Status: flowuni.StatusPending},
					{ID: 43, SuiteID: 7, Name: "declined card", Status: flowuni.StatusPassed},
				},
			},
		},
		runResp:    api.RunResponse{TaskID: "t-99"},
		cancelResp: api.CancelResponse{CaseID: 42, Cancelled: true},
	}
	cursors := cursor.NewMemStore()

	syncer, err := NewSyncer(Config{
		Backend:          backend,
		Dial:             dialer.dial,
		Key:              key,
		FlowID:           "flow-1",
		Store:            status.NewStore(status.Config{}),
		Cache:            cache.NewSuiteCache(),
		Cursors:          cursors,
		CoalesceInterval: 5 * time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	return &testEnv{syncer: syncer, dialer: dialer, backend: backend, cursors: cursors}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.syncer.Stop)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSyncer_RunThenStreamUpdate(t *testing.T) {
	env := newTestEnv(t)

	if err := env.syncer.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	env.start(t)

	taskID, err := env.syncer.RunCase(context.Background(), 42)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if taskID != "t-99" {
		t.Fatalf("got task %q", taskID)
	}

	// Optimistic state is visible before any stream event arrives.
	store := env.syncer.Store()
	if got := store.Get(flowuni.CaseKey(42)).Status; got != flowuni.StatusQueued {
		t.Errorf("after run: got %s, want QUEUED", got)
	}
	if caseID, ok := store.CaseForTask("t-99"); !ok || caseID != flowuni.CaseKey(42) {
		t.Errorf("task mapping: got %q, %v", caseID, ok)
	}

	// The authoritative stream update supersedes the optimistic one.
	env.dialer.conn(0).push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "5-0",
		Data: []byte(`{"case_id": 42, "status": "RUNNING"}`),
	})

	waitFor(t, "store to reach RUNNING", func() bool {
		return store.Get(flowuni.CaseKey(42)).Status == flowuni.StatusRunning
	})

	// The cached suite list converges too.
	waitFor(t, "cache to reach RUNNING", func() bool {
		suites, ok := env.syncer.Cache().Get("flow-1")
		return ok && suites[0].Cases[0].Status == flowuni.StatusRunning
	})

	// Untouched sibling case is unchanged.
	suites, _ := env.syncer.Cache().Get("flow-1")
	if suites[0].Cases[1].Status != flowuni.StatusPassed {
		t.Errorf("sibling case: got %s, want PASSED", suites[0].Cases[1].Status)
	}
}

func TestSyncer_StaleUpdateDropped(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	conn := env.dialer.conn(0)
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "8-0",
		Data: []byte(`{"case_id": 42, "status": "PASSED"}`),
	})

	store := env.syncer.Store()
	waitFor(t, "store to reach PASSED", func() bool {
		return store.Get(flowuni.CaseKey(42)).Status == flowuni.StatusPassed
	})

	// An older stream position for the same case is a re-delivery.
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "4-2",
		Data: []byte(`{"case_id": 42, "status": "RUNNING"}`),
	})

	time.Sleep(50 * time.Millisecond)
	if got := store.Get(flowuni.CaseKey(42)).Status; got != flowuni.StatusPassed {
		t.Errorf("stale update applied: got %s, want PASSED", got)
	}
}

func TestSyncer_UserEventRouted(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.dialer.conn(0).push(stream.Message{
		Kind: stream.KindUserEvent,
		ID:   "9-1",
		Data: []byte(`{"event_type": "TEST_CASE_STATUS_UPDATE", "payload": {"case_id": 43, "status": "FAILED", "error_message": "timeout"}}`),
	})

	store := env.syncer.Store()
	waitFor(t, "store to reach FAILED", func() bool {
		rec := store.Get(flowuni.CaseKey(43))
		return rec.Status == flowuni.StatusFailed && rec.ErrorMessage == "timeout"
	})
}

func TestSyncer_ResumesFromPersistedCursor(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cursors.Set(context.Background(), "12-7"); err != nil {
		t.Fatal(err)
	}
	env.start(t)

	if got := env.dialer.cursorAt(0); got != "12-7" {
		t.Errorf("dialed with cursor %q, want %q", got, "12-7")
	}
}

func TestSyncer_PersistsStreamPosition(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.dialer.conn(0).push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "15-3",
		Data: []byte(`{"case_id": 42, "status": "RUNNING"}`),
	})

	waitFor(t, "cursor to persist", func() bool {
		value, err := env.cursors.Get(context.Background())
		return err == nil && value == "15-3"
	})
}

func TestSyncer_InvalidCursorReconnects(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cursors.Set(context.Background(), "99-0"); err != nil {
		t.Fatal(err)
	}
	env.start(t)

	env.dialer.conn(0).push(stream.Message{
		Kind: stream.KindError,
		Data: []byte(`{"error": "Invalid stream ID"}`),
	})

	waitFor(t, "second dial", func() bool {
		return env.dialer.dialCount() == 2
	})

	if got := env.dialer.cursorAt(0); got != "99-0" {
		t.Errorf("first dial cursor: got %q, want %q", got, "99-0")
	}
	if got := env.dialer.cursorAt(1); got != cursor.Beginning {
		t.Errorf("re-dial cursor: got %q, want %q", got, cursor.Beginning)
	}

	value, err := env.cursors.Get(context.Background())
	if err != nil || value != cursor.Beginning {
		t.Errorf("persisted cursor after reset: got %q, %v", value, err)
	}

	// The replacement connection is live.
	env.dialer.conn(1).push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "1-0",
		Data: []byte(`{"case_id": 42, "status": "QUEUED"}`),
	})
	waitFor(t, "update on new connection", func() bool {
		return env.syncer.Store().Get(flowuni.CaseKey(42)).Status == flowuni.StatusQueued
	})
}

func TestSyncer_MalformedUpdateDropped(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	conn := env.dialer.conn(0)
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "2-0",
		Data: []byte(`{"status": "RUNNING"}`),
	})
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "2-1",
		Data: []byte(`{"case_id": 42, "status": "RUNNING"}`),
	})

	store := env.syncer.Store()
	waitFor(t, "valid update after malformed one", func() bool {
		return store.Get(flowuni.CaseKey(42)).Status == flowuni.StatusRunning
	})
}

func TestSyncer_CancelCase(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	err := env.syncer.CancelCase(context.Background(), 42)
	if !errors.Is(err, ErrNoLiveTask) {
		t.Fatalf("cancel without task: got %v, want ErrNoLiveTask", err)
	}

	if _, err := env.syncer.RunCase(context.Background(), 42); err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if err := env.syncer.CancelCase(context.Background(), 42); err != nil {
		t.Fatalf("CancelCase: %v", err)
	}

	if got := env.syncer.Store().Get(flowuni.CaseKey(42)).Status; got != flowuni.StatusCancelled {
		t.Errorf("after cancel: got %s, want CANCELLED", got)
	}
	env.backend.mu.Lock()
	cancelled := append([]string(nil), env.backend.cancelled...)
	env.backend.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "t-99" {
		t.Errorf("cancelled tasks: got %v", cancelled)
	}
}

func TestSyncer_WaitForCase(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.dialer.conn(0).push(stream.Message{
			Kind: stream.KindUpdate,
			ID:   "3-0",
			Data: []byte(`{"case_id": 42, "status": "PASSED"}`),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rec, err := env.syncer.WaitForCase(ctx, 42)
	if err != nil {
		t.Fatalf("WaitForCase: %v", err)
	}
	if rec.Status != flowuni.StatusPassed {
		t.Errorf("got %s, want PASSED", rec.Status)
	}
}

func TestSyncer_DoneEndsTaskWatch(t *testing.T) {
	env := newKeyedTestEnv(t, stream.TaskKey("t-99"))
	env.start(t)

	conn := env.dialer.conn(0)
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "1-0",
		Data: []byte(`{"case_id": 42, "status": "PASSED"}`),
	})
	conn.push(stream.Message{Kind: stream.KindDone, ID: "1-1"})

	waitFor(t, "connection to close on DONE", conn.isClosed)

	// The update preceding DONE was flushed before the watch ended.
	if got := env.syncer.Store().Get(flowuni.CaseKey(42)).Status; got != flowuni.StatusPassed {
		t.Errorf("got %s, want PASSED", got)
	}

	if env.dialer.dialCount() != 1 {
		t.Errorf("got %d dials, want 1 (no reconnect after DONE)", env.dialer.dialCount())
	}
}

func TestSyncer_DoneIgnoredOnUserStream(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	conn := env.dialer.conn(0)
	conn.push(stream.Message{Kind: stream.KindDone, ID: "1-0"})
	conn.push(stream.Message{
		Kind: stream.KindUpdate,
		ID:   "1-1",
		Data: []byte(`{"case_id": 42, "status": "RUNNING"}`),
	})

	// A user stream outlives any one task: updates after DONE still apply.
	waitFor(t, "update after DONE", func() bool {
		return env.syncer.Store().Get(flowuni.CaseKey(42)).Status == flowuni.StatusRunning
	})
	if conn.isClosed() {
		t.Error("user stream closed on DONE")
	}
}

func TestSyncer_NoRedialAfterStop(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.syncer.Stop()

	env.syncer.reconnectFromBeginning(context.Background(), env.dialer.conn(0))

	if got := env.dialer.dialCount(); got != 1 {
		t.Errorf("got %d dials, want 1 (no dial after Stop)", got)
	}
}

func TestSyncer_StopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)

	env.syncer.Stop()
	env.syncer.Stop()
}
