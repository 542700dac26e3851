package live

import (
	"context"
	"fmt"

	flowuni "github.com/huanidz/flowuni-sub000"
	"github.com/huanidz/flowuni-sub000/status"
)

// RunCase requests an asynchronous run of one case. On success the
// returned task is mapped to the case and the status optimistically set
// to QUEUED, so consumers see the run starting without waiting for the
// stream round trip. On failure nothing is mutated.
func (s *Syncer) RunCase(ctx context.Context, caseID int64) (string, error) {
	resp, err := s.backend.RunCase(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("live: run case %d: %w", caseID, err)
	}

	key := flowuni.CaseKey(caseID)
	s.store.MapTask(resp.TaskID, key)
	s.store.SetStatus(key, flowuni.StatusQueued)
	s.tracer.TaskStarted(resp.TaskID, key)

	s.logger.Info("run accepted", "case", key, "task", resp.TaskID)
	return resp.TaskID, nil
}

// RunSuite requests a run of every case in a suite. Each returned task
// is mapped and its case set to QUEUED, same as a single run.
func (s *Syncer) RunSuite(ctx context.Context, suiteID int64) ([]string, error) {
	resp, err := s.backend.RunSuite(ctx, suiteID)
	if err != nil {
		return nil, fmt.Errorf("live: run suite %d: %w", suiteID, err)
	}

	taskIDs := make([]string, 0, len(resp.Tasks))
	for _, task := range resp.Tasks {
		key := flowuni.CaseKey(task.CaseID)
		s.store.MapTask(task.TaskID, key)
		s.store.SetStatus(key, flowuni.StatusQueued)
		s.tracer.TaskStarted(task.TaskID, key)
		taskIDs = append(taskIDs, task.TaskID)
	}

	s.logger.Info("suite run accepted", "suite", suiteID, "tasks", len(taskIDs))
	return taskIDs, nil
}

// CancelCase cancels the live task of a case, resolved through the
// task mapping since callers typically only have the case id. On a
// confirmed cancel the status is optimistically set to CANCELLED rather
// than waiting for a stream event.
func (s *Syncer) CancelCase(ctx context.Context, caseID int64) error {
	key := flowuni.CaseKey(caseID)
	taskID, ok := s.store.TaskForCase(key)
	if !ok {
		return fmt.Errorf("%w: case %d", ErrNoLiveTask, caseID)
	}

	resp, err := s.backend.CancelTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("live: cancel case %d: %w", caseID, err)
	}

	if resp.Cancelled {
		s.store.SetStatus(key, flowuni.StatusCancelled)
		s.logger.Info("run cancelled", "case", key, "task", taskID)
	}
	return nil
}

// Refresh re-fetches the flow's suites, replaces the cached snapshot,
// and seeds the status store from it. The REST list is the fallback
// source of truth when the stream has been stale.
func (s *Syncer) Refresh(ctx context.Context) error {
	suites, err := s.backend.ListSuites(ctx, s.flowID)
	if err != nil {
		return fmt.Errorf("live: refresh flow %s: %w", s.flowID, err)
	}

	s.cache.Put(s.flowID, suites)

	seed := make(flowuni.Batch)
	for _, suite := range suites {
		for _, tc := range suite.Cases {
			upd := flowuni.CaseUpdate{CaseID: flowuni.CaseKey(tc.ID)}
			if tc.Status.Valid() {
				st := tc.Status
				upd.Status = &st
			}
			msg := tc.ErrorMessage
			upd.ErrorMessage = &msg
			if tc.ChatOutput != nil {
				upd.ChatOutput = tc.ChatOutput
			}
			seed[upd.CaseID] = upd
		}
	}
	s.store.ApplyBatch(seed)

	s.logger.Debug("refreshed suites", "flow", s.flowID, "suites", len(suites))
	return nil
}

// WaitForCase blocks until the case reaches a terminal status or the
// context ends, returning the final record.
func (s *Syncer) WaitForCase(ctx context.Context, caseID int64) (status.Record, error) {
	key := flowuni.CaseKey(caseID)

	sub := s.store.Subscribe(key)
	defer sub.Close()

	// The terminal state may already be in the store.
	if rec := s.store.Get(key); rec.Status.Terminal() {
		return rec, nil
	}

	for {
		select {
		case <-ctx.Done():
			return s.store.Get(key), ctx.Err()
		case rec, ok := <-sub.Records():
			if !ok {
				return s.store.Get(key), nil
			}
			if rec.Status.Terminal() {
				return rec, nil
			}
		}
	}
}
