// Package flowuni holds the shared domain types for the flowuni client:
// test suites, test cases, case run statuses, and the partial status
// updates exchanged between the stream consumer, the batching scheduler,
// the status store, and the suite cache.
package flowuni

import (
	"encoding/json"
	"strconv"
	"time"
)

// CaseStatus is the run status of a single test case.
type CaseStatus string

const (
	// StatusPending means no run has been requested yet. It is the
	// default a consumer reads for a case with no recorded status.
	StatusPending CaseStatus = "PENDING"

	// StatusQueued means a run was accepted by the backend but has not
	// started executing. Also set optimistically when a run request
	// succeeds locally.
	StatusQueued CaseStatus = "QUEUED"

	// StatusRunning means the backend is executing the case.
	StatusRunning CaseStatus = "RUNNING"

	// StatusPassed means the case completed and met its pass criteria.
	StatusPassed CaseStatus = "PASSED"

	// StatusFailed means the case completed and did not meet its pass
	// criteria.
	StatusFailed CaseStatus = "FAILED"

	// StatusCancelled means the run was cancelled before completion.
	StatusCancelled CaseStatus = "CANCELLED"

	// StatusSystemError means the backend failed to execute the case.
	StatusSystemError CaseStatus = "SYSTEM_ERROR"
)

// String returns the string representation of the status.
func (s CaseStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known status values.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusPassed,
		StatusFailed, StatusCancelled, StatusSystemError:
		return true
	}
	return false
}

// Terminal reports whether s is a final state: no further transitions
// are expected for the run.
func (s CaseStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusCancelled, StatusSystemError:
		return true
	}
	return false
}

// CaseKey converts a numeric test case id to the string form used as a
// map key throughout the client.
func CaseKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// CaseUpdate is a partial status update for one test case. Nil fields
// mean "not present in this update": they leave the previous value
// unchanged when merged or applied.
type CaseUpdate struct {
	// CaseID is the string form of the test case id.
	CaseID string

	// Status, if non-nil, is the new run status.
	Status *CaseStatus

	// ErrorMessage, if non-nil, is the new error message ("" clears it).
	ErrorMessage *string

	// ChatOutput, if non-nil, is the new chat output payload. The client
	// treats it as opaque JSON.
	ChatOutput json.RawMessage

	// StreamID is the stream position the update was delivered at, or
	// empty when the update did not come from the stream (optimistic
	// local sets, list-refresh seeds).
	StreamID string
}

// Merge overlays later onto u: fields present in later win, fields
// absent in later keep u's value. Used by the batching scheduler so the
// final state for a case within one flush window is last-write-wins per
// field.
func (u CaseUpdate) Merge(later CaseUpdate) CaseUpdate {
	out := u
	if later.CaseID != "" {
		out.CaseID = later.CaseID
	}
	if later.Status != nil {
		out.Status = later.Status
	}
	if later.ErrorMessage != nil {
		out.ErrorMessage = later.ErrorMessage
	}
	if later.ChatOutput != nil {
		out.ChatOutput = later.ChatOutput
	}
	if later.StreamID != "" {
		out.StreamID = later.StreamID
	}
	return out
}

// Batch is a set of coalesced case updates keyed by case id, applied
// downstream as a single commit.
type Batch map[string]CaseUpdate

// StatusUpdate builds a CaseUpdate that only carries a status.
func StatusUpdate(caseID string, status CaseStatus) CaseUpdate {
	return CaseUpdate{CaseID: caseID, Status: &status}
}

// TestCase is one test case within a suite as returned by the list API.
type TestCase struct {
	ID           int64           `json:"id"`
	SuiteID      int64           `json:"suite_id"`
	Name         string          `json:"name"`
	Prompt       string          `json:"prompt,omitempty"`
	PassCriteria string          `json:"pass_criteria,omitempty"`
	Status       CaseStatus      `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ChatOutput   json.RawMessage `json:"chat_output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Suite is a test suite with its nested cases.
type Suite struct {
	ID        int64      `json:"id"`
	FlowID    string     `json:"flow_id"`
	Name      string     `json:"name"`
	Cases     []TestCase `json:"cases"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
