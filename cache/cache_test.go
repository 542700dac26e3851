package cache

import (
	"testing"

	flowuni "github.com/huanidz/flowuni-sub000"
)

func snapshot() []flowuni.Suite {
	return []flowuni.Suite{
		{
			ID:     1,
			FlowID: "flow-123",
			Name:   "smoke",
			Cases: []flowuni.TestCase{
				{ID: 42, SuiteID: 1, Name: "login", Status: flowuni.StatusPending},
				{ID: 43, SuiteID: 1, Name: "logout", Status: flowuni.StatusPending},
			},
		},
		{
			ID:     2,
			FlowID: "flow-123",
			Name:   "regression",
			Cases: []flowuni.TestCase{
				{ID: 50, SuiteID: 2, Name: "checkout", Status: flowuni.StatusPassed},
			},
		},
	}
}

func TestSuiteCache_ReconcilePatchesStatus(t *testing.T) {
	c := NewSuiteCache()
	c.Put("flow-123", snapshot())

	msg := "boom"
	c.Reconcile(flowuni.Batch{
		"42": {CaseID: "42", Status: statusPtr(flowuni.StatusRunning), ErrorMessage: &msg},
	})

	suites, ok := c.Get("flow-123")
	if !ok {
		t.Fatal("snapshot missing")
	}

	tc := suites[0].Cases[0]
	if tc.Status != flowuni.StatusRunning {
		t.Errorf("got %s, want RUNNING", tc.Status)
	}
	if tc.ErrorMessage != "boom" {
		t.Errorf("got error %q, want %q", tc.ErrorMessage, "boom")
	}

	// Sibling case untouched.
	if suites[0].Cases[1].Status != flowuni.StatusPending {
		t.Error("unrelated case modified")
	}
}

func TestSuiteCache_CopyOnWrite(t *testing.T) {
	c := NewSuiteCache()
	before := snapshot()
	c.Put("flow-123", before)

	c.Reconcile(flowuni.Batch{"42": flowuni.StatusUpdate("42", flowuni.StatusPassed)})

	// The snapshot held before reconciliation must be unchanged.
	if before[0].Cases[0].Status != flowuni.StatusPending {
		t.Error("previous snapshot mutated in place")
	}

	after, _ := c.Get("flow-123")
	if &after[0] == &before[0] {
		t.Error("top-level snapshot not replaced")
	}
	if after[0].Cases[0].Status != flowuni.StatusPassed {
		t.Error("update not visible in new snapshot")
	}

	// Untouched suites keep identity so change detection stays cheap.
	if &after[1].Cases[0] != &before[1].Cases[0] {
		t.Error("untouched suite's cases were copied")
	}
}

func TestSuiteCache_DropSafety(t *testing.T) {
	c := NewSuiteCache()
	before := snapshot()
	c.Put("flow-123", before)

	// Unknown id: the update is dropped for this pass, nothing changes,
	// nothing panics.
	c.Reconcile(flowuni.Batch{"999": flowuni.StatusUpdate("999", flowuni.StatusFailed)})

	after, _ := c.Get("flow-123")
	if &after[0] != &before[0] {
		t.Error("snapshot replaced although nothing matched")
	}
}

func TestSuiteCache_ReconcileEmptyCache(t *testing.T) {
	c := NewSuiteCache()

	// No snapshots cached at all.
	c.Reconcile(flowuni.Batch{"1": flowuni.StatusUpdate("1", flowuni.StatusRunning)})

	if _, ok := c.Get("flow-123"); ok {
		t.Error("reconcile invented a snapshot")
	}
}

func TestSuiteCache_Invalidate(t *testing.T) {
	c := NewSuiteCache()
	c.Put("flow-123", snapshot())
	c.Invalidate("flow-123")

	if _, ok := c.Get("flow-123"); ok {
		t.Error("snapshot survived invalidation")
	}
}

func statusPtr(s flowuni.CaseStatus) *flowuni.CaseStatus {
	return &s
}
