package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	flowuni "github.com/huanidz/flowuni-sub000"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	reqID  string
	body   []byte
}

func newTestClient(t *testing.T, status int, response string) (*Client, *recordedRequest) {
	t.Helper()
	rec := &recordedRequest{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")
		rec.reqID = r.Header.Get("X-Request-ID")
		rec.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, response)
	}))
	t.Cleanup(ts.Close)
	return NewClient(Config{BaseURL: ts.URL, Token: "tok-1"}), rec
}

func TestListSuites(t *testing.T) {
	client, rec := newTestClient(t, http.StatusOK, `{
		"suites": [
			{"id": 7, "flow_id": "flow-1", "name": "checkout", "cases": [
				{"id": 42, "suite_id": 7, "name": "happy path", "status": "PENDING"}
			]}
		]
	}`)

	suites, err := client.ListSuites(context.Background(), "flow-1")
	if err != nil {
		t.Fatalf("ListSuites: %v", err)
	}

	if rec.method != http.MethodGet || rec.path != "/api/flows/flow-1/suites" {
		t.Errorf("got %s %s", rec.method, rec.path)
	}
	if rec.auth != "Bearer tok-1" {
		t.Errorf("got auth %q", rec.auth)
	}
	if rec.reqID == "" {
		t.Error("missing X-Request-ID header")
	}

	if len(suites) != 1 || suites[0].ID != 7 {
		t.Fatalf("got suites %+v", suites)
	}
	if len(suites[0].Cases) != 1 || suites[0].Cases[0].Status != flowuni.StatusPending {
		t.Errorf("got cases %+v", suites[0].Cases)
	}
}

func TestRunCase(t *testing.T) {
	client, rec := newTestClient(t, http.StatusAccepted, `{"task_id": "t-99"}`)

	resp, err := client.RunCase(context.Background(), 42)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}

	if rec.method != http.MethodPost || rec.path != "/api/cases/42/run" {
		t.Errorf("got %s %s", rec.method, rec.path)
	}
	if resp.TaskID != "t-99" {
		t.Errorf("got task %q", resp.TaskID)
	}
}

func TestRunSuite(t *testing.T) {
	client, rec := newTestClient(t, http.StatusAccepted, `{
		"tasks": [
			{"case_id": 42, "task_id": "t-1"},
			{"case_id": 43, "task_id": "t-2"}
		]
	}`)

	resp, err := client.RunSuite(context.Background(), 7)
	if err != nil {
		t.Fatalf("RunSuite: %v", err)
	}

	if rec.path != "/api/suites/7/run" {
		t.Errorf("got path %s", rec.path)
	}
	if len(resp.Tasks) != 2 || resp.Tasks[1].TaskID != "t-2" {
		t.Errorf("got tasks %+v", resp.Tasks)
	}
}

func TestCancelTask(t *testing.T) {
	client, rec := newTestClient(t, http.StatusOK, `{"case_id": 42, "cancelled": true}`)

	resp, err := client.CancelTask(context.Background(), "t-99")
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	if rec.method != http.MethodPost || rec.path != "/api/tasks/t-99/cancel" {
		t.Errorf("got %s %s", rec.method, rec.path)
	}
	if resp.CaseID != 42 || !resp.Cancelled {
		t.Errorf("got %+v", resp)
	}
}

func TestCreateCaseSendsBody(t *testing.T) {
	client, rec := newTestClient(t, http.StatusCreated, `{"id": 44, "suite_id": 7, "name": "refund flow", "status": "PENDING"}`)

	tc, err := client.CreateCase(context.Background(), CreateCaseRequest{
		SuiteID: 7,
		Name:    "refund flow",
		Prompt:  "request a refund",
	})
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	if tc.ID != 44 {
		t.Errorf("got id %d", tc.ID)
	}

	var sent CreateCaseRequest
	if err := json.Unmarshal(rec.body, &sent); err != nil {
		t.Fatalf("decode sent body %q: %v", rec.body, err)
	}
	if sent.SuiteID != 7 || sent.Name != "refund flow" || sent.Prompt != "request a refund" {
		t.Errorf("sent %+v", sent)
	}
}

func TestDeleteSuite(t *testing.T) {
	client, rec := newTestClient(t, http.StatusNoContent, "")

	if err := client.DeleteSuite(context.Background(), 7); err != nil {
		t.Fatalf("DeleteSuite: %v", err)
	}
	if rec.method != http.MethodDelete || rec.path != "/api/suites/7" {
		t.Errorf("got %s %s", rec.method, rec.path)
	}
}

func TestConflictError(t *testing.T) {
	client, _ := newTestClient(t, http.StatusConflict, `{"error": "case already has a live task"}`)

	_, err := client.RunCase(context.Background(), 42)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestErrorDecoding(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		wantMsg  string
	}{
		{
			name:     "json error payload",
			status:   http.StatusNotFound,
			response: `{"error": "suite not found"}`,
			wantMsg:  "suite not found",
		},
		{
			name:     "plain text payload",
			status:   http.StatusInternalServerError,
			response: "something broke",
			wantMsg:  "something broke",
		},
		{
			name:     "empty payload",
			status:   http.StatusBadGateway,
			response: "",
			wantMsg:  http.StatusText(http.StatusBadGateway),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.status, tt.response)

			_, err := client.ListSuites(context.Background(), "flow-1")
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("got %T (%v), want *Error", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("got status %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("got message %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}
