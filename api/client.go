// Package api is the REST client for the flow-test backend: CRUD on
// test suites and cases, listing suites with their nested cases, and
// the run/cancel operations whose task ids feed the live status
// subsystem. These are thin boundary wrappers; the interesting behavior
// (optimistic status, task mapping) lives in the live package.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	flowuni "github.com/huanidz/flowuni-sub000"
)

// DefaultTimeout bounds a single request/response round trip.
const DefaultTimeout = 30 * time.Second

// Error is a failed API response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// ErrConflict matches responses rejecting an action because of current
// state, e.g. running a case that already has a live task.
var ErrConflict = errors.New("api: conflict")

// Config configures a Client.
type Config struct {
	// BaseURL is the backend endpoint, e.g. "https://api.example.com".
	BaseURL string

	// Token is the bearer credential sent on every request.
	Token string

	// Client is the underlying HTTP client (default: timeout-bounded).
	Client *http.Client
}

// Client talks to the flow-test backend.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

// RunResponse is what a single-case run returns: the server-issued
// handle for the asynchronous execution.
type RunResponse struct {
	TaskID string `json:"task_id"`
}

// SuiteRunTask pairs one case of a batch run with its task id.
type SuiteRunTask struct {
	CaseID int64  `json:"case_id"`
	TaskID string `json:"task_id"`
}

// SuiteRunResponse is what a batch (whole-suite) run returns.
type SuiteRunResponse struct {
	Tasks []SuiteRunTask `json:"tasks"`
}

// CancelResponse is what a cancel returns.
type CancelResponse struct {
	CaseID    int64 `json:"case_id"`
	Cancelled bool  `json:"cancelled"`
}

// CreateSuiteRequest is the payload for creating a suite.
type CreateSuiteRequest struct {
	FlowID string `json:"flow_id"`
	Name   string `json:"name"`
}

// UpdateSuiteRequest is the payload for renaming a suite.
type UpdateSuiteRequest struct {
	Name string `json:"name"`
}

// CreateCaseRequest is the payload for creating a case.
type CreateCaseRequest struct {
	SuiteID      int64  `json:"suite_id"`
	Name         string `json:"name"`
	Prompt       string `json:"prompt,omitempty"`
	PassCriteria string `json:"pass_criteria,omitempty"`
}

// UpdateCaseRequest is the payload for editing a case. Nil fields are
// left unchanged by the server.
type UpdateCaseRequest struct {
	Name         *string `json:"name,omitempty"`
	Prompt       *string `json:"prompt,omitempty"`
	PassCriteria *string `json:"pass_criteria,omitempty"`
}

// ListSuites fetches the suites of a flow with their nested cases.
func (c *Client) ListSuites(ctx context.Context, flowID string) ([]flowuni.Suite, error) {
	var out struct {
		Suites []flowuni.Suite `json:"suites"`
	}
	path := "/api/flows/" + url.PathEscape(flowID) + "/suites"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Suites, nil
}

// CreateSuite creates a suite.
func (c *Client) CreateSuite(ctx context.Context, req CreateSuiteRequest) (flowuni.Suite, error) {
	var out flowuni.Suite
	if err := c.do(ctx, http.MethodPost, "/api/suites", req, &out); err != nil {
		return flowuni.Suite{}, err
	}
	return out, nil
}

// UpdateSuite renames a suite.
func (c *Client) UpdateSuite(ctx context.Context, suiteID int64, req UpdateSuiteRequest) (flowuni.Suite, error) {
	var out flowuni.Suite
	if err := c.do(ctx, http.MethodPut, "/api/suites/"+formatID(suiteID), req, &out); err != nil {
		return flowuni.Suite{}, err
	}
	return out, nil
}

// DeleteSuite deletes a suite and its cases.
func (c *Client) DeleteSuite(ctx context.Context, suiteID int64) error {
	return c.do(ctx, http.MethodDelete, "/api/suites/"+formatID(suiteID), nil, nil)
}

// CreateCase creates a test case.
func (c *Client) CreateCase(ctx context.Context, req CreateCaseRequest) (flowuni.TestCase, error) {
	var out flowuni.TestCase
	if err := c.do(ctx, http.MethodPost, "/api/cases", req, &out); err != nil {
		return flowuni.TestCase{}, err
	}
	return out, nil
}

// UpdateCase edits a test case.
func (c *Client) UpdateCase(ctx context.Context, caseID int64, req UpdateCaseRequest) (flowuni.TestCase, error) {
	var out flowuni.TestCase
	if err := c.do(ctx, http.MethodPut, "/api/cases/"+formatID(caseID), req, &out); err != nil {
		return flowuni.TestCase{}, err
	}
	return out, nil
}

// DeleteCase deletes a test case.
func (c *Client) DeleteCase(ctx context.Context, caseID int64) error {
	return c.do(ctx, http.MethodDelete, "/api/cases/"+formatID(caseID), nil, nil)
}

// RunCase requests an asynchronous run of one case and returns its task
// id.
func (c *Client) RunCase(ctx context.Context, caseID int64) (RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/cases/"+formatID(caseID)+"/run", nil, &out); err != nil {
		return RunResponse{}, err
	}
	return out, nil
}

// RunSuite requests a run of every case in a suite, returning one task
// per case.
func (c *Client) RunSuite(ctx context.Context, suiteID int64) (SuiteRunResponse, error) {
	var out SuiteRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/suites/"+formatID(suiteID)+"/run", nil, &out); err != nil {
		return SuiteRunResponse{}, err
	}
	return out, nil
}

// CancelTask cancels an outstanding task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (CancelResponse, error) {
	var out CancelResponse
	path := "/api/tasks/" + url.PathEscape(taskID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return CancelResponse{}, err
	}
	return out, nil
}

// do performs one JSON round trip.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(data))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	apiErr := &Error{StatusCode: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return apiErr
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
