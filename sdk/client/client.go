package client

import (
	"bufio"
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
)

// Client is a minimal HTTP client for the tradeflow gateway.
type Client struct {
	BaseURL     string
	APIKey      string
	PrincipalID string
	HTTPClient  *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// QueryRequest mirrors the gateway query payload.
type QueryRequest struct {
	Query           string         `json:"query"`
	ThreadID        string         `json:"thread_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	AutomationLevel *int           `json:"automation_level,omitempty"`
	Personalization map[string]any `json:"personalization,omitempty"`
}

// Routing is the router's decision; exactly one dispatch field is set.
type Routing struct {
	Complexity   string         `json:"complexity"`
	Intent       string         `json:"intent"`
	Confidence   float64        `json:"confidence"`
	Worker       map[string]any `json:"worker,omitempty"`
	DirectAnswer map[string]any `json:"direct_answer,omitempty"`
	Workflow     map[string]any `json:"workflow,omitempty"`
}

// Snapshot is one side of a before/after comparison.
type Snapshot struct {
	Portfolio map[string]any `json:"portfolio,omitempty"`
	Risk      map[string]any `json:"risk,omitempty"`
}

// ApprovalRequest is what a suspended run asks the human to decide.
type ApprovalRequest struct {
	RequestID        string         `json:"request_id"`
	RunID            string         `json:"run_id"`
	ThreadID         string         `json:"thread_id,omitempty"`
	Workflow         string         `json:"workflow"`
	Gate             string         `json:"gate"`
	Kind             string         `json:"kind"`
	Proposal         map[string]any `json:"proposal"`
	Before           *Snapshot      `json:"before,omitempty"`
	After            *Snapshot      `json:"after,omitempty"`
	ModifiableFields []string       `json:"modifiable_fields"`
	AcceptsFreeText  bool           `json:"accepts_free_text"`
	Round            int            `json:"round"`
}

// RunError describes why a run failed.
type RunError struct {
	Node    string    `json:"node"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// QueryResponse captures the gateway query response.
type QueryResponse struct {
	ThreadID  string           `json:"thread_id"`
	RunID     string           `json:"run_id,omitempty"`
	Routing   Routing          `json:"routing"`
	Status    string           `json:"status"`
	RunStatus string           `json:"run_status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	Pending   *ApprovalRequest `json:"pending,omitempty"`
	Result    map[string]any   `json:"result,omitempty"`
	Error     *RunError        `json:"error,omitempty"`
}

// DecisionRequest mirrors the gateway decision payload.
type DecisionRequest struct {
	RequestID     string         `json:"request_id"`
	Verdict       string         `json:"verdict"`
	Modifications map[string]any `json:"modifications,omitempty"`
	FreeText      string         `json:"free_text,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
}

// DecisionResponse reports where a run landed after a decision.
type DecisionResponse struct {
	RunID     string           `json:"run_id"`
	ThreadID  string           `json:"thread_id"`
	Status    string           `json:"status"`
	RunStatus string           `json:"run_status"`
	Result    map[string]any   `json:"result,omitempty"`
	Pending   *ApprovalRequest `json:"pending,omitempty"`
	Error     *RunError        `json:"error,omitempty"`
}

// Run captures the run fields clients usually need.
type Run struct {
	RunID          string           `json:"run_id"`
	ThreadID       string           `json:"thread_id"`
	Workflow       string           `json:"workflow"`
	Steps          []string         `json:"steps"`
	CurrentNode    string           `json:"current_node,omitempty"`
	Status         string           `json:"status"`
	Automation     int              `json:"automation_level"`
	PendingRequest *ApprovalRequest `json:"pending_request,omitempty"`
	Error          *RunError        `json:"error,omitempty"`
	EventSeq       int64            `json:"event_seq"`
	Payload        map[string]any   `json:"payload,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Event is one streamed engine transition.
type Event struct {
	RunID     string           `json:"run_id"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Workflow  string           `json:"workflow,omitempty"`
	Sequence  int64            `json:"sequence"`
	Phase     string           `json:"phase"`
	Status    string           `json:"status"`
	Node      string           `json:"node,omitempty"`
	Depth     int              `json:"depth"`
	Lineage   []string         `json:"lineage"`
	RunStatus string           `json:"run_status"`
	Message   string           `json:"message,omitempty"`
	Request   *ApprovalRequest `json:"request,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Violation is one field-level validation failure.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is returned for any non-2xx gateway response.
type APIError struct {
	StatusCode int         `json:"-"`
	Code       string      `json:"code"`
	Message    string      `json:"error"`
	Violations []Violation `json:"violations,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsStale reports whether err is the gateway's stale_request response.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_request"
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	if c.PrincipalID != "" {
		req.Header.Set("X-Principal-Id", c.PrincipalID)
	}
	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}

// Query submits a natural-language query.
func (c *Client) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query required")
	}
	var resp QueryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decide submits a decision for a pending approval request.
func (c *Client) Decide(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	if req == nil || req.RequestID == "" {
		return nil, fmt.Errorf("request id required")
	}
	var resp DecisionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/decisions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve approves a pending request.
func (c *Client) Approve(ctx context.Context, requestID, notes string) (*DecisionResponse, error) {
	return c.Decide(ctx, &DecisionRequest{RequestID: requestID, Verdict: "approved", Notes: notes})
}

// Reject rejects a pending request.
func (c *Client) Reject(ctx context.Context, requestID, notes string) (*DecisionResponse, error) {
	return c.Decide(ctx, &DecisionRequest{RequestID: requestID, Verdict: "rejected", Notes: notes})
}

// Modify changes proposal fields; the response carries a new request.
func (c *Client) Modify(ctx context.Context, requestID string, changes map[string]any, freeText string) (*DecisionResponse, error) {
	return c.Decide(ctx, &DecisionRequest{RequestID: requestID, Verdict: "modified", Modifications: changes, FreeText: freeText})
}

// GetRun fetches a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	var run Run
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun withdraws a suspended run.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	var run Run
	body := map[string]string{"reason": reason}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunEvents fetches the persisted events of a run after a sequence.
func (c *Client) GetRunEvents(ctx context.Context, runID string, after int64) ([]Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/events"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var out struct {
		Items []Event `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListThreadRuns lists a thread's runs, newest first.
func (c *Client) ListThreadRuns(ctx context.Context, threadID string, limit int) ([]Run, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id required")
	}
	path := "/api/v1/threads/" + url.PathEscape(threadID) + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []Run `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListApprovals lists pending approval requests, newest first.
func (c *Client) ListApprovals(ctx context.Context, limit int) ([]ApprovalRequest, error) {
	path := "/api/v1/approvals"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Items []ApprovalRequest `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// GetCatalog fetches the registered workers, answerers and workflows.
func (c *Client) GetCatalog(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/catalog", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus fetches the gateway status snapshot.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamRun follows a run's server-sent events after the given sequence and
// calls fn for each one. It returns nil after the next done event.
func (c *Client) StreamRun(ctx context.Context, runID string, after int64, fn func(Event) error) error {
	if runID == "" {
		return fmt.Errorf("run id required")
	}
	path := "/api/v1/runs/" + url.PathEscape(runID) + "/stream"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// streams outlive the request timeout
	hc := *c.httpClient()
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "" && data.Len() > 0:
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
			if ev.Status == "done" {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}
