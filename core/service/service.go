// Package service is the query/decision facade over the router and the
// workflow engine. Transports call it; it owns no state of its own.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cordum/tradeflow/core/events"
	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/registry"
	"github.com/cordum/tradeflow/core/router"
	"github.com/cordum/tradeflow/core/workflow"
)

// ErrInvalidQuery rejects malformed query submissions before routing.
var ErrInvalidQuery = errors.New("invalid query")

const historyTurns = 6

// Response statuses beyond the run statuses.
const (
	StatusAnswered = "answered"
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Timeline reads a run's persisted events.
type Timeline interface {
	List(ctx context.Context, runID string, after int64) ([]events.Event, error)
}

// QueryRequest is the submit_query input.
type QueryRequest struct {
	Query           string         `json:"query"`
	ThreadID        string         `json:"thread_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	AutomationLevel *int           `json:"automation_level,omitempty"`
	History         []router.Turn  `json:"history,omitempty"`
	Personalization map[string]any `json:"personalization,omitempty"`
}

// QueryResponse carries either a message or a pending approval request.
type QueryResponse struct {
	ThreadID  string                    `json:"thread_id"`
	RunID     string                    `json:"run_id,omitempty"`
	Routing   router.RoutingDecision    `json:"routing"`
	Status    string                    `json:"status"`
	RunStatus workflow.RunStatus        `json:"run_status,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Data      map[string]any            `json:"data,omitempty"`
	Pending   *workflow.ApprovalRequest `json:"pending,omitempty"`
	Result    map[string]any            `json:"result,omitempty"`
	Error     *workflow.RunError        `json:"error,omitempty"`
}

// DecisionRequest is the submit_decision input.
type DecisionRequest struct {
	RequestID     string           `json:"request_id"`
	Verdict       workflow.Verdict `json:"verdict"`
	Modifications map[string]any   `json:"modifications,omitempty"`
	FreeText      string           `json:"free_text,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	DecidedBy     string           `json:"decided_by,omitempty"`
}

// DecisionResponse reports where the run landed after a decision.
type DecisionResponse struct {
	RunID     string                    `json:"run_id"`
	ThreadID  string                    `json:"thread_id"`
	Status    string                    `json:"status"`
	RunStatus workflow.RunStatus        `json:"run_status"`
	Result    map[string]any            `json:"result,omitempty"`
	Pending   *workflow.ApprovalRequest `json:"pending,omitempty"`
	Error     *workflow.RunError        `json:"error,omitempty"`
}

// Service wires the router, registry and engine together.
type Service struct {
	router       *router.Router
	registry     *registry.Registry
	engine       *workflow.Engine
	store        workflow.Store
	timeline     Timeline
	defaultLevel workflow.AutomationLevel
}

// New builds a service. store must be the engine's store.
func New(r *router.Router, reg *registry.Registry, engine *workflow.Engine, store workflow.Store) *Service {
	return &Service{
		router:       r,
		registry:     reg,
		engine:       engine,
		store:        store,
		defaultLevel: workflow.AutomationMajor,
	}
}

// WithTimeline enables Timeline reads.
func (s *Service) WithTimeline(t Timeline) *Service {
	s.timeline = t
	return s
}

// WithDefaultAutomation sets the level used when a query names none.
func (s *Service) WithDefaultAutomation(level workflow.AutomationLevel) *Service {
	if level.Valid() {
		s.defaultLevel = level
	}
	return s
}

// SubmitQuery routes a query and serves it on the chosen tier.
func (s *Service) SubmitQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query required", ErrInvalidQuery)
	}
	level := s.defaultLevel
	if req.AutomationLevel != nil {
		level = workflow.AutomationLevel(*req.AutomationLevel)
		if !level.Valid() {
			return nil, fmt.Errorf("%w: automation_level must be 1, 2 or 3", ErrInvalidQuery)
		}
	}
	threadID := strings.TrimSpace(req.ThreadID)
	history := req.History
	if threadID == "" {
		threadID = uuid.NewString()
	} else if len(history) == 0 {
		history = s.threadHistory(ctx, threadID)
	}

	decision, err := s.router.Route(ctx, query, router.UserContext{UserID: req.UserID, Personalization: req.Personalization}, history)
	if err != nil {
		return nil, fmt.Errorf("route query: %w", err)
	}
	resp := &QueryResponse{ThreadID: threadID, Routing: decision}

	switch d := decision.Dispatch.(type) {
	case router.WorkerDispatch:
		s.runWorker(ctx, d, req.UserID, resp)
		return resp, nil
	case router.DirectAnswerDispatch:
		resp.Status = StatusAnswered
		resp.Message = d.Text
		return resp, nil
	case router.WorkflowDispatch:
		run, err := s.engine.Start(ctx, workflow.StartRequest{
			Workflow:   d.Name,
			Steps:      d.OrderedSteps,
			ThreadID:   threadID,
			Automation: level,
			Context: workflow.RunContext{
				Query:           query,
				UserID:          req.UserID,
				Intent:          decision.Intent,
				Params:          d.Params,
				Personalization: decision.Personalization,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", d.Name, err)
		}
		resp.RunID = run.RunID
		resp.RunStatus = run.Status
		resp.Status = queryStatus(run)
		resp.Pending = run.PendingRequest
		resp.Result = run.Result()
		resp.Error = run.Error
		resp.Message = summary(run)
		return resp, nil
	default:
		return nil, fmt.Errorf("unsupported dispatch %T", decision.Dispatch)
	}
}

func (s *Service) runWorker(ctx context.Context, d router.WorkerDispatch, userID string, resp *QueryResponse) {
	w, ok := s.registry.Worker(d.Name)
	if !ok {
		resp.Status = StatusFailed
		resp.Message = "worker " + d.Name + " is not registered"
		return
	}
	params := registry.Params{}
	for k, v := range d.Params {
		params[k] = v
	}
	params[registry.ParamUserID] = userID
	res, err := w.Run(ctx, params)
	if err != nil {
		logging.Warn("service", "worker failed", "worker", d.Name, "error", err)
		resp.Status = StatusFailed
		resp.Message = fmt.Sprintf("%s failed: %v", d.Name, err)
		return
	}
	resp.Status = StatusAnswered
	resp.Message = res.Message
	resp.Data = res.Data
}

// SubmitDecision applies a human decision to the pending request it names.
func (s *Service) SubmitDecision(ctx context.Context, req DecisionRequest) (*DecisionResponse, error) {
	run, err := s.engine.Resume(ctx, workflow.Decision{
		RequestID:     req.RequestID,
		Verdict:       req.Verdict,
		Modifications: req.Modifications,
		FreeText:      req.FreeText,
		Notes:         req.Notes,
		DecidedBy:     req.DecidedBy,
	})
	if err != nil {
		return nil, err
	}
	return &DecisionResponse{
		RunID:     run.RunID,
		ThreadID:  run.ThreadID,
		Status:    decisionStatus(run),
		RunStatus: run.Status,
		Result:    run.Result(),
		Pending:   run.PendingRequest,
		Error:     run.Error,
	}, nil
}

// Run returns a run by id.
func (s *Service) Run(ctx context.Context, runID string) (*workflow.RunState, error) {
	return s.engine.Get(ctx, runID)
}

// Cancel withdraws a suspended run.
func (s *Service) Cancel(ctx context.Context, runID, reason string) (*workflow.RunState, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	return s.engine.Cancel(ctx, runID, reason)
}

// ThreadRuns lists a thread's runs, newest first.
func (s *Service) ThreadRuns(ctx context.Context, threadID string, limit int64) ([]*workflow.RunState, error) {
	return s.store.ListRunsByThread(ctx, threadID, limit)
}

// Approvals lists the pending requests of suspended runs, newest first.
func (s *Service) Approvals(ctx context.Context, limit int64) ([]*workflow.ApprovalRequest, error) {
	runs, err := s.store.ListRunsByStatus(ctx, workflow.RunStatusSuspended, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.ApprovalRequest, 0, len(runs))
	for _, run := range runs {
		if run.Status == workflow.RunStatusSuspended && run.PendingRequest != nil {
			out = append(out, run.PendingRequest)
		}
	}
	return out, nil
}

// Timeline returns a run's events with a sequence greater than after.
func (s *Service) Timeline(ctx context.Context, runID string, after int64) ([]events.Event, error) {
	if _, err := s.engine.Get(ctx, runID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []events.Event{}, nil
	}
	return s.timeline.List(ctx, runID, after)
}

// Catalog describes the registered capabilities under policy.
func (s *Service) Catalog(policy *workflow.Policy) registry.Snapshot {
	return s.registry.Snapshot(policy)
}

// threadHistory rebuilds recent turns from the thread's earlier runs.
func (s *Service) threadHistory(ctx context.Context, threadID string) []router.Turn {
	runs, err := s.store.ListRunsByThread(ctx, threadID, historyTurns/2)
	if err != nil {
		logging.Warn("service", "thread history unavailable", "thread_id", threadID, "error", err)
		return nil
	}
	var turns []router.Turn
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		if run.Context.Query == "" {
			continue
		}
		turns = append(turns, router.Turn{Role: "user", Content: run.Context.Query})
		if msg := summary(run); msg != "" {
			turns = append(turns, router.Turn{Role: "assistant", Content: msg})
		}
	}
	return turns
}

func queryStatus(run *workflow.RunState) string {
	if run.Status == workflow.RunStatusSuspended {
		return StatusPending
	}
	return string(run.Status)
}

// decisionStatus reports approved for any run that moved past its gate.
func decisionStatus(run *workflow.RunState) string {
	switch run.Status {
	case workflow.RunStatusSuspended:
		return StatusPending
	case workflow.RunStatusRejected:
		return StatusRejected
	case workflow.RunStatusFailed:
		return StatusFailed
	default:
		return StatusApproved
	}
}

func summary(run *workflow.RunState) string {
	switch {
	case run.Error != nil:
		return fmt.Sprintf("step %s failed: %s", run.Error.Node, run.Error.Message)
	case run.PendingRequest != nil:
		return fmt.Sprintf("awaiting approval at %s", run.PendingRequest.Gate)
	}
	if s, ok := run.Result()["summary"].(string); ok {
		return s
	}
	return ""
}
