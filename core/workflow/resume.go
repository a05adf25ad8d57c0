package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/tradeflow/core/infra/logging"
)

// Resume applies a human decision to the run that issued d.RequestID.
//
// Approve continues the run past the gate. Reject terminates it. Modify
// validates and applies the changes, re-runs the gate simulation and suspends
// again with a new request id. A decision for any id other than the current
// pending one fails with ErrStaleRequest, except an identical replay of an
// approve or reject, which returns the run unchanged.
func (e *Engine) Resume(ctx context.Context, d Decision) (*RunState, error) {
	d.RequestID = strings.TrimSpace(d.RequestID)
	if d.RequestID == "" {
		return nil, fmt.Errorf("%w: request_id required", ErrInvalidDecision)
	}
	if !d.Verdict.Valid() {
		return nil, fmt.Errorf("%w: unknown verdict %q", ErrInvalidDecision, d.Verdict)
	}
	runID, err := e.store.RunIDForRequest(ctx, d.RequestID)
	if errors.Is(err, ErrRequestNotFound) {
		e.metrics.IncDecision(string(d.Verdict), "stale")
		return nil, fmt.Errorf("%w: %s", ErrStaleRequest, d.RequestID)
	}
	if err != nil {
		return nil, err
	}

	outcome := "applied"
	run, err := e.withLease(ctx, runID, func(ctx context.Context, run *RunState, tr *tracker) error {
		req := run.PendingRequest
		if run.Status != RunStatusSuspended || req == nil || req.RequestID != d.RequestID {
			if isReplay(run, d) {
				outcome = "replayed"
				return nil
			}
			return fmt.Errorf("%w: %s", ErrStaleRequest, d.RequestID)
		}
		def, ok := e.catalog.Workflow(run.Workflow)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorkflow, run.Workflow)
		}
		node, ok := def.Node(req.Gate)
		if !ok || node.Gate == nil {
			return fmt.Errorf("%w: gate %s", ErrUnknownStep, req.Gate)
		}
		switch d.Verdict {
		case VerdictApproved:
			return e.approve(ctx, def, run, node, req, d, tr)
		case VerdictRejected:
			e.reject(run, req, d, tr)
			return nil
		default:
			return e.modify(ctx, def, run, node, req, d, tr)
		}
	})
	if err != nil {
		outcome = decisionOutcome(err)
	}
	e.metrics.IncDecision(string(d.Verdict), outcome)
	if err != nil {
		logging.Warn("engine", "decision refused", "request_id", d.RequestID, "verdict", d.Verdict, "error", err)
		return nil, err
	}
	return run, nil
}

func (e *Engine) approve(ctx context.Context, def *Definition, run *RunState, node *Node, req *ApprovalRequest, d Decision, tr *tracker) error {
	run.PendingRequest = nil
	e.resolve(run, req, ResolutionApproved, d.DecidedBy, d.Notes)
	run.Flags.mark(node.Name, FlagApproved)
	run.Status = RunStatusRunning
	if d.Notes != "" {
		run.Notes = d.Notes
	}
	tr.emit(emission{kind: TransitionResumed, node: node.Name, phase: PhaseGate, message: "approved"})
	tr.emit(emission{kind: TransitionNodeEnd, node: node.Name, phase: PhaseGate})
	if err := e.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("checkpoint run: %w", err)
	}
	logging.Info("engine", "request approved", "run_id", run.RunID, "request_id", req.RequestID)
	return e.drive(ctx, def, run, tr)
}

func (e *Engine) reject(run *RunState, req *ApprovalRequest, d Decision, tr *tracker) {
	run.PendingRequest = nil
	e.resolve(run, req, ResolutionRejected, d.DecidedBy, d.Notes)
	run.Notes = d.Notes
	e.finish(run, RunStatusRejected)
	tr.emit(emission{kind: TransitionResumed, node: req.Gate, phase: PhaseGate, message: "rejected"})
	logging.Info("engine", "request rejected", "run_id", run.RunID, "request_id", req.RequestID)
}

func (e *Engine) modify(ctx context.Context, def *Definition, run *RunState, node *Node, req *ApprovalRequest, d Decision, tr *tracker) error {
	if err := validateModifications(node.Gate, d); err != nil {
		return err
	}
	// Changes are tried on a copy. Until the new request is built the run
	// stays on the old one.
	trial := *run
	trial.Payload = run.Payload.Clone()
	if err := applyModifications(&trial, node, d); err != nil {
		return unusableModification(err)
	}
	if node.Gate.Simulate != nil {
		if err := e.call(ctx, def, &trial, node.Name, false, node.Gate.Simulate); err != nil {
			return unusableModification(err)
		}
	}
	next, err := e.buildRequest(ctx, def, &trial, node, req.Round+1)
	if err != nil {
		return unusableModification(err)
	}
	run.Payload = trial.Payload
	run.PendingRequest = nil
	e.resolve(run, req, ResolutionSuperseded, d.DecidedBy, d.Notes)
	tr.emit(emission{kind: TransitionResumed, node: node.Name, phase: PhaseGate, message: "modified"})
	logging.Info("engine", "request modified", "run_id", run.RunID, "request_id", req.RequestID, "next_request_id", next.RequestID)
	return e.suspend(ctx, run, next, tr)
}

func unusableModification(err error) *ValidationError {
	return invalidField("modifications", "proposal could not be recomputed: %v", err)
}

func isReplay(run *RunState, d Decision) bool {
	res, ok := run.resolution(d.RequestID)
	if !ok {
		return false
	}
	switch res.Kind {
	case ResolutionApproved:
		return d.Verdict == VerdictApproved
	case ResolutionRejected:
		return d.Verdict == VerdictRejected
	default:
		return false
	}
}

func decisionOutcome(err error) string {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrStaleRequest):
		return "stale"
	case errors.Is(err, ErrLeaseConflict):
		return "conflict"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "error"
	}
}
