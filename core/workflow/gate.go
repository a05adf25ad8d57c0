package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/infra/schema"
	"github.com/google/uuid"
)

// execGate either lets the run pass (already approved, or auto-approved by
// policy) or suspends it with a fresh approval request.
func (e *Engine) execGate(ctx context.Context, def *Definition, run *RunState, node *Node, tr *tracker) (nodeOutcome, error) {
	if run.Flags.Has(node.Name, FlagApproved) {
		return outcomeDone, nil
	}
	tr.emit(emission{kind: TransitionNodeStart, node: node.Name, phase: PhaseGate})
	importance := e.policy.Importance(def.Name, node)
	if !e.policy.RequiresApproval(run.Automation, importance) {
		run.Flags.mark(node.Name, FlagPrepared)
		run.Flags.mark(node.Name, FlagApproved)
		run.Resolutions = append(run.Resolutions, Resolution{
			Gate:       node.Name,
			Kind:       ResolutionAutoApproved,
			DecidedBy:  "policy",
			Notes:      fmt.Sprintf("%s gate at automation level %d", importance, run.Automation),
			ResolvedAt: time.Now().UTC(),
		})
		tr.emit(emission{kind: TransitionNodeEnd, node: node.Name, phase: PhaseGate, message: "auto-approved"})
		return outcomeDone, nil
	}
	req, err := e.buildRequest(ctx, def, run, node, 0)
	if err != nil {
		e.fail(run, node, err, tr)
		return outcomeFailed, nil
	}
	run.Flags.mark(node.Name, FlagPrepared)
	if err := e.suspend(ctx, run, req, tr); err != nil {
		return outcomeFailed, err
	}
	return outcomeSuspended, nil
}

func (e *Engine) buildRequest(ctx context.Context, def *Definition, run *RunState, node *Node, round int) (*ApprovalRequest, error) {
	var prop *Proposal
	err := e.call(ctx, def, run, node.Name, false, func(_ context.Context, run *RunState) error {
		p, err := node.Gate.Propose(run)
		if err != nil {
			return err
		}
		if p == nil {
			return errors.New("gate produced no proposal")
		}
		prop = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	summary, err := normalizeMap(prop.Summary)
	if err != nil {
		return nil, &NodeExecutionError{Node: node.Name, Err: err}
	}
	before, err := normalizeSnapshot(prop.Before)
	if err != nil {
		return nil, &NodeExecutionError{Node: node.Name, Err: err}
	}
	after, err := normalizeSnapshot(prop.After)
	if err != nil {
		return nil, &NodeExecutionError{Node: node.Name, Err: err}
	}
	if before == nil || after == nil {
		// a one-sided comparison is worse than none
		before, after = nil, nil
	}
	return &ApprovalRequest{
		RequestID:        uuid.NewString(),
		RunID:            run.RunID,
		ThreadID:         run.ThreadID,
		Workflow:         run.Workflow,
		Gate:             node.Name,
		Kind:             node.Gate.Kind,
		Proposal:         summary,
		Before:           before,
		After:            after,
		ModifiableFields: node.Gate.ModifiableFields(),
		AcceptsFreeText:  node.Gate.AcceptsFreeText,
		Round:            round,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

func (e *Engine) suspend(ctx context.Context, run *RunState, req *ApprovalRequest, tr *tracker) error {
	if err := e.store.IndexRequest(ctx, req.RequestID, run.RunID); err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	run.PendingRequest = req
	run.Status = RunStatusSuspended
	e.metrics.IncSuspension(run.Workflow, string(req.Kind))
	tr.emit(emission{kind: TransitionSuspended, node: req.Gate, phase: PhaseGate, request: req})
	logging.Info("engine", "run suspended", "run_id", run.RunID, "gate", req.Gate, "request_id", req.RequestID, "round", req.Round)
	return nil
}

// validateModifications checks a modify decision against the gate. It never
// touches the run.
func validateModifications(gate *GateSpec, d Decision) error {
	if len(d.Modifications) == 0 && strings.TrimSpace(d.FreeText) == "" {
		return invalidField("modifications", "modify requires modifications or free text")
	}
	if strings.TrimSpace(d.FreeText) != "" && !gate.AcceptsFreeText {
		return invalidField("free_text", "free text is not accepted at this gate")
	}
	var violations []schema.Violation
	props := map[string]any{}
	for name := range d.Modifications {
		f, ok := gate.field(name)
		if !ok {
			violations = append(violations, schema.Violation{Field: name, Message: "field is not modifiable"})
			continue
		}
		props[name] = f.jsonSchema()
	}
	if len(violations) > 0 {
		sort.Slice(violations, func(i, j int) bool { return violations[i].Field < violations[j].Field })
		return &ValidationError{Violations: violations}
	}
	if len(props) == 0 {
		return nil
	}
	doc := map[string]any{"type": "object", "properties": props}
	if err := schema.ValidateMap(doc, d.Modifications); err != nil {
		return &ValidationError{Violations: schema.Violations(err)}
	}
	return nil
}

// applyModifications writes validated modifications into the payload.
func applyModifications(run *RunState, node *Node, d Decision) error {
	names := make([]string, 0, len(d.Modifications))
	for name := range d.Modifications {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, _ := node.Gate.field(name)
		if err := run.Payload.Set(f.Path, d.Modifications[name]); err != nil {
			return err
		}
	}
	if text := strings.TrimSpace(d.FreeText); text != "" {
		if err := run.Payload.Set(node.Gate.freeTextPath(node.Name), text); err != nil {
			return err
		}
	}
	return nil
}

func (f FieldSpec) jsonSchema() map[string]any {
	out := map[string]any{}
	switch f.Type {
	case FieldInteger:
		out["type"] = "integer"
	case FieldString:
		out["type"] = "string"
	default:
		out["type"] = "number"
	}
	if f.ExclusiveMinimum != nil {
		out["exclusiveMinimum"] = *f.ExclusiveMinimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if len(f.Enum) > 0 {
		enum := make([]any, len(f.Enum))
		for i, v := range f.Enum {
			enum[i] = v
		}
		out["enum"] = enum
	}
	return out
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	v, err := normalize(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

func normalizeSnapshot(s *Snapshot) (*Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	portfolio, err := normalizeMap(s.Portfolio)
	if err != nil {
		return nil, err
	}
	risk, err := normalizeMap(s.Risk)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Portfolio: portfolio, Risk: risk}, nil
}
