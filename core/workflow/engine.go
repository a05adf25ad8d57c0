package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/cordum/tradeflow/core/infra/locks"
	"github.com/cordum/tradeflow/core/infra/logging"
	"github.com/cordum/tradeflow/core/infra/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultLeaseTTL = 30 * time.Second

// Engine executes workflow definitions against persisted run state. Every
// public call holds the run's lease for its whole duration.
type Engine struct {
	store    Store
	leases   locks.Store
	catalog  Catalog
	policy   *Policy
	observer Observer
	metrics  metrics.EngineMetrics
	leaseTTL time.Duration
	owner    string
}

// NewEngine wires an engine to its store, lease manager and workflow catalog.
func NewEngine(store Store, leases locks.Store, catalog Catalog) *Engine {
	host, _ := os.Hostname()
	if host == "" {
		host = "engine"
	}
	return &Engine{
		store:    store,
		leases:   leases,
		catalog:  catalog,
		policy:   NewPolicy(nil),
		observer: noopObserver{},
		metrics:  metrics.Noop{},
		leaseTTL: defaultLeaseTTL,
		owner:    host,
	}
}

// WithPolicy sets the approval policy.
func (e *Engine) WithPolicy(p *Policy) *Engine {
	if p != nil {
		e.policy = p
	}
	return e
}

// WithObserver sets the transition observer.
func (e *Engine) WithObserver(o Observer) *Engine {
	if o != nil {
		e.observer = o
	}
	return e
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m metrics.EngineMetrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithLeaseTTL sets how long a run lease lives without renewal.
func (e *Engine) WithLeaseTTL(ttl time.Duration) *Engine {
	if ttl > 0 {
		e.leaseTTL = ttl
	}
	return e
}

// StartRequest describes a new run.
type StartRequest struct {
	Workflow   string
	Steps      []string
	ThreadID   string
	Automation AutomationLevel
	Context    RunContext
}

// Start creates a run and drives it until it suspends or terminates.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*RunState, error) {
	def, ok := e.catalog.Workflow(req.Workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, req.Workflow)
	}
	steps, err := def.Resolve(req.Steps)
	if err != nil {
		return nil, err
	}
	level := req.Automation
	if !level.Valid() {
		level = AutomationMajor
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	run := &RunState{
		RunID:      uuid.NewString(),
		ThreadID:   threadID,
		Workflow:   def.Name,
		Steps:      steps,
		Status:     RunStatusRunning,
		Automation: level,
		Context:    req.Context,
		Flags:      Flags{},
		Payload:    Payload{},
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.metrics.IncRunStarted(def.Name)
	logging.Info("engine", "run started", "run_id", run.RunID, "workflow", def.Name, "automation", int(level))
	return e.withLease(ctx, run.RunID, func(ctx context.Context, run *RunState, tr *tracker) error {
		return e.drive(ctx, def, run, tr)
	})
}

// Advance re-drives a running run from its cursor. Completed nodes are
// skipped through their flags, so it is safe after a crash. Runs in any other
// status are returned unchanged.
func (e *Engine) Advance(ctx context.Context, runID string) (*RunState, error) {
	return e.withLease(ctx, runID, func(ctx context.Context, run *RunState, tr *tracker) error {
		if run.Status != RunStatusRunning {
			return nil
		}
		def, ok := e.catalog.Workflow(run.Workflow)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWorkflow, run.Workflow)
		}
		return e.drive(ctx, def, run, tr)
	})
}

// Cancel rejects a suspended run on behalf of the system.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (*RunState, error) {
	return e.withLease(ctx, runID, func(ctx context.Context, run *RunState, tr *tracker) error {
		if run.Status != RunStatusSuspended || run.PendingRequest == nil {
			return fmt.Errorf("%w: %s is %s", ErrNotSuspended, runID, run.Status)
		}
		if reason == "" {
			reason = "cancelled"
		}
		req := run.PendingRequest
		run.PendingRequest = nil
		e.resolve(run, req, ResolutionCancelled, "system", reason)
		run.Notes = "system: " + reason
		e.finish(run, RunStatusRejected)
		tr.emit(emission{kind: TransitionResumed, node: req.Gate, phase: PhaseGate, message: "cancelled: " + reason})
		logging.Info("engine", "run cancelled", "run_id", run.RunID, "reason", reason)
		return nil
	})
}

// Get loads a run.
func (e *Engine) Get(ctx context.Context, runID string) (*RunState, error) {
	return e.store.GetRun(ctx, runID)
}

// withLease loads the run under its lease, applies fn and persists the result.
// When fn fails only the event sequence is persisted.
func (e *Engine) withLease(ctx context.Context, runID string, fn func(context.Context, *RunState, *tracker) error) (*RunState, error) {
	owner := e.owner + ":" + uuid.NewString()
	resource := leaseResource(runID)
	_, ok, err := e.leases.Acquire(ctx, resource, owner, e.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	if !ok {
		e.metrics.IncLeaseConflict()
		return nil, fmt.Errorf("%w: %s", ErrLeaseConflict, runID)
	}
	defer func() {
		if _, err := e.leases.Release(context.Background(), resource, owner); err != nil {
			logging.Warn("engine", "release lease failed", "run_id", runID, "error", err)
		}
	}()
	stop := e.keepAlive(resource, owner)
	defer stop()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tr := &tracker{ctx: ctx, run: run, observer: e.observer}
	if err := fn(ctx, run, tr); err != nil {
		if tr.emitted > 0 {
			e.keepSequence(ctx, run)
		}
		return nil, err
	}
	if tr.emitted > 0 {
		tr.emit(emission{kind: TransitionDone, node: run.CurrentNode, phase: donePhase(run), message: string(run.Status)})
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	return run, nil
}

// keepSequence records the sequence of transitions already published by a
// call that failed. The rest of the stored run stays at its last checkpoint,
// so the next call re-executes from there without reusing a sequence.
func (e *Engine) keepSequence(ctx context.Context, run *RunState) {
	ctx = context.WithoutCancel(ctx)
	stored, err := e.store.GetRun(ctx, run.RunID)
	if err == nil && stored.EventSeq < run.EventSeq {
		stored.EventSeq = run.EventSeq
		err = e.store.SaveRun(ctx, stored)
	}
	if err != nil {
		logging.Error("engine", "persist event sequence failed", "run_id", run.RunID, "sequence", run.EventSeq, "error", err)
	}
}

// keepAlive renews the lease until stop is called.
func (e *Engine) keepAlive(resource, owner string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		interval := max(e.leaseTTL/3, 10*time.Millisecond)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				_, ok, err := e.leases.Renew(ctx, resource, owner, e.leaseTTL)
				cancel()
				if err != nil || !ok {
					logging.Warn("engine", "lease renewal failed", "resource", resource, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

type nodeOutcome int

const (
	outcomeDone nodeOutcome = iota
	outcomeSuspended
	outcomeFailed
)

// drive executes nodes from the cursor until the run suspends, fails or
// completes. State is checkpointed after every node.
func (e *Engine) drive(ctx context.Context, def *Definition, run *RunState, tr *tracker) error {
	for run.Cursor < len(run.Steps) {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := def.Node(run.Steps[run.Cursor])
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownStep, def.Name, run.Steps[run.Cursor])
		}
		run.CurrentNode = node.Name
		var outcome nodeOutcome
		switch node.Kind {
		case NodeGate:
			var err error
			outcome, err = e.execGate(ctx, def, run, node, tr)
			if err != nil {
				return err
			}
		case NodeParallel:
			outcome = e.execParallel(ctx, def, run, node, tr)
		default:
			outcome = e.execCompute(ctx, def, run, node, tr)
		}
		if outcome != outcomeDone {
			return nil
		}
		run.Cursor++
		if err := e.store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("checkpoint run: %w", err)
		}
	}
	e.finish(run, RunStatusCompleted)
	logging.Info("engine", "run completed", "run_id", run.RunID, "workflow", run.Workflow)
	return nil
}

func (e *Engine) execCompute(ctx context.Context, def *Definition, run *RunState, node *Node, tr *tracker) nodeOutcome {
	flag := FlagPrepared
	if node.SideEffect {
		flag = FlagExecuted
	}
	if run.Flags.Has(node.Name, flag) {
		return outcomeDone
	}
	tr.emit(emission{kind: TransitionNodeStart, node: node.Name, phase: node.Phase})
	if err := e.invoke(ctx, def, run, node); err != nil {
		e.fail(run, node, err, tr)
		return outcomeFailed
	}
	run.Flags.mark(node.Name, flag)
	tr.emit(emission{kind: TransitionNodeEnd, node: node.Name, phase: node.Phase})
	return outcomeDone
}

// execParallel runs branches concurrently on payload copies and merges their
// outputs in declared order once every branch has returned.
func (e *Engine) execParallel(ctx context.Context, def *Definition, run *RunState, node *Node, tr *tracker) nodeOutcome {
	if run.Flags.Has(node.Name, FlagPrepared) {
		return outcomeDone
	}
	tr.emit(emission{kind: TransitionNodeStart, node: node.Name, phase: node.Phase})
	lineage := []string{def.Name, node.Name}
	forks := make([]*RunState, len(node.Branches))
	errs := make([]error, len(node.Branches))

	g, gctx := errgroup.WithContext(ctx)
	for i := range node.Branches {
		branch := &node.Branches[i]
		if run.Flags.Has(branch.Name, FlagPrepared) {
			continue
		}
		fork := run.fork()
		forks[i] = fork
		g.Go(func() error {
			tr.emit(emission{kind: TransitionNodeStart, node: branch.Name, phase: branch.Phase, lineage: lineage})
			if err := e.invoke(gctx, def, fork, branch); err != nil {
				errs[i] = err
				tr.emit(emission{kind: TransitionError, node: branch.Name, phase: branch.Phase, lineage: lineage, message: err.Error()})
				return err
			}
			tr.emit(emission{kind: TransitionNodeEnd, node: branch.Name, phase: branch.Phase, lineage: lineage})
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for i := range node.Branches {
		if forks[i] == nil {
			continue
		}
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		run.Payload.mergeFrom(forks[i].Payload)
		run.Flags.mark(node.Branches[i].Name, FlagPrepared)
	}
	if firstErr != nil {
		e.fail(run, node, firstErr, tr)
		return outcomeFailed
	}
	run.Flags.mark(node.Name, FlagPrepared)
	tr.emit(emission{kind: TransitionNodeEnd, node: node.Name, phase: node.Phase})
	return outcomeDone
}

// invoke runs a node body, converting panics and errors into
// NodeExecutionError.
func (e *Engine) invoke(ctx context.Context, def *Definition, run *RunState, node *Node) error {
	return e.call(ctx, def, run, node.Name, node.SideEffect, node.Run)
}

func (e *Engine) call(ctx context.Context, def *Definition, run *RunState, name string, sideEffect bool, fn NodeFunc) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("engine", "node panic", "run_id", run.RunID, "node", name, "panic", r, "stack", string(debug.Stack()))
			err = &NodeExecutionError{Node: name, Err: fmt.Errorf("panic: %v", r)}
		}
		e.metrics.ObserveNodeDuration(def.Name, name, time.Since(start).Seconds())
	}()
	if fn == nil {
		return &NodeExecutionError{Node: name, Err: errors.New("node has no body")}
	}
	if sideEffect {
		ctx = withIdempotencyKey(ctx, run.RunID, name)
	}
	if err := fn(ctx, run); err != nil {
		var nerr *NodeExecutionError
		if errors.As(err, &nerr) {
			return err
		}
		return &NodeExecutionError{Node: name, Err: err}
	}
	return nil
}

// fail marks the run failed and records the error in the payload.
func (e *Engine) fail(run *RunState, node *Node, err error, tr *tracker) {
	now := time.Now().UTC()
	run.Error = &RunError{Node: node.Name, Message: err.Error(), At: now}
	_ = run.Payload.Set("error", map[string]any{"node": node.Name, "message": err.Error()})
	e.finish(run, RunStatusFailed)
	tr.emit(emission{kind: TransitionError, node: node.Name, phase: node.Phase, message: err.Error()})
	logging.Error("engine", "node failed", "run_id", run.RunID, "workflow", run.Workflow, "node", node.Name, "error", err)
}

func (e *Engine) finish(run *RunState, status RunStatus) {
	run.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
		run.PendingRequest = nil
		e.metrics.IncRunFinished(run.Workflow, string(status))
	}
}

func (e *Engine) resolve(run *RunState, req *ApprovalRequest, kind ResolutionKind, decidedBy, notes string) {
	run.Resolutions = append(run.Resolutions, Resolution{
		RequestID:  req.RequestID,
		Gate:       req.Gate,
		Kind:       kind,
		DecidedBy:  decidedBy,
		Notes:      notes,
		ResolvedAt: time.Now().UTC(),
	})
}

// fork copies the run for a parallel branch. Flags start empty so branch
// writes never race with the parent.
func (r *RunState) fork() *RunState {
	cp := *r
	cp.Payload = r.Payload.Clone()
	cp.Flags = Flags{}
	cp.Resolutions = nil
	return &cp
}

func leaseResource(runID string) string {
	return "run:" + runID
}

func donePhase(run *RunState) Phase {
	if run.Status == RunStatusSuspended {
		return PhaseGate
	}
	return PhaseFinalization
}
