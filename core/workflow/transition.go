package workflow

import (
	"context"
	"sync"
	"time"
)

// TransitionKind names an engine state change.
type TransitionKind string

const (
	TransitionNodeStart TransitionKind = "node_start"
	TransitionNodeEnd   TransitionKind = "node_end"
	TransitionSuspended TransitionKind = "suspended"
	TransitionResumed   TransitionKind = "resumed"
	TransitionError     TransitionKind = "error"
	TransitionDone      TransitionKind = "done"
)

// Transition is reported to the observer for every state change. Sequence is
// gap-free and strictly increasing per run.
type Transition struct {
	RunID     string
	ThreadID  string
	Workflow  string
	Sequence  int64
	Kind      TransitionKind
	Node      string
	Phase     Phase
	Depth     int
	Lineage   []string
	Status    RunStatus
	Message   string
	Request   *ApprovalRequest
	Timestamp time.Time
}

// Observer receives transitions in sequence order. Implementations must not
// call back into the engine.
type Observer interface {
	Observe(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Observe(ctx context.Context, t Transition) { f(ctx, t) }

type noopObserver struct{}

func (noopObserver) Observe(context.Context, Transition) {}

// tracker serializes transition emission for one engine call, including
// emissions from concurrent fan-out branches.
type tracker struct {
	mu       sync.Mutex
	ctx      context.Context
	run      *RunState
	observer Observer
	emitted  int
}

type emission struct {
	kind    TransitionKind
	node    string
	phase   Phase
	lineage []string
	message string
	request *ApprovalRequest
}

func (t *tracker) emit(e emission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.EventSeq++
	t.emitted++
	lineage := e.lineage
	if len(lineage) == 0 {
		lineage = []string{t.run.Workflow}
	}
	t.observer.Observe(t.ctx, Transition{
		RunID:     t.run.RunID,
		ThreadID:  t.run.ThreadID,
		Workflow:  t.run.Workflow,
		Sequence:  t.run.EventSeq,
		Kind:      e.kind,
		Node:      e.node,
		Phase:     e.phase,
		Depth:     len(lineage),
		Lineage:   append([]string(nil), lineage...),
		Status:    t.run.Status,
		Message:   e.message,
		Request:   e.request,
		Timestamp: time.Now().UTC(),
	})
}
