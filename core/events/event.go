package events

import (
	"context"
	"time"

	"github.com/cordum/tradeflow/core/workflow"
)

// Status is the lifecycle marker of a streamed event.
type Status string

const (
	StatusStart     Status = "start"
	StatusEnd       Status = "end"
	StatusSuspended Status = "suspended"
	StatusResumed   Status = "resumed"
	StatusError     Status = "error"
	StatusDone      Status = "done"
)

// Event is the client-facing record of one engine transition.
type Event struct {
	RunID     string                    `json:"run_id"`
	ThreadID  string                    `json:"thread_id,omitempty"`
	Workflow  string                    `json:"workflow,omitempty"`
	Sequence  int64                     `json:"sequence"`
	Phase     workflow.Phase            `json:"phase"`
	Status    Status                    `json:"status"`
	Node      string                    `json:"node,omitempty"`
	Depth     int                       `json:"depth"`
	Lineage   []string                  `json:"lineage"`
	RunStatus workflow.RunStatus        `json:"run_status"`
	Message   string                    `json:"message,omitempty"`
	Request   *workflow.ApprovalRequest `json:"request,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Terminal reports whether the event ends a stream segment.
func (e Event) Terminal() bool { return e.Status == StatusDone }

// Sink receives projected events in sequence order.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// FromTransition maps an engine transition to its event record.
func FromTransition(t workflow.Transition) Event {
	return Event{
		RunID:     t.RunID,
		ThreadID:  t.ThreadID,
		Workflow:  t.Workflow,
		Sequence:  t.Sequence,
		Phase:     t.Phase,
		Status:    statusFor(t.Kind),
		Node:      t.Node,
		Depth:     t.Depth,
		Lineage:   t.Lineage,
		RunStatus: t.Status,
		Message:   t.Message,
		Request:   t.Request,
		Timestamp: t.Timestamp,
	}
}

func statusFor(kind workflow.TransitionKind) Status {
	switch kind {
	case workflow.TransitionNodeStart:
		return StatusStart
	case workflow.TransitionNodeEnd:
		return StatusEnd
	case workflow.TransitionSuspended:
		return StatusSuspended
	case workflow.TransitionResumed:
		return StatusResumed
	case workflow.TransitionError:
		return StatusError
	default:
		return StatusDone
	}
}
