package workflow

import "time"

// RunStatus captures the lifecycle of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusRejected  RunStatus = "rejected"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusRejected, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Verdict is the human's answer to an approval request.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictModified Verdict = "modified"
)

// Valid reports whether v is one of the accepted verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictRejected, VerdictModified:
		return true
	default:
		return false
	}
}

// RequestKind labels what an approval request is about.
type RequestKind string

const (
	RequestKindTrade     RequestKind = "trade"
	RequestKindRebalance RequestKind = "rebalance"
	RequestKindPlan      RequestKind = "plan"
)

// Snapshot is one side of a before/after comparison.
type Snapshot struct {
	Portfolio map[string]any `json:"portfolio,omitempty"`
	Risk      map[string]any `json:"risk,omitempty"`
}

// ApprovalRequest is what a suspended run offers to the human. A fresh
// RequestID is minted on every suspension, including modify rounds.
type ApprovalRequest struct {
	RequestID        string         `json:"request_id"`
	RunID            string         `json:"run_id"`
	ThreadID         string         `json:"thread_id,omitempty"`
	Workflow         string         `json:"workflow"`
	Gate             string         `json:"gate"`
	Kind             RequestKind    `json:"kind"`
	Proposal         map[string]any `json:"proposal"`
	Before           *Snapshot      `json:"before,omitempty"`
	After            *Snapshot      `json:"after,omitempty"`
	ModifiableFields []string       `json:"modifiable_fields"`
	AcceptsFreeText  bool           `json:"accepts_free_text"`
	Round            int            `json:"round"`
	CreatedAt        time.Time      `json:"created_at"`
}

// HasComparison reports whether both sides of the comparison are present.
func (r *ApprovalRequest) HasComparison() bool {
	return r != nil && r.Before != nil && r.After != nil
}

// Decision is the human's input for a pending approval request.
type Decision struct {
	RequestID     string         `json:"request_id"`
	Verdict       Verdict        `json:"verdict"`
	Modifications map[string]any `json:"modifications,omitempty"`
	FreeText      string         `json:"free_text,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
}

// ResolutionKind records how a request left the pending slot.
type ResolutionKind string

const (
	ResolutionApproved     ResolutionKind = "approved"
	ResolutionRejected     ResolutionKind = "rejected"
	ResolutionSuperseded   ResolutionKind = "superseded"
	ResolutionCancelled    ResolutionKind = "cancelled"
	ResolutionAutoApproved ResolutionKind = "auto_approved"
)

// Resolution is the audit record of a resolved approval request.
type Resolution struct {
	RequestID  string         `json:"request_id,omitempty"`
	Gate       string         `json:"gate"`
	Kind       ResolutionKind `json:"kind"`
	DecidedBy  string         `json:"decided_by,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// RunContext is the caller-supplied context of a run. Nodes read it but never
// write it; personalization passes through untouched.
type RunContext struct {
	Query           string         `json:"query,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Intent          string         `json:"intent,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	Personalization map[string]any `json:"personalization,omitempty"`
}

// RunError is the persisted form of a NodeExecutionError.
type RunError struct {
	Node    string    `json:"node"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunState is the state threaded through one workflow execution.
type RunState struct {
	RunID          string           `json:"run_id"`
	ThreadID       string           `json:"thread_id"`
	Workflow       string           `json:"workflow"`
	Steps          []string         `json:"steps"`
	Cursor         int              `json:"cursor"`
	CurrentNode    string           `json:"current_node,omitempty"`
	Status         RunStatus        `json:"status"`
	Automation     AutomationLevel  `json:"automation_level"`
	Context        RunContext       `json:"context"`
	Flags          Flags            `json:"flags"`
	Payload        Payload          `json:"payload"`
	PendingRequest *ApprovalRequest `json:"pending_request,omitempty"`
	Resolutions    []Resolution     `json:"resolutions,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Error          *RunError        `json:"error,omitempty"`
	EventSeq       int64            `json:"event_seq"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Result returns the value the final node published under "result".
func (r *RunState) Result() map[string]any {
	if r == nil {
		return nil
	}
	v, ok := r.Payload.Get(PayloadResultKey)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// resolution returns the audit record for requestID, if any.
func (r *RunState) resolution(requestID string) (Resolution, bool) {
	for i := len(r.Resolutions) - 1; i >= 0; i-- {
		if r.Resolutions[i].RequestID == requestID {
			return r.Resolutions[i], true
		}
	}
	return Resolution{}, false
}

func (r *RunState) normalize() {
	if r.Flags == nil {
		r.Flags = Flags{}
	}
	if r.Payload == nil {
		r.Payload = Payload{}
	}
}

// FlagKind is the suffix of a per-node idempotency flag.
type FlagKind string

const (
	FlagPrepared FlagKind = "prepared"
	FlagApproved FlagKind = "approved"
	FlagExecuted FlagKind = "executed"
)

// Flags holds monotonic per-node booleans named "{node}_{kind}".
type Flags map[string]bool

// FlagName returns the canonical flag key for node and kind.
func FlagName(node string, kind FlagKind) string {
	return node + "_" + string(kind)
}

// Has reports whether the flag is set.
func (f Flags) Has(node string, kind FlagKind) bool {
	return f[FlagName(node, kind)]
}

// mark sets the flag and reports whether it was newly set.
func (f Flags) mark(node string, kind FlagKind) bool {
	key := FlagName(node, kind)
	if f[key] {
		return false
	}
	f[key] = true
	return true
}
