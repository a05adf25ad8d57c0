package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/tradeflow/core/infra/schema"
)

var (
	// ErrStaleRequest is returned for a decision whose request id is not the
	// run's current pending request.
	ErrStaleRequest = errors.New("stale approval request")
	// ErrLeaseConflict is returned when another caller is advancing the run.
	ErrLeaseConflict = errors.New("run is being advanced by another caller")
	ErrRunNotFound   = errors.New("run not found")
	ErrNotSuspended  = errors.New("run is not suspended")
	// ErrUnknownWorkflow is returned when the catalog has no such workflow.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrUnknownStep     = errors.New("unknown workflow step")
	ErrInvalidDecision = errors.New("invalid decision")
)

// ValidationError reports rejected modifications. The run is left untouched.
type ValidationError struct {
	Violations []schema.Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid modifications"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field == "" {
			parts = append(parts, v.Message)
			continue
		}
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "invalid modifications: " + strings.Join(parts, "; ")
}

func invalidField(field, format string, args ...any) *ValidationError {
	return &ValidationError{Violations: []schema.Violation{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// NodeExecutionError wraps a failure raised inside a node body.
type NodeExecutionError struct {
	Node string
	Err  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }
