package workflow

import (
	"context"
	"errors"
)

// ErrRequestNotFound is returned when no run ever issued the request id.
var ErrRequestNotFound = errors.New("approval request not found")

// Store persists run state. It is the source of truth between engine calls.
type Store interface {
	CreateRun(ctx context.Context, run *RunState) error
	SaveRun(ctx context.Context, run *RunState) error
	GetRun(ctx context.Context, runID string) (*RunState, error)
	IndexRequest(ctx context.Context, requestID, runID string) error
	RunIDForRequest(ctx context.Context, requestID string) (string, error)
	ListRunsByThread(ctx context.Context, threadID string, limit int64) ([]*RunState, error)
	ListRunsByStatus(ctx context.Context, status RunStatus, limit int64) ([]*RunState, error)
}
