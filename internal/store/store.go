package store

import (
	"context"

	"github.com/toolrun/toolrun/internal/credentials"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Execution log
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, orgID, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	ListExecutionAttempts(ctx context.Context, orgID, id string) ([]*ExecutionRecord, error)

	// Transition events (append-only)
	AppendEvent(ctx context.Context, event *TransitionEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*TransitionEvent, error)

	// Credentials (encrypted at rest)
	credentials.Store

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, orgID, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListDueRuns(ctx context.Context, limit int) ([]*ScheduledRun, error)
	ListScheduledRuns(ctx context.Context, orgID string) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, orgID, id string) error

	Close() error
}
