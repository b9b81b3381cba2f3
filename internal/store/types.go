package store

import (
	"encoding/json"
	"time"

	"github.com/toolrun/toolrun/pkg/schema"
)

// ExecutionRecord is one row of the execution log. Inputs are the raw
// caller-supplied inputs, persisted before validation so failed executions
// remain diagnosable and retryable.
type ExecutionRecord struct {
	ID         string                 `json:"id"`
	OrgID      string                 `json:"org_id"`
	UserID     string                 `json:"user_id"`
	ActionID   string                 `json:"action_id,omitempty"`
	ActionKey  string                 `json:"action_key"`
	Status     schema.ExecutionStatus `json:"status"`
	Inputs     map[string]any         `json:"inputs,omitempty"`
	Outputs    json.RawMessage        `json:"outputs,omitempty"`
	Error      *schema.ExecutionError `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	RetryCount int                    `json:"retry_count"`
	ParentID   string                 `json:"parent_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ExecutionUpdate carries the mutable fields of an execution row.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status     *schema.ExecutionStatus
	ActionID   *string
	ActionKey  *string
	Outputs    json.RawMessage
	Error      *schema.ExecutionError
	DurationMs *int64
	// ExpectStatus makes the update a compare-and-set: the row is only
	// written while it still holds this status. A concurrent status change
	// surfaces as a CONFLICT error instead of clobbering the row.
	ExpectStatus *schema.ExecutionStatus
}

// ExecutionFilter narrows ListExecutions. OrgID is mandatory: the log is
// only ever queried within a tenant.
type ExecutionFilter struct {
	OrgID     string
	ActionKey string
	Status    schema.ExecutionStatus
	Limit     int
	Offset    int
}

// TransitionEvent is one append-only entry in an execution's event log.
// Sequence is assigned by the store, monotonically per execution.
type TransitionEvent struct {
	ID          int64           `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"type"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ScheduledRun is a cron-style recurring invocation of an action.
type ScheduledRun struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	UserID    string         `json:"user_id"`
	ActionKey string         `json:"action_key"`
	CronExpr  string         `json:"cron_expr"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Enabled   bool           `json:"enabled"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ScheduledRunUpdate mutates bookkeeping fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled   *bool
	NextRunAt *time.Time
	LastRunAt *time.Time
}
