package schema

// ExecutionStatus represents the lifecycle state of an execution attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Event type constants for the execution transition log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
)

// TenantContext scopes an engine operation to one organization, optionally
// on behalf of a user.
type TenantContext struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id,omitempty"`
}

// ExecutionError is the failure detail recorded on an execution row.
type ExecutionError struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Details    any    `json:"details,omitempty"`
}

// ExecutionResult is returned to the caller on a successful execution.
type ExecutionResult struct {
	Success     bool           `json:"success"`
	ExecutionID string         `json:"execution_id"`
	DurationMs  int64          `json:"duration_ms"`
	Data        any            `json:"data,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
}
