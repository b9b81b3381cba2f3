package engine

import (
	"context"
	"time"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// defaultListLimit caps ListExecutions when the caller passes no limit.
const defaultListLimit = 100

// ListExecutions returns the tenant's executions, most recent first,
// optionally filtered by action key and status.
func (e *Engine) ListExecutions(ctx context.Context, tenant schema.TenantContext, actionKey string, status schema.ExecutionStatus, limit int) ([]*store.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return e.store.ListExecutions(ctx, store.ExecutionFilter{
		OrgID:     tenant.OrgID,
		ActionKey: actionKey,
		Status:    status,
		Limit:     limit,
	})
}

// GetExecutionStatus returns a single execution row. Cross-org lookups are
// indistinguishable from missing rows.
func (e *Engine) GetExecutionStatus(ctx context.Context, tenant schema.TenantContext, executionID string) (*store.ExecutionRecord, error) {
	return e.store.GetExecution(ctx, tenant.OrgID, executionID)
}

// ExecutionAttempts returns the full retry lineage of an execution, oldest
// first: the original attempt and every retry descending from it.
func (e *Engine) ExecutionAttempts(ctx context.Context, tenant schema.TenantContext, executionID string) ([]*store.ExecutionRecord, error) {
	return e.store.ListExecutionAttempts(ctx, tenant.OrgID, executionID)
}

// ExecutionTimeline returns the execution's recorded status history.
func (e *Engine) ExecutionTimeline(ctx context.Context, tenant schema.TenantContext, executionID string) ([]*store.TransitionEvent, error) {
	// Confirm tenant ownership before exposing events.
	if _, err := e.store.GetExecution(ctx, tenant.OrgID, executionID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, executionID, 0)
}

// CancelExecution marks a pending or running execution cancelled. The mark
// is cooperative: an in-flight sandbox call is not interrupted, but the row
// can no longer complete, and only cancelled or failed rows can be retried.
func (e *Engine) CancelExecution(ctx context.Context, tenant schema.TenantContext, executionID string) (*store.ExecutionRecord, error) {
	status := schema.ExecutionCancelled

	for attempt := 0; ; attempt++ {
		rec, err := e.store.GetExecution(ctx, tenant.OrgID, executionID)
		if err != nil {
			return nil, err
		}
		from := rec.Status

		if err := e.fsm.Guard(executionID, from, status); err != nil {
			return nil, err
		}

		duration := time.Since(rec.CreatedAt).Milliseconds()
		update := store.ExecutionUpdate{Status: &status, DurationMs: &duration, ExpectStatus: &from}
		err = e.store.UpdateExecution(ctx, executionID, update)
		if err == nil {
			if rerr := e.fsm.Record(ctx, executionID, from, status); rerr != nil {
				e.logger.WarnContext(ctx, "failed to record cancellation event", "error", rerr.Error())
			}
			e.logger.InfoContext(ctx, "execution cancelled",
				"execution_id", executionID, "previous_status", string(from))
			rec.Status = status
			rec.DurationMs = duration
			return rec, nil
		}
		// The row moved under us, typically pending -> running. Re-read
		// once and cancel from the new status.
		if schema.IsCode(err, schema.ErrCodeConflict) && attempt == 0 {
			continue
		}
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeStore, "persist cancellation").WithCause(err).WithExecution(executionID)
	}
}

// RetryExecution replays a failed or cancelled execution's original inputs
// as a new execution row linked to the original via parent id.
func (e *Engine) RetryExecution(ctx context.Context, tenant schema.TenantContext, executionID string) (*schema.ExecutionResult, error) {
	rec, err := e.store.GetExecution(ctx, tenant.OrgID, executionID)
	if err != nil {
		return nil, err
	}

	if rec.Status != schema.ExecutionFailed && rec.Status != schema.ExecutionCancelled {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot retry execution in status %s", rec.Status).
			WithExecution(executionID)
	}

	retryTenant := schema.TenantContext{OrgID: tenant.OrgID, UserID: rec.UserID}
	lin := lineage{parentID: rec.ID, retryCount: rec.RetryCount + 1}

	return e.run(ctx, retryTenant, rec.ActionKey, rec.Inputs, lin, func(ctx context.Context) (*schema.Action, error) {
		return e.catalog.GetActionByKey(ctx, tenant.OrgID, rec.ActionKey)
	})
}
