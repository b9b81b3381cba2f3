// Package engine orchestrates action executions: it owns the execution
// lifecycle from the pending row through validation, credential resolution,
// the sandboxed dispatch, and the terminal write.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolrun/toolrun/internal/catalog"
	"github.com/toolrun/toolrun/internal/credentials"
	"github.com/toolrun/toolrun/internal/expressions"
	"github.com/toolrun/toolrun/internal/logging"
	"github.com/toolrun/toolrun/internal/metrics"
	"github.com/toolrun/toolrun/internal/sandbox"
	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/internal/validation"
	"github.com/toolrun/toolrun/pkg/schema"
)

// Config wires the engine's collaborators.
type Config struct {
	Store   store.Store
	Catalog catalog.Catalog
	Creds   *credentials.Resolver
	Runtime sandbox.Runtime
	Metrics metrics.Sink
	Logger  *slog.Logger

	// DefaultTimeoutMs bounds sandbox dispatches for actions without their
	// own timeout. Zero falls back to the sandbox default.
	DefaultTimeoutMs int
}

// Engine executes actions and manages the execution log.
type Engine struct {
	store   store.Store
	catalog catalog.Catalog
	creds   *credentials.Resolver
	runtime sandbox.Runtime
	fsm     *ExecutionFSM
	params  *validation.ParamValidator
	cel     *expressions.CELEngine
	jq      *expressions.GoJQEngine
	metrics metrics.Sink
	logger  *slog.Logger

	defaultTimeoutMs int
}

// New creates an Engine. Returns an error if the expression environments
// fail to initialize.
func New(cfg Config) (*Engine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel engine: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.NewLogSink(logger)
	}
	return &Engine{
		store:            cfg.Store,
		catalog:          cfg.Catalog,
		creds:            cfg.Creds,
		runtime:          cfg.Runtime,
		fsm:              NewExecutionFSM(cfg.Store),
		params:           validation.NewParamValidator(nil),
		cel:              cel,
		jq:               expressions.NewGoJQEngine(),
		metrics:          sink,
		logger:           logger,
		defaultTimeoutMs: cfg.DefaultTimeoutMs,
	}, nil
}

// FSM exposes the execution state machine, mainly for wiring hooks.
func (e *Engine) FSM() *ExecutionFSM { return e.fsm }

// lineage carries retry ancestry into a new execution row.
type lineage struct {
	parentID   string
	retryCount int
}

// ExecuteAction validates inputs against the action's schema and dispatches
// the call, recording the full lifecycle in the execution log.
func (e *Engine) ExecuteAction(ctx context.Context, tenant schema.TenantContext, actionKey string, inputs map[string]any) (*schema.ExecutionResult, error) {
	return e.run(ctx, tenant, actionKey, inputs, lineage{}, func(ctx context.Context) (*schema.Action, error) {
		return e.catalog.GetActionByKey(ctx, tenant.OrgID, actionKey)
	})
}

// ExecuteActionByID behaves like ExecuteAction but resolves the action by id.
func (e *Engine) ExecuteActionByID(ctx context.Context, tenant schema.TenantContext, actionID string, inputs map[string]any) (*schema.ExecutionResult, error) {
	return e.run(ctx, tenant, "", inputs, lineage{}, func(ctx context.Context) (*schema.Action, error) {
		return e.catalog.GetActionByID(ctx, tenant.OrgID, actionID)
	})
}

// run drives one execution end to end. Every exit path after row creation
// leaves the row in a terminal status: typed failures write the failed row
// before returning, and the recover guard catches anything else.
func (e *Engine) run(ctx context.Context, tenant schema.TenantContext, actionKey string, inputs map[string]any, lin lineage, resolve func(context.Context) (*schema.Action, error)) (result *schema.ExecutionResult, err error) {
	rec := &store.ExecutionRecord{
		ID:         uuid.New().String(),
		OrgID:      tenant.OrgID,
		UserID:     tenant.UserID,
		ActionKey:  actionKey,
		Status:     schema.ExecutionPending,
		Inputs:     inputs,
		ParentID:   lin.parentID,
		RetryCount: lin.retryCount,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create execution row").WithCause(err)
	}
	_ = e.store.AppendEvent(ctx, &store.TransitionEvent{
		ExecutionID: rec.ID,
		Type:        schema.EventExecutionCreated,
		To:          string(schema.ExecutionPending),
	})

	ctx = logging.WithIDs(ctx, tenant.OrgID, rec.ID, actionKey)
	status := schema.ExecutionPending

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "panic during execution", "panic", fmt.Sprint(r))
			execErr := &schema.ExecutionError{Message: fmt.Sprintf("internal error: %v", r)}
			e.failRow(ctx, rec.ID, status, execErr)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "internal error: %v", r).WithExecution(rec.ID)
		}
	}()

	// Lookup. A miss is recorded on the row before surfacing, skipping the
	// running status entirely.
	action, lookupErr := resolve(ctx)
	if lookupErr != nil {
		e.failRow(ctx, rec.ID, status, &schema.ExecutionError{Message: lookupErr.Error()})
		return nil, lookupErr
	}
	tool, toolErr := e.catalog.GetTool(ctx, action.ToolID)
	if toolErr != nil {
		e.failRow(ctx, rec.ID, status, &schema.ExecutionError{Message: toolErr.Error()})
		return nil, toolErr
	}
	if tool.OrgID != "" && tool.OrgID != tenant.OrgID {
		e.failRow(ctx, rec.ID, status, &schema.ExecutionError{Message: "tool belongs to another organization"})
		return nil, schema.NewError(schema.ErrCodeForbidden, "access denied").WithExecution(rec.ID)
	}

	ctx = logging.WithActionKey(ctx, action.Key)

	// pending -> running, backfilling the resolved action identity. Cancel
	// is the only concurrent writer, so losing the compare-and-set means
	// the row is already cancelled.
	if err := e.transition(ctx, rec.ID, &status, schema.ExecutionRunning, store.ExecutionUpdate{
		ActionID:  &action.ID,
		ActionKey: &action.Key,
	}); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			e.logger.InfoContext(ctx, "execution cancelled before dispatch")
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithExecution(rec.ID)
		}
		return nil, err
	}

	// Input validation.
	valid, vres := e.params.Validate(ctx, action.InputSchema, inputs)
	if !vres.Valid() {
		verr := vres.ToError()
		if ee, ok := verr.(*schema.EngineError); ok {
			verr = ee.WithExecution(rec.ID)
		}
		e.failRow(ctx, rec.ID, status, &schema.ExecutionError{
			Message: verr.Error(),
			Details: vres.Errors,
		})
		e.count(tenant, tool, action, "validation_failed")
		return nil, verr
	}

	// Credential resolution is soft-fail: a miss dispatches unauthenticated.
	injection := e.creds.Resolve(ctx, tenant, tool)
	headers := e.buildHeaders(action, valid, injection)

	req := sandbox.Request{
		URL:       e.effectiveURL(action, tool, valid),
		Method:    action.Method,
		Headers:   headers,
		TimeoutMs: e.timeoutMs(action),
	}
	if action.Method != "GET" {
		req.Body = valid
	}

	sbResult := e.runtime.Execute(ctx, req)

	success, evalErr := e.judge(ctx, action, sbResult)
	if evalErr != nil {
		e.logger.WarnContext(ctx, "success condition evaluation failed, falling back to status code",
			"error", evalErr.Error())
	}

	if !success {
		execErr := &schema.ExecutionError{
			Message:    sbResult.Error,
			StatusCode: sbResult.StatusCode,
			Details:    sbResult.Data,
		}
		if execErr.Message == "" {
			execErr.Message = "success condition not met"
		}
		e.failRowWithDuration(ctx, rec.ID, status, execErr, sbResult.DurationMs)
		e.count(tenant, tool, action, "failed")

		code := schema.ErrCodeExecution
		if sbResult.TimedOut {
			code = schema.ErrCodeTimeout
		}
		return nil, schema.NewError(code, execErr.Message).
			WithExecution(rec.ID).
			WithStatusCode(sbResult.StatusCode).
			WithDetails(map[string]any{"sandbox_id": sbResult.SandboxID})
	}

	data := e.filterOutput(ctx, action, sbResult.Data)

	outputs := map[string]any{
		"statusCode": sbResult.StatusCode,
		"durationMs": sbResult.DurationMs,
		"sandboxId":  sbResult.SandboxID,
		"data":       data,
	}
	outputsJSON, mErr := json.Marshal(outputs)
	if mErr != nil {
		outputsJSON = []byte(`{}`)
	}
	if err := e.transition(ctx, rec.ID, &status, schema.ExecutionCompleted, store.ExecutionUpdate{
		Outputs:    outputsJSON,
		DurationMs: &sbResult.DurationMs,
	}); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			e.logger.InfoContext(ctx, "execution cancelled while in flight, discarding result")
			e.count(tenant, tool, action, "cancelled")
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithExecution(rec.ID)
		}
		return nil, err
	}

	e.count(tenant, tool, action, "completed")
	e.metrics.Observe("execution_duration", time.Duration(sbResult.DurationMs)*time.Millisecond, metrics.Labels{
		OrgID: tenant.OrgID, Tool: tool.Key, Action: action.Key, Status: "completed",
	})
	e.logger.InfoContext(ctx, "execution completed",
		"status_code", sbResult.StatusCode, "duration_ms", sbResult.DurationMs)

	return &schema.ExecutionResult{
		Success:     true,
		ExecutionID: rec.ID,
		DurationMs:  sbResult.DurationMs,
		Data:        data,
		Outputs:     outputs,
	}, nil
}

// judge decides whether the sandbox result counts as a success. A per-action
// CEL condition, when present, overrides the status-code default.
func (e *Engine) judge(ctx context.Context, action *schema.Action, result sandbox.Result) (bool, error) {
	if result.TimedOut || (result.StatusCode == 0 && !result.Success) {
		return false, nil
	}
	if action.SuccessWhen == "" {
		return result.Success, nil
	}
	ok, err := e.cel.EvaluateBool(ctx, action.SuccessWhen, result.StatusCode, result.Data, result.Headers)
	if err != nil {
		return result.Success, err
	}
	return ok, nil
}

// filterOutput applies the action's jq output filter, returning the raw data
// when the filter is absent or fails.
func (e *Engine) filterOutput(ctx context.Context, action *schema.Action, data any) any {
	if action.OutputFilter == "" {
		return data
	}
	filtered, err := e.jq.Evaluate(ctx, action.OutputFilter, data)
	if err != nil {
		e.logger.WarnContext(ctx, "output filter failed, returning unfiltered data", "error", err.Error())
		return data
	}
	return filtered
}

// buildHeaders renders the action's static header template and merges the
// auth injection on top. Injected auth wins on header name collision.
func (e *Engine) buildHeaders(action *schema.Action, valid map[string]any, injection credentials.AuthInjection) map[string]string {
	headers := make(map[string]string, len(action.Headers)+1)
	for name, value := range action.Headers {
		headers[name] = expressions.Interpolate(value, valid)
	}
	injection.Apply(headers)
	return headers
}

// effectiveURL joins the tool base URL with relative endpoints and
// substitutes {{name}} placeholders with validated inputs.
func (e *Engine) effectiveURL(action *schema.Action, tool *schema.Tool, valid map[string]any) string {
	endpoint := action.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimSuffix(tool.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	}
	return expressions.Interpolate(endpoint, valid)
}

func (e *Engine) timeoutMs(action *schema.Action) int {
	if action.TimeoutMs > 0 {
		return action.TimeoutMs
	}
	return e.defaultTimeoutMs
}

// transition runs the FSM transition and persists the status (plus any
// extra fields) on the row. The write is a compare-and-set on the expected
// from-status; a concurrent cancel surfaces as a CONFLICT error and the row
// keeps its cancelled status.
func (e *Engine) transition(ctx context.Context, executionID string, current *schema.ExecutionStatus, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	from := *current
	if err := e.fsm.Guard(executionID, from, to); err != nil {
		return err
	}
	update.Status = &to
	update.ExpectStatus = &from
	if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return err
		}
		return schema.NewError(schema.ErrCodeStore, "persist execution status").WithCause(err).WithExecution(executionID)
	}
	*current = to
	if err := e.fsm.Record(ctx, executionID, from, to); err != nil {
		e.logger.WarnContext(ctx, "failed to record transition event", "error", err.Error())
	}
	return nil
}

// failRow moves the row to failed with the given error detail. Failures to
// fail are logged, not propagated: the original error matters more.
func (e *Engine) failRow(ctx context.Context, executionID string, from schema.ExecutionStatus, execErr *schema.ExecutionError) {
	e.failRowWithDuration(ctx, executionID, from, execErr, 0)
}

func (e *Engine) failRowWithDuration(ctx context.Context, executionID string, from schema.ExecutionStatus, execErr *schema.ExecutionError, durationMs int64) {
	status := schema.ExecutionFailed
	if err := e.fsm.Guard(executionID, from, status); err != nil {
		e.logger.ErrorContext(ctx, "failed to record failure transition", "error", err.Error())
		return
	}
	update := store.ExecutionUpdate{Status: &status, Error: execErr, ExpectStatus: &from}
	if durationMs > 0 {
		update.DurationMs = &durationMs
	}
	if err := e.store.UpdateExecution(ctx, executionID, update); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			e.logger.InfoContext(ctx, "execution cancelled while in flight, discarding failure",
				"execution_id", executionID)
			return
		}
		e.logger.ErrorContext(ctx, "failed to persist failure", "error", err.Error())
		return
	}
	if err := e.fsm.Record(ctx, executionID, from, status); err != nil {
		e.logger.WarnContext(ctx, "failed to record failure event", "error", err.Error())
	}
}

func (e *Engine) count(tenant schema.TenantContext, tool *schema.Tool, action *schema.Action, status string) {
	e.metrics.Count("executions_total", metrics.Labels{
		OrgID:  tenant.OrgID,
		Tool:   tool.Key,
		Action: action.Key,
		Status: status,
	})
}
