package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolrun/toolrun/pkg/schema"
)

// tenantFromRequest builds the tenant scope from the request arguments.
// org_id is required on every tool.
func tenantFromRequest(req mcp.CallToolRequest) (schema.TenantContext, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return schema.TenantContext{}, fmt.Errorf("org_id is required")
	}
	return schema.TenantContext{
		OrgID:  orgID,
		UserID: req.GetString("user_id", ""),
	}, nil
}

// handleExecute runs an action by key.
func (s *ToolrunServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionKey, err := req.RequireString("action_key")
	if err != nil {
		return mcp.NewToolResultError("action_key is required"), nil
	}
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	result, execErr := s.service.ExecuteAction(ctx, tenant, actionKey, inputs)
	if execErr != nil {
		return executionError(execErr), nil
	}
	return marshalResult(result)
}

// handleExecuteByID runs an action by id.
func (s *ToolrunServer) handleExecuteByID(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actionID, err := req.RequireString("action_id")
	if err != nil {
		return mcp.NewToolResultError("action_id is required"), nil
	}
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	result, execErr := s.service.ExecuteActionByID(ctx, tenant, actionID, inputs)
	if execErr != nil {
		return executionError(execErr), nil
	}
	return marshalResult(result)
}

// handleStatus returns one execution row.
func (s *ToolrunServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, getErr := s.service.GetExecutionStatus(ctx, tenant, executionID)
	if getErr != nil {
		return executionError(getErr), nil
	}
	return marshalResult(rec)
}

// handleExecutions lists execution rows for the org.
func (s *ToolrunServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actionKey := req.GetString("action_key", "")
	status := schema.ExecutionStatus(req.GetString("status", ""))
	// Zero falls through to the engine's default page size.
	limit := extractInt(req.GetArguments(), "limit", 0)

	recs, listErr := s.service.ListExecutions(ctx, tenant, actionKey, status, limit)
	if listErr != nil {
		return executionError(listErr), nil
	}
	return marshalResult(map[string]any{"executions": recs})
}

// handleCancel cancels a pending or running execution.
func (s *ToolrunServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, cancelErr := s.service.CancelExecution(ctx, tenant, executionID)
	if cancelErr != nil {
		return executionError(cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": rec.ID,
		"status":       rec.Status,
	})
}

// handleRetry replays a failed or cancelled execution.
func (s *ToolrunServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	tenant, err := tenantFromRequest(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, retryErr := s.service.RetryExecution(ctx, tenant, executionID)
	if retryErr != nil {
		return executionError(retryErr), nil
	}
	return marshalResult(result)
}

// --- Internal helpers ---

// executionError renders an engine error as a tool error result. Typed
// errors keep their code and execution id so the agent can follow up with
// toolrun.status or toolrun.retry.
func executionError(err error) *mcp.CallToolResult {
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		payload := map[string]any{
			"code":    ee.Code,
			"message": ee.Message,
		}
		if ee.ExecutionID != "" {
			payload["execution_id"] = ee.ExecutionID
		}
		if ee.StatusCode != 0 {
			payload["status_code"] = ee.StatusCode
		}
		if ee.Details != nil {
			payload["details"] = ee.Details
		}
		if data, mErr := json.Marshal(payload); mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt safely extracts an integer from an arguments map.
func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
