// Package mcp exposes the action engine to agents over the Model Context
// Protocol. Six tools cover the execution surface: execute, execute_by_id,
// status, executions, cancel, and retry.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/schema"
)

// ExecutionService is the engine surface the MCP server dispatches to.
// Satisfied by *engine.Engine.
type ExecutionService interface {
	ExecuteAction(ctx context.Context, tenant schema.TenantContext, actionKey string, inputs map[string]any) (*schema.ExecutionResult, error)
	ExecuteActionByID(ctx context.Context, tenant schema.TenantContext, actionID string, inputs map[string]any) (*schema.ExecutionResult, error)
	GetExecutionStatus(ctx context.Context, tenant schema.TenantContext, executionID string) (*store.ExecutionRecord, error)
	ListExecutions(ctx context.Context, tenant schema.TenantContext, actionKey string, status schema.ExecutionStatus, limit int) ([]*store.ExecutionRecord, error)
	CancelExecution(ctx context.Context, tenant schema.TenantContext, executionID string) (*store.ExecutionRecord, error)
	RetryExecution(ctx context.Context, tenant schema.TenantContext, executionID string) (*schema.ExecutionResult, error)
}

// ToolrunServerDeps holds the dependencies for creating a ToolrunServer.
type ToolrunServerDeps struct {
	Service ExecutionService
	Logger  *slog.Logger
}

// ToolrunServer wraps an MCP server with the engine's tool handlers.
type ToolrunServer struct {
	service   ExecutionService
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewToolrunServer creates a ToolrunServer with all 6 tools registered.
func NewToolrunServer(deps ToolrunServerDeps) *ToolrunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ToolrunServer{
		service: deps.Service,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"toolrun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Toolrun executes catalogued HTTP actions with validated inputs and injected credentials. Use toolrun.execute to run an action by key, toolrun.status and toolrun.executions to inspect the execution log, toolrun.cancel to cancel a pending or running execution, and toolrun.retry to replay a failed one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ToolrunServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ToolrunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *ToolrunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: executeByIDTool(), Handler: s.handleExecuteByID},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: retryTool(), Handler: s.handleRetry},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("toolrun.execute",
		mcp.WithDescription("Execute a catalogued action by its key"),
		mcp.WithString("action_key", mcp.Required(), mcp.Description("Key of the action to execute")),
		mcp.WithObject("inputs", mcp.Description("Input parameters for the action")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the call executes within")),
		mcp.WithString("user_id", mcp.Description("User the call executes on behalf of")),
	)
}

func executeByIDTool() mcp.Tool {
	return mcp.NewTool("toolrun.execute_by_id",
		mcp.WithDescription("Execute a catalogued action by its id"),
		mcp.WithString("action_id", mcp.Required(), mcp.Description("ID of the action to execute")),
		mcp.WithObject("inputs", mcp.Description("Input parameters for the action")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the call executes within")),
		mcp.WithString("user_id", mcp.Description("User the call executes on behalf of")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("toolrun.status",
		mcp.WithDescription("Get the status of an execution, including outputs and error detail"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the execution belongs to")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("toolrun.executions",
		mcp.WithDescription("List executions, most recent first"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to list executions for")),
		mcp.WithString("action_key", mcp.Description("Only executions of this action")),
		mcp.WithString("status", mcp.Description("Only executions in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default 100)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("toolrun.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the execution belongs to")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("toolrun.retry",
		mcp.WithDescription("Retry a failed or cancelled execution with its original inputs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to retry")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the execution belongs to")),
	)
}
