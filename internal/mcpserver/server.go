// Package mcpserver exposes the runtime to agents as Model Context Protocol
// tools.
package mcpserver

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/abhogle/leadops-os-sub001/internal/taskqueue"
	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// Runtime is what the tools call. *engine.Runtime implements it.
type Runtime interface {
	StartWorkflow(ctx context.Context, definitionID, subjectRef string, initial map[string]any) (string, error)
	CancelWorkflow(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, executionID string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error)
	ListDefinitions(ctx context.Context) ([]*api.Definition, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]taskqueue.Job, error)
	Redrive(ctx context.Context, queue, jobID string) error
}

// Server wraps an MCP server with the leadflow tool handlers.
type Server struct {
	runtime   Runtime
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// New creates a Server with every tool registered.
func New(rt Runtime, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{runtime: rt, logger: logger}

	mcpSrv := server.NewMCPServer(
		"leadflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("leadflow runs durable lead-engagement workflows. Use leadflow.start to start a workflow for a lead, "+
			"leadflow.status and leadflow.steps to follow it, leadflow.cancel to stop it, and leadflow.dead_letters with "+
			"leadflow.redrive to inspect and retry jobs that exhausted their retries."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns a streamable HTTP transport for mounting next to the
// REST API.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: stepsTool(), Handler: s.handleSteps},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: definitionsTool(), Handler: s.handleDefinitions},
		{Tool: deadLettersTool(), Handler: s.handleDeadLetters},
		{Tool: redriveTool(), Handler: s.handleRedrive},
	}
}

func startTool() mcp.Tool {
	return mcp.NewTool("leadflow.start",
		mcp.WithDescription("Start a workflow execution for a subject"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition; its latest active version is used")),
		mcp.WithString("subject_ref", mcp.Required(), mcp.Description("Reference to the lead or conversation the execution is about")),
		mcp.WithObject("context", mcp.Description("Initial execution context")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("leadflow.cancel",
		mcp.WithDescription("Cancel a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required()),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("leadflow.status",
		mcp.WithDescription("Get an execution's status, current node and context"),
		mcp.WithString("execution_id", mcp.Required()),
	)
}

func stepsTool() mcp.Tool {
	return mcp.NewTool("leadflow.steps",
		mcp.WithDescription("List the step log of an execution in the order the steps were recorded"),
		mcp.WithString("execution_id", mcp.Required()),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("leadflow.executions",
		mcp.WithDescription("List executions"),
		mcp.WithString("definition_id", mcp.Description("Only executions of this definition")),
		mcp.WithString("subject_ref", mcp.Description("Only executions for this subject")),
		mcp.WithString("status",
			mcp.Enum(string(api.StatusRunning), string(api.StatusWaiting), string(api.StatusCompleted),
				string(api.StatusFailed), string(api.StatusCancelled)),
			mcp.Description("Only executions in this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func definitionsTool() mcp.Tool {
	return mcp.NewTool("leadflow.definitions",
		mcp.WithDescription("List workflow definitions"),
	)
}

func deadLettersTool() mcp.Tool {
	return mcp.NewTool("leadflow.dead_letters",
		mcp.WithDescription("List jobs that were dead-lettered"),
		mcp.WithString("queue", mcp.Required(), mcp.Enum(taskqueue.QueueImmediate, taskqueue.QueueDelayed)),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	)
}

func redriveTool() mcp.Tool {
	return mcp.NewTool("leadflow.redrive",
		mcp.WithDescription("Make a dead-lettered job claimable again"),
		mcp.WithString("queue", mcp.Required(), mcp.Enum(taskqueue.QueueImmediate, taskqueue.QueueDelayed)),
		mcp.WithString("job_id", mcp.Required()),
	)
}
