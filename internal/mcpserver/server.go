// Package mcpserver exposes the sandbox tool registry and the task prompts
// over the Model Context Protocol.
//
// Every tool in the registry becomes an MCP tool with the same name and input
// schema. Two prompts, get_system_prompt and get_user_prompt, return the
// prompts of a task by number. Tool calls are serialized: the sandbox is a
// single container and concurrent clients must not interleave on it.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

const (
	ServerName = "agentbench"

	PromptSystem = "get_system_prompt"
	PromptUser   = "get_user_prompt"

	taskNumberArg = "task_number"
)

// Server wraps an MCP server bound to a tool registry and a task store.
type Server struct {
	mcp      *server.MCPServer
	registry *tools.Registry
	tasks    *tasks.Store
	logger   *slog.Logger
	obs      *observability.Observability

	mu sync.Locker // held for the duration of each tool call
}

// New builds the MCP server. Tools are read from registry once; tools
// registered later are not exposed.
func New(registry *tools.Registry, store *tasks.Store, version string, logger *slog.Logger) (*Server, error) {
	s := &Server{
		registry: registry,
		tasks:    store,
		logger:   logger,
		mu:       &sync.Mutex{},
	}
	s.mcp = server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
	)

	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema of %s: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.toolHandler(t.Name()))
	}

	if store != nil {
		s.mcp.AddPrompt(taskPrompt(PromptSystem, "System prompt of a benchmark task"), s.promptHandler(func(t *tasks.Task) string { return t.System }))
		s.mcp.AddPrompt(taskPrompt(PromptUser, "User prompt of a benchmark task"), s.promptHandler(func(t *tasks.Task) string { return t.User }))
	}
	return s, nil
}

// WithObservability attaches observability (metrics).
func (s *Server) WithObservability(obs *observability.Observability) *Server {
	s.obs = obs
	return s
}

// WithLock replaces the tool call lock. Share it with anything else that
// drives the same sandbox, such as agent.Bench.WithLock.
func (s *Server) WithLock(l sync.Locker) *Server {
	if l != nil {
		s.mu = l
	}
	return s
}

// MCP returns the underlying mcp-go server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Handler returns a streamable HTTP handler serving MCP at path.
func (s *Server) Handler(path string) http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path))
}

// ServeStdio serves MCP over in and out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		start := time.Now()
		res, err := s.registry.Dispatch(ctx, name, req.GetArguments())
		if err != nil {
			s.logger.WarnContext(ctx, "mcp tool call failed",
				slog.String("tool", name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			s.obs.AnomalyOrNil().RecordError("mcp_" + name)
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.obs.AnomalyOrNil().RecordSuccess("mcp_" + name)
		s.logger.DebugContext(ctx, "mcp tool call",
			slog.String("tool", name),
			slog.Duration("duration", time.Since(start)),
		)
		return mcp.NewToolResultText(res.Output), nil
	}
}

func taskPrompt(name, description string) mcp.Prompt {
	return mcp.NewPrompt(name,
		mcp.WithPromptDescription(description),
		mcp.WithArgument(taskNumberArg,
			mcp.ArgumentDescription("1-based task number"),
			mcp.RequiredArgument(),
		),
	)
}

func (s *Server) promptHandler(text func(*tasks.Task) string) server.PromptHandlerFunc {
	return func(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		raw := req.Params.Arguments[taskNumberArg]
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer, got %q", taskNumberArg, raw)
		}
		task, err := s.tasks.Get(n)
		if err != nil {
			return nil, err
		}
		return mcp.NewGetPromptResult(task.Title, []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text(task))),
		}), nil
	}
}
