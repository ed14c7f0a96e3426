// Package shell implements the exec tool: a shell command run inside the live
// sandbox container through the sandbox executor.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/sandbox"
	"github.com/jkaninda/agentbench/internal/tools"
)

// maxTimeoutSeconds bounds the per-call timeout a model may ask for.
const maxTimeoutSeconds = 600

// Tool executes shell commands inside the sandbox container.
type Tool struct {
	executor  sandbox.Sandbox
	container tools.ContainerResolver
	logger    *slog.Logger
}

// NewTool creates the exec tool.
func NewTool(ex sandbox.Sandbox, resolver tools.ContainerResolver, logger *slog.Logger) *Tool {
	return &Tool{
		executor:  ex,
		container: resolver,
		logger:    logger,
	}
}

func (t *Tool) Name() string { return "exec" }

// Description warns the model that the command is passed to sh verbatim.
func (t *Tool) Description() string {
	return "Execute a shell command in the sandbox container's project directory and return its combined " +
		"stdout and stderr. The command is passed to sh -c as is. Commands still running after the " +
		"timeout (e.g. a started server) keep running in the background; use get_container_logs to check on them."
}

func (t *Tool) InputSchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"command": map[string]any{"type": "string", "description": "The shell command to execute"},
		"timeout_seconds": map[string]any{
			"type":        "integer",
			"description": "Seconds to wait for output before returning (default 30)",
		},
	}, "command")
}

// Validate checks that required params are present and well-formed.
func (t *Tool) Validate(params map[string]any) error {
	if _, err := requireString(params, "command"); err != nil {
		return err
	}
	if _, ok := params["timeout_seconds"]; ok {
		secs := tools.IntParam(params, "timeout_seconds", 0)
		if secs <= 0 || secs > maxTimeoutSeconds {
			return fmt.Errorf("timeout_seconds must be between 1 and %d", maxTimeoutSeconds)
		}
	}
	return nil
}

// Execute runs the command through the executor.
//
// Required params:
//
//	"command" (string): the shell command to execute
//
// Optional params:
//
//	"timeout_seconds" (integer): overrides the executor default
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}

	h, err := t.container.Lookup(ctx)
	if err != nil {
		return nil, err
	}

	req := sandbox.ExecutionRequest{Command: command}
	if secs := tools.IntParam(params, "timeout_seconds", 0); secs > 0 {
		req.Timeout = time.Duration(secs) * time.Second
	}

	t.logger.InfoContext(ctx, "exec tool executing",
		slog.String("command", command),
		slog.String("container", h.Name),
	)

	result, err := t.executor.Execute(ctx, h, req)
	if err != nil {
		if errors.Is(err, container.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}

	return &tools.Result{
		Output:  result.Output,
		Success: true,
		Metadata: map[string]any{
			"timed_out": result.TimedOut,
			"truncated": result.Truncated,
			"duration":  result.Duration.String(),
		},
	}, nil
}

// requireString extracts a required string parameter.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}
