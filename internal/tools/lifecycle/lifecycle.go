// Package lifecycle implements the container management tools:
// setup_container, terminate_container and get_container_logs.
//
// Failures of setup_container and terminate_container are wrapped with
// tools.ErrFatal: the task cannot continue on a half-built sandbox.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/tools"
)

// Register adds the three lifecycle tools backed by m to reg.
func Register(reg *tools.Registry, m *container.Manager) {
	reg.Register(NewSetupTool(m))
	reg.Register(NewTerminateTool(m))
	reg.Register(NewLogsTool(m))
}

// SetupTool resets the sandbox container.
type SetupTool struct{ manager *container.Manager }

func NewSetupTool(m *container.Manager) *SetupTool { return &SetupTool{manager: m} }

func (t *SetupTool) Name() string { return "setup_container" }
func (t *SetupTool) Description() string {
	return "Create a fresh sandbox container with an empty workspace, replacing any existing one"
}
func (t *SetupTool) InputSchema() map[string]any      { return tools.ObjectSchema(nil) }
func (t *SetupTool) Validate(_ map[string]any) error { return nil }

func (t *SetupTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	h, err := t.manager.Reset(ctx)
	if err != nil {
		return nil, tools.Fatal(err)
	}
	cfg := t.manager.Config()
	return &tools.Result{
		Output:  fmt.Sprintf("container %s (%s) running image %s, workspace mounted at %s", h.Name, h.ShortID(), cfg.Image, cfg.WorkDir),
		Success: true,
		Metadata: map[string]any{
			"container_id": h.ID,
			"image":        cfg.Image,
		},
	}, nil
}

// TerminateTool removes the sandbox container.
type TerminateTool struct{ manager *container.Manager }

func NewTerminateTool(m *container.Manager) *TerminateTool { return &TerminateTool{manager: m} }

func (t *TerminateTool) Name() string { return "terminate_container" }
func (t *TerminateTool) Description() string {
	return "Remove the sandbox container. The workspace files are kept."
}
func (t *TerminateTool) InputSchema() map[string]any      { return tools.ObjectSchema(nil) }
func (t *TerminateTool) Validate(_ map[string]any) error { return nil }

func (t *TerminateTool) Execute(ctx context.Context, _ map[string]any) (*tools.Result, error) {
	removed, err := t.manager.Terminate(ctx)
	if err != nil {
		return nil, tools.Fatal(err)
	}
	out := "nothing to remove"
	if removed {
		out = "removed " + t.manager.Config().Name
	}
	return &tools.Result{Output: out, Success: true, Metadata: map[string]any{"removed": removed}}, nil
}

// LogsTool returns the tail of the container's output.
type LogsTool struct{ manager *container.Manager }

func NewLogsTool(m *container.Manager) *LogsTool { return &LogsTool{manager: m} }

func (t *LogsTool) Name() string { return "get_container_logs" }
func (t *LogsTool) Description() string {
	return "Return the last lines of the sandbox container's output, including output of commands " +
		"still running in the background"
}
func (t *LogsTool) InputSchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"tail_lines": map[string]any{
			"type":        "integer",
			"description": "Number of lines to return",
			"default":     container.DefaultLogTail,
		},
	})
}

func (t *LogsTool) Validate(params map[string]any) error {
	if n := tools.IntParam(params, "tail_lines", container.DefaultLogTail); n <= 0 {
		return fmt.Errorf("tail_lines must be positive, got %d", n)
	}
	return nil
}

func (t *LogsTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	h, err := t.manager.Lookup(ctx)
	if err != nil {
		return nil, err
	}
	logs, err := t.manager.Logs(ctx, h, tools.IntParam(params, "tail_lines", container.DefaultLogTail))
	if err != nil {
		return nil, err
	}
	return &tools.Result{Output: tools.TruncateOutput(logs, tools.MaxOutputBytes), Success: true}, nil
}
