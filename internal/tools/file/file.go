// Package file implements the workspace file tools: list_files, read_file and write_file.
//
// All paths are relative to the sandbox workspace. Writes land on the host and
// are then copied into the live container; a failed copy is reported in the
// result metadata, not as a tool error.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/agentbench/internal/container"
	"github.com/jkaninda/agentbench/internal/tools"
	"github.com/jkaninda/agentbench/internal/workspace"
)

// requireString extracts a required string param. Empty strings are allowed
// only when allowEmpty is set (writing an empty file is legitimate).
func requireString(params map[string]any, key string, allowEmpty bool) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" && !allowEmpty {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// ---- ListTool ----

// ListTool lists the workspace files.
type ListTool struct {
	ws *workspace.Workspace
}

// NewListTool creates the list_files tool.
func NewListTool(ws *workspace.Workspace) *ListTool {
	return &ListTool{ws: ws}
}

func (t *ListTool) Name() string { return "list_files" }
func (t *ListTool) Description() string {
	return "List all files in the project workspace, as paths relative to the workspace root. " +
		"Dependency and VCS directories (node_modules, .git, ...) are omitted."
}
func (t *ListTool) InputSchema() map[string]any      { return tools.ObjectSchema(nil) }
func (t *ListTool) Validate(_ map[string]any) error { return nil }

func (t *ListTool) Execute(_ context.Context, _ map[string]any) (*tools.Result, error) {
	files, err := t.ws.List()
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:   strings.Join(files, "\n"),
		Success:  true,
		Metadata: map[string]any{"count": len(files)},
	}, nil
}

// ---- ReadTool ----

// ReadTool reads a workspace file.
type ReadTool struct {
	ws *workspace.Workspace
}

// NewReadTool creates the read_file tool.
func NewReadTool(ws *workspace.Workspace) *ReadTool {
	return &ReadTool{ws: ws}
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read the content of a file in the project workspace" }
func (t *ReadTool) InputSchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "File path relative to the workspace root"},
	}, "path")
}

func (t *ReadTool) Validate(params map[string]any) error {
	_, err := requireString(params, "path", false)
	return err
}

// Execute returns the file text. A missing file yields a successful result
// holding the "Error: <path> not found" text so the model can react to it.
func (t *ReadTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	path, err := requireString(params, "path", false)
	if err != nil {
		return nil, err
	}
	content, err := t.ws.Read(path)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(content, tools.MaxOutputBytes),
		Success: content != workspace.NotFound(path),
	}, nil
}

// ---- WriteTool ----

// WriteTool writes a workspace file and syncs it into the container.
type WriteTool struct {
	ws        *workspace.Workspace
	container tools.ContainerResolver
	logger    *slog.Logger
}

// NewWriteTool creates the write_file tool. resolver may be nil for host-only writes.
func NewWriteTool(ws *workspace.Workspace, resolver tools.ContainerResolver, logger *slog.Logger) *WriteTool {
	return &WriteTool{ws: ws, container: resolver, logger: logger}
}

func (t *WriteTool) Name() string { return "write_file" }
func (t *WriteTool) Description() string {
	return "Create or overwrite a file in the project workspace. Parent directories are created as needed."
}
func (t *WriteTool) InputSchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "File path relative to the workspace root"},
		"content": map[string]any{"type": "string", "description": "Full file content"},
	}, "path", "content")
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := requireString(params, "path", false); err != nil {
		return err
	}
	_, err := requireString(params, "content", true)
	return err
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	path, err := requireString(params, "path", false)
	if err != nil {
		return nil, err
	}
	content, err := requireString(params, "content", true)
	if err != nil {
		return nil, err
	}

	h := t.lookup(ctx)
	res, err := t.ws.Write(ctx, h, path, content)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{"path": res.Path, "bytes": res.Bytes, "synced": res.Synced}
	if res.SyncError != "" {
		meta["sync_error"] = res.SyncError
	}
	return &tools.Result{Output: "ok", Success: true, Metadata: meta}, nil
}

func (t *WriteTool) lookup(ctx context.Context) *container.Handle {
	if t.container == nil {
		return nil
	}
	h, err := t.container.Lookup(ctx)
	if err != nil {
		t.logger.DebugContext(ctx, "write_file without live container", slog.String("error", err.Error()))
		return nil
	}
	return h
}
