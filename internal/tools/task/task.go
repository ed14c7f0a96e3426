// Package task implements the get_task tool.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

// Tool returns a task's seed messages.
type Tool struct {
	store *tasks.Store
}

// NewTool creates the get_task tool.
func NewTool(store *tasks.Store) *Tool { return &Tool{store: store} }

func (t *Tool) Name() string { return "get_task" }
func (t *Tool) Description() string {
	return "Return the system and user messages of a benchmark task as a JSON array"
}
func (t *Tool) InputSchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"task_number": map[string]any{"type": "integer", "description": "1-based task number"},
	}, "task_number")
}

func (t *Tool) Validate(params map[string]any) error {
	if n := tools.IntParam(params, "task_number", 0); n < 1 {
		return fmt.Errorf("task_number must be >= 1, got %d", n)
	}
	return nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (t *Tool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	task, err := t.store.Get(tools.IntParam(params, "task_number", 0))
	if err != nil {
		return nil, err
	}
	msgs := task.Messages()
	out := make([]message, len(msgs))
	for i, m := range msgs {
		out[i] = message{Role: string(m.Role), Content: m.Content}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Output:   string(data),
		Success:  true,
		Metadata: map[string]any{"id": task.ID, "title": task.Title},
	}, nil
}
