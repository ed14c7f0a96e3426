package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

func TestGetTask(t *testing.T) {
	store, err := tasks.Load("")
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	reg.Register(NewTool(store))

	res, err := reg.Dispatch(context.Background(), "get_task", map[string]any{"task_number": float64(1)})
	if err != nil {
		t.Fatal(err)
	}
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(res.Output), &msgs); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" || msgs[1].Content == "" {
		t.Errorf("messages = %+v", msgs)
	}

	_, err = reg.Dispatch(context.Background(), "get_task", map[string]any{"task_number": float64(store.Len() + 1)})
	if !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, err := reg.Dispatch(context.Background(), "get_task", map[string]any{"task_number": float64(0)}); !errors.Is(err, tools.ErrInvalidParams) {
		t.Errorf("zero: err = %v", err)
	}
}
