// Package agent drives a model through a benchmark task. Loop is the tool
// dispatch state machine for a single run; Bench sequences runs against the
// shared sandbox, verifies them and records the results.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/tasks"
)

// Runner executes one task end to end. *Loop implements it.
type Runner interface {
	Run(ctx context.Context, task *tasks.Task) (*RunResult, error)
}

// State is the dispatch loop state.
type State string

const (
	StateRunning          State = "RUNNING"
	StateForcedCompletion State = "FORCED_COMPLETION"
	StateDone             State = "DONE"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone          Outcome = "done"
	OutcomeMaxIterations Outcome = "max_iterations"
	OutcomeError         Outcome = "error"
)

const (
	// DefaultMaxIterations is the safety guard against infinite tool-use loops.
	DefaultMaxIterations = 25

	// DefaultSeed and DefaultTemperature pin sampling for reproducible runs.
	DefaultSeed        = 2222
	DefaultTemperature = 0.0

	// DefaultForcedMessage is sent when the model stops calling tools.
	DefaultForcedMessage = "run the server"

	// DefaultSetupTool prepares a fresh container before the first model call.
	DefaultSetupTool = "setup_container"

	// execTool is dispatched directly by the exec forced-completion variant.
	execTool = "exec"
)

// DefaultAgentTools is the tool subset exposed to the model.
var DefaultAgentTools = []string{"list_files", "read_file", "write_file", "exec", "get_container_logs"}

// ToolCallResult summarizes a single tool execution within a run.
type ToolCallResult struct {
	ToolName  string        `json:"tool_name"`
	ToolUseID string        `json:"tool_use_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunResult is the record of one run. It is returned even when the run
// aborts, so the partial transcript can be persisted.
type RunResult struct {
	RunID      uuid.UUID        `json:"run_id"`
	TaskNumber int              `json:"task_number"`
	TaskID     string           `json:"task_id"`
	State      State            `json:"state"`
	Outcome    Outcome          `json:"outcome"`
	ModelCalls int              `json:"model_calls"`
	ToolCalls  []ToolCallResult `json:"tool_calls"`
	TokensUsed int              `json:"tokens_used"`
	FinalText  string           `json:"final_text,omitempty"` // last assistant text seen
	Error      string           `json:"error,omitempty"`
	Transcript []llm.Message    `json:"transcript"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FailedToolCalls counts tool calls that returned an error or an unsuccessful result.
func (r *RunResult) FailedToolCalls() int {
	n := 0
	for _, c := range r.ToolCalls {
		if !c.Success {
			n++
		}
	}
	return n
}
