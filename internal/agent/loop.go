package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

// Loop runs the tool dispatch state machine for one task:
//
//	RUNNING           model called with the transcript; tool calls are dispatched
//	                  in order and their results appended. A reply without tool
//	                  calls moves on to FORCED_COMPLETION.
//	FORCED_COMPLETION the forced message is appended and one more step runs
//	                  (or the exec command is dispatched directly).
//	DONE              terminal.
//
// RUNNING steps are bounded by maxIterations; hitting the bound ends the run
// with OutcomeMaxIterations and no forced step.
type Loop struct {
	provider      llm.Provider
	registry      *tools.Registry              // every tool, used for setup and the exec fallback
	agentTools    []string                     // nil = every registered tool
	logger        *slog.Logger
	obs           *observability.Observability // nil = observability disabled
	maxIterations int                          // 0 = DefaultMaxIterations
	maxTokens     int                          // 0 = provider default
	seed          *int
	temperature   *float64
	forcedMessage string
	forcedExec    string // non-empty = run this via exec instead of asking the model
	setupTool     string // "" = no setup before the first step
}

// NewLoop creates a loop with the default sampling, forced message and setup tool.
func NewLoop(provider llm.Provider, registry *tools.Registry, logger *slog.Logger) *Loop {
	return &Loop{
		provider:      provider,
		registry:      registry,
		logger:        logger,
		seed:          llm.Int(DefaultSeed),
		temperature:   llm.Float(DefaultTemperature),
		forcedMessage: DefaultForcedMessage,
		setupTool:     DefaultSetupTool,
	}
}

// WithObservability attaches observability (metrics, tracing).
func (l *Loop) WithObservability(obs *observability.Observability) *Loop {
	l.obs = obs
	return l
}

// WithMaxIterations sets the maximum number of RUNNING steps.
func (l *Loop) WithMaxIterations(n int) *Loop {
	l.maxIterations = n
	return l
}

// WithMaxTokens caps the completion length of each model call.
func (l *Loop) WithMaxTokens(n int) *Loop {
	l.maxTokens = n
	return l
}

// WithSampling pins the seed and temperature sent with every model call.
func (l *Loop) WithSampling(seed int, temperature float64) *Loop {
	l.seed = llm.Int(seed)
	l.temperature = llm.Float(temperature)
	return l
}

// WithAgentTools restricts the tools offered to the model.
func (l *Loop) WithAgentTools(names ...string) *Loop {
	l.agentTools = names
	return l
}

// WithForcedCompletion sets the message sent when the model stops calling
// tools. A non-empty execCommand is dispatched through the exec tool instead.
func (l *Loop) WithForcedCompletion(message, execCommand string) *Loop {
	if message != "" {
		l.forcedMessage = message
	}
	l.forcedExec = execCommand
	return l
}

// WithSetup names the tool dispatched before the first step. Empty disables setup.
func (l *Loop) WithSetup(toolName string) *Loop {
	l.setupTool = toolName
	return l
}

// Run executes task. Provider errors and fatal tool errors abort the run; the
// partial result is returned alongside the error.
func (l *Loop) Run(ctx context.Context, task *tasks.Task) (*RunResult, error) {
	res := &RunResult{
		RunID:      uuid.New(),
		TaskNumber: task.Number,
		TaskID:     task.ID,
		State:      StateRunning,
		Transcript: task.Messages(),
		StartedAt:  time.Now().UTC(),
	}

	ctx, span := l.obs.TracerOrNil().StartSpan(ctx, observability.SpanRun,
		attribute.String("task", task.ID),
		attribute.String("run_id", res.RunID.String()),
	)
	defer func() {
		span.SetAttributes(
			attribute.String("run.state", string(res.State)),
			attribute.String("run.outcome", string(res.Outcome)),
			attribute.Int("run.model_calls", res.ModelCalls),
		)
		span.End()
	}()

	log := l.logger.With(
		slog.String("run_id", res.RunID.String()),
		slog.String("task", task.ID),
	)
	log.InfoContext(ctx, "run started", slog.String("provider", l.provider.Name()))

	if err := l.setup(ctx, log); err != nil {
		return l.abort(ctx, log, res, err)
	}

	agentReg := l.registry
	if l.agentTools != nil {
		agentReg = l.registry.Subset(l.agentTools...)
	}
	toolDefs := tools.ToLLMDefinitions(agentReg)

	maxIter := l.maxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	steps := 0
	for res.State != StateDone {
		if res.State == StateRunning && steps >= maxIter {
			log.WarnContext(ctx, "max tool-use iterations reached", slog.Int("max_iterations", maxIter))
			res.Outcome = OutcomeMaxIterations
			res.State = StateDone
			break
		}
		steps++

		resp, err := l.step(ctx, res, toolDefs)
		if err != nil {
			return l.abort(ctx, log, res, fmt.Errorf("llm request failed: %w", err))
		}

		if calls := resp.ToolUseBlocks(); len(calls) > 0 {
			log.InfoContext(ctx, "executing tool calls",
				slog.Int("iteration", steps),
				slog.Int("tool_calls", len(calls)),
				slog.String("state", string(res.State)),
			)
			if err := l.dispatch(ctx, agentReg, res, calls); err != nil {
				return l.abort(ctx, log, res, err)
			}
			if res.State == StateForcedCompletion {
				res.State = StateDone
			}
			continue
		}

		if res.State == StateForcedCompletion {
			res.State = StateDone
			continue
		}

		res.State = StateForcedCompletion
		if l.forcedExec != "" {
			log.InfoContext(ctx, "model stopped calling tools, running command", slog.String("command", l.forcedExec))
			call := llm.ToolUseBlock("call_"+uuid.NewString(), execTool, map[string]any{"command": l.forcedExec})
			if err := l.dispatch(ctx, l.registry, res, []llm.ContentBlock{call}); err != nil {
				return l.abort(ctx, log, res, err)
			}
			res.State = StateDone
			continue
		}
		log.InfoContext(ctx, "model stopped calling tools, forcing completion")
		res.Transcript = append(res.Transcript, llm.Message{Role: llm.RoleUser, Content: l.forcedMessage})
	}

	if res.Outcome == "" {
		res.Outcome = OutcomeDone
	}
	l.finish(res)
	log.InfoContext(ctx, "run finished",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("model_calls", res.ModelCalls),
		slog.Int("tool_calls", len(res.ToolCalls)),
		slog.Duration("duration", res.Duration()),
	)
	return res, nil
}

// setup dispatches the setup tool, if configured and registered. Any failure is fatal.
func (l *Loop) setup(ctx context.Context, log *slog.Logger) error {
	if l.setupTool == "" || l.registry.Get(l.setupTool) == nil {
		return nil
	}
	out, err := l.registry.Dispatch(ctx, l.setupTool, nil)
	if err != nil {
		if errors.Is(err, tools.ErrFatal) {
			return fmt.Errorf("%s: %w", l.setupTool, err)
		}
		return tools.Fatal(fmt.Errorf("%s: %w", l.setupTool, err))
	}
	log.InfoContext(ctx, "workspace initialized", slog.String("result", out.Output))
	return nil
}

// step sends the transcript to the model and appends its reply.
func (l *Loop) step(ctx context.Context, res *RunResult, toolDefs []llm.ToolDefinition) (*llm.Response, error) {
	resp, err := l.provider.SendMessage(ctx, &llm.Request{
		Messages:    res.Transcript,
		Tools:       toolDefs,
		MaxTokens:   l.maxTokens,
		Seed:        l.seed,
		Temperature: l.temperature,
	})
	res.ModelCalls++
	if err != nil {
		return nil, err
	}

	res.TokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens
	if resp.Content != "" {
		res.FinalText = resp.Content
	}
	msg := llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks}
	if len(msg.ContentBlocks) == 0 {
		msg.Content = resp.Content
	}
	res.Transcript = append(res.Transcript, msg)
	return resp, nil
}

// dispatch runs calls in order and appends one tool message per call.
// Errors go back to the model as "Error: ..." results, except ErrFatal,
// which stops dispatching and is returned.
func (l *Loop) dispatch(ctx context.Context, reg *tools.Registry, res *RunResult, calls []llm.ContentBlock) error {
	for _, call := range calls {
		start := time.Now()
		out, err := reg.Dispatch(ctx, call.Name, call.Input)
		rec := ToolCallResult{
			ToolName:  call.Name,
			ToolUseID: call.ID,
			Duration:  time.Since(start),
		}

		var content string
		isError := err != nil
		if err != nil {
			rec.Error = err.Error()
			content = fmt.Sprintf("Error: %s", err.Error())
		} else {
			rec.Success = out.Success
			content = tools.TruncateOutput(out.Output, tools.MaxOutputBytes)
		}
		res.ToolCalls = append(res.ToolCalls, rec)
		res.Transcript = append(res.Transcript, llm.Message{
			Role:          llm.RoleTool,
			ContentBlocks: []llm.ContentBlock{llm.ToolResultBlock(call.ID, content, isError)},
		})

		if errors.Is(err, tools.ErrFatal) {
			return fmt.Errorf("tool %s: %w", call.Name, err)
		}
		if err != nil {
			l.logger.WarnContext(ctx, "tool call failed",
				slog.String("tool", call.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (l *Loop) abort(ctx context.Context, log *slog.Logger, res *RunResult, err error) (*RunResult, error) {
	res.Outcome = OutcomeError
	res.Error = err.Error()
	l.finish(res)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	log.ErrorContext(ctx, "run aborted",
		slog.String("state", string(res.State)),
		slog.Int("model_calls", res.ModelCalls),
		slog.String("error", err.Error()),
	)
	return res, err
}

func (l *Loop) finish(res *RunResult) {
	res.FinishedAt = time.Now().UTC()
	l.obs.MetricsOrNil().RecordRun(res.TaskID, string(res.Outcome), res.ModelCalls)
}

var _ Runner = (*Loop)(nil)
