package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays responses in order, then answers with plain text.
type scriptedProvider struct {
	responses []*llm.Response
	err       error // returned from call errAt (1-based) on; 0 = never
	errAt     int
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	r := *req
	r.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, r)
	n := len(p.requests)
	if p.errAt > 0 && n >= p.errAt {
		return nil, p.err
	}
	if n <= len(p.responses) {
		return p.responses[n-1], nil
	}
	return textResponse("all done"), nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:       text,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)},
		StopReason:    "end_turn",
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(calls ...llm.ContentBlock) *llm.Response {
	return &llm.Response{ContentBlocks: calls, StopReason: "tool_use"}
}

type stubTool struct {
	name   string
	output string
	err    error
	params []map[string]any
}

func (s *stubTool) Name() string                    { return s.name }
func (s *stubTool) Description() string             { return "stub " + s.name }
func (s *stubTool) InputSchema() map[string]any     { return tools.ObjectSchema(nil) }
func (s *stubTool) Validate(_ map[string]any) error { return nil }

func (s *stubTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	s.params = append(s.params, params)
	if s.err != nil {
		return nil, s.err
	}
	return &tools.Result{Output: s.output, Success: true}, nil
}

type fixture struct {
	provider *scriptedProvider
	setup    *stubTool
	list     *stubTool
	exec     *stubTool
	registry *tools.Registry
	task     *tasks.Task
}

func newFixture(responses ...*llm.Response) *fixture {
	f := &fixture{
		provider: &scriptedProvider{responses: responses},
		setup:    &stubTool{name: "setup_container", output: "container ready"},
		list:     &stubTool{name: "list_files", output: "index.js"},
		exec:     &stubTool{name: "exec", output: "listening on 5000"},
		task:     &tasks.Task{Number: 1, ID: "t1", Name: "t1", System: "you are a developer", User: "build an API"},
	}
	f.registry = tools.NewRegistry()
	f.registry.Register(f.setup)
	f.registry.Register(f.list)
	f.registry.Register(f.exec)
	return f
}

func (f *fixture) loop() *Loop {
	return NewLoop(f.provider, f.registry, discardLogger()).WithAgentTools("list_files", "exec")
}

func TestLoop_NoToolCallsMakesExactlyTwoModelCalls(t *testing.T) {
	f := newFixture()
	res, err := f.loop().Run(context.Background(), f.task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ModelCalls != 2 || len(f.provider.requests) != 2 {
		t.Fatalf("model calls = %d (provider saw %d), want 2", res.ModelCalls, len(f.provider.requests))
	}
	if res.State != StateDone || res.Outcome != OutcomeDone {
		t.Errorf("state = %s, outcome = %s", res.State, res.Outcome)
	}
	if len(f.setup.params) != 1 {
		t.Errorf("setup called %d times, want 1", len(f.setup.params))
	}

	roles := make([]llm.Role, len(res.Transcript))
	for i, m := range res.Transcript {
		roles[i] = m.Role
	}
	want := []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("transcript roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("transcript roles = %v, want %v", roles, want)
		}
	}
	if res.Transcript[3].Content != DefaultForcedMessage {
		t.Errorf("forced message = %q", res.Transcript[3].Content)
	}

	second := f.provider.requests[1]
	if last := second.Messages[len(second.Messages)-1]; last.Content != "run the server" {
		t.Errorf("second request ends with %+v", last)
	}
	if res.FinalText != "all done" || res.TokensUsed != 30 {
		t.Errorf("final text = %q, tokens = %d", res.FinalText, res.TokensUsed)
	}
}

func TestLoop_SamplingAndToolSubset(t *testing.T) {
	f := newFixture()
	if _, err := f.loop().Run(context.Background(), f.task); err != nil {
		t.Fatal(err)
	}
	req := f.provider.requests[0]
	if req.Seed == nil || *req.Seed != 2222 {
		t.Errorf("seed = %v", req.Seed)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if len(req.Tools) != 2 || req.Tools[0].Name != "list_files" || req.Tools[1].Name != "exec" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != "you are a developer" {
		t.Errorf("first message = %+v", req.Messages[0])
	}

	f = newFixture()
	loop := f.loop().WithSampling(7, 0.5)
	if _, err := loop.Run(context.Background(), f.task); err != nil {
		t.Fatal(err)
	}
	if req := f.provider.requests[0]; *req.Seed != 7 || *req.Temperature != 0.5 {
		t.Errorf("seed = %d, temperature = %v", *req.Seed, *req.Temperature)
	}
}

func TestLoop_DispatchesToolCallsInOrder(t *testing.T) {
	f := newFixture(
		toolResponse(
			llm.ToolUseBlock("c1", "list_files", nil),
			llm.ToolUseBlock("c2", "exec", map[string]any{"command": "npm install"}),
		),
		textResponse("finished"),
	)
	res, err := f.loop().Run(context.Background(), f.task)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelCalls != 3 {
		t.Errorf("model calls = %d, want 3", res.ModelCalls)
	}
	if len(res.ToolCalls) != 2 || res.ToolCalls[0].ToolName != "list_files" || res.ToolCalls[1].ToolName != "exec" {
		t.Fatalf("tool calls = %+v", res.ToolCalls)
	}

	// system, user, assistant(tool_use x2), tool, tool, assistant, user, assistant
	tool1, tool2 := res.Transcript[3], res.Transcript[4]
	if tool1.Role != llm.RoleTool || tool2.Role != llm.RoleTool {
		t.Fatalf("roles = %s, %s", tool1.Role, tool2.Role)
	}
	if b := tool1.ContentBlocks[0]; b.ToolUseID != "c1" || b.Text != "index.js" || b.IsError {
		t.Errorf("first result = %+v", b)
	}
	if b := tool2.ContentBlocks[0]; b.ToolUseID != "c2" || b.Text != "listening on 5000" {
		t.Errorf("second result = %+v", b)
	}
	if got := f.exec.params[0]["command"]; got != "npm install" {
		t.Errorf("exec command = %v", got)
	}
}

func TestLoop_ToolErrorsAreReportedToModel(t *testing.T) {
	f := newFixture(
		toolResponse(
			llm.ToolUseBlock("c1", "rm_rf", nil),
			llm.ToolUseBlock("c2", "setup_container", nil), // not in the agent subset
			llm.ToolUseBlock("c3", "exec", nil),
		),
	)
	f.exec.err = errors.New("sandbox container is not available")

	res, err := f.loop().Run(context.Background(), f.task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeDone {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.FailedToolCalls() != 3 {
		t.Errorf("failed tool calls = %d, want 3", res.FailedToolCalls())
	}

	wants := []string{
		"Error: unknown tool: rm_rf",
		"Error: unknown tool: setup_container",
		"Error: sandbox container is not available",
	}
	for i, want := range wants {
		b := res.Transcript[3+i].ContentBlocks[0]
		if b.Text != want || !b.IsError {
			t.Errorf("result %d = %q (is_error %v), want %q", i, b.Text, b.IsError, want)
		}
	}
	if len(f.setup.params) != 1 {
		t.Errorf("setup ran %d times; the model must not reach it", len(f.setup.params))
	}
}

func TestLoop_MaxIterations(t *testing.T) {
	call := toolResponse(llm.ToolUseBlock("c", "list_files", nil))
	f := newFixture(call, call, call, call, call, call, call, call)

	res, err := f.loop().WithMaxIterations(3).Run(context.Background(), f.task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ModelCalls != 3 {
		t.Errorf("model calls = %d, want 3", res.ModelCalls)
	}
	if res.Outcome != OutcomeMaxIterations || res.State != StateDone {
		t.Errorf("state = %s, outcome = %s", res.State, res.Outcome)
	}
	for _, m := range res.Transcript {
		if m.Role == llm.RoleUser && m.Content == DefaultForcedMessage {
			t.Error("forced message sent after max iterations")
		}
	}
}

func TestLoop_DefaultMaxIterations(t *testing.T) {
	f := newFixture()
	for i := 0; i < 40; i++ {
		f.provider.responses = append(f.provider.responses, toolResponse(llm.ToolUseBlock("c", "list_files", nil)))
	}
	res, err := f.loop().Run(context.Background(), f.task)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelCalls != DefaultMaxIterations {
		t.Errorf("model calls = %d, want %d", res.ModelCalls, DefaultMaxIterations)
	}
}

func TestLoop_ForcedStepWithToolCalls(t *testing.T) {
	f := newFixture(
		textResponse("I wrote the code"),
		toolResponse(llm.ToolUseBlock("c1", "exec", map[string]any{"command": "node index.js"})),
		textResponse("never requested"),
	)
	res, err := f.loop().Run(context.Background(), f.task)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelCalls != 2 {
		t.Errorf("model calls = %d, want 2", res.ModelCalls)
	}
	if len(f.exec.params) != 1 {
		t.Errorf("exec called %d times, want 1", len(f.exec.params))
	}
	if last := res.Transcript[len(res.Transcript)-1]; last.Role != llm.RoleTool {
		t.Errorf("last message role = %s, want tool", last.Role)
	}
}

func TestLoop_ForcedExecCommand(t *testing.T) {
	f := newFixture()
	res, err := f.loop().WithForcedCompletion("", "npm start").Run(context.Background(), f.task)
	if err != nil {
		t.Fatal(err)
	}
	if res.ModelCalls != 1 {
		t.Errorf("model calls = %d, want 1", res.ModelCalls)
	}
	if len(f.exec.params) != 1 || f.exec.params[0]["command"] != "npm start" {
		t.Errorf("exec params = %+v", f.exec.params)
	}
	if res.State != StateDone || res.Outcome != OutcomeDone {
		t.Errorf("state = %s, outcome = %s", res.State, res.Outcome)
	}
}

func TestLoop_FatalToolErrorAborts(t *testing.T) {
	f := newFixture(
		toolResponse(
			llm.ToolUseBlock("c1", "exec", nil),
			llm.ToolUseBlock("c2", "list_files", nil),
		),
	)
	f.exec.err = tools.Fatal(errors.New("docker daemon gone"))

	res, err := f.loop().Run(context.Background(), f.task)
	if !errors.Is(err, tools.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if res == nil {
		t.Fatal("partial result missing")
	}
	if res.Outcome != OutcomeError || res.ModelCalls != 1 {
		t.Errorf("outcome = %s, model calls = %d", res.Outcome, res.ModelCalls)
	}
	if len(f.list.params) != 0 {
		t.Error("dispatch continued after a fatal error")
	}
	if !strings.Contains(res.Error, "docker daemon gone") || res.FinishedAt.IsZero() {
		t.Errorf("error = %q, finished = %v", res.Error, res.FinishedAt)
	}
}

func TestLoop_ProviderErrorAborts(t *testing.T) {
	f := newFixture(toolResponse(llm.ToolUseBlock("c1", "list_files", nil)))
	f.provider.err = errors.New("connection refused")
	f.provider.errAt = 2

	res, err := f.loop().Run(context.Background(), f.task)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if res.ModelCalls != 2 || res.Outcome != OutcomeError || res.State != StateRunning {
		t.Errorf("result = state %s outcome %s calls %d", res.State, res.Outcome, res.ModelCalls)
	}
	if len(res.ToolCalls) != 1 {
		t.Errorf("tool calls = %d, want the one before the failure", len(res.ToolCalls))
	}
}

func TestLoop_SetupFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.setup.err = errors.New("image not found")

	res, err := f.loop().Run(context.Background(), f.task)
	if !errors.Is(err, tools.ErrFatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if res.ModelCalls != 0 {
		t.Errorf("model called %d times after failed setup", res.ModelCalls)
	}
}

func TestLoop_WithoutSetup(t *testing.T) {
	f := newFixture()
	if _, err := f.loop().WithSetup("").Run(context.Background(), f.task); err != nil {
		t.Fatal(err)
	}
	if len(f.setup.params) != 0 {
		t.Error("setup ran although disabled")
	}
}
