package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/agentbench/internal/llm"
	"github.com/jkaninda/agentbench/internal/storage"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/verify"
)

func testTasks(t *testing.T) *tasks.Store {
	t.Helper()
	fsys := fstest.MapFS{
		"manifest.yaml":       {Data: []byte("tasks:\n  - name: todo-api\n  - name: auth-api\n  - name: no-tests\n")},
		"todo-api/system.md":  {Data: []byte("system")},
		"todo-api/user.md":    {Data: []byte("build a todo api")},
		"todo-api/tests.json": {Data: []byte(`{"item":[]}`)},
		"auth-api/system.md":  {Data: []byte("system")},
		"auth-api/user.md":    {Data: []byte("build an auth api")},
		"auth-api/tests.json": {Data: []byte(`{"item":[{"name":"login"}]}`)},
		"no-tests/system.md":  {Data: []byte("system")},
		"no-tests/user.md":    {Data: []byte("say hi")},
	}
	store, err := tasks.LoadFS(fsys, "test")
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	return store
}

type fakeRunner struct {
	mu   sync.Mutex
	fail map[string]error // task id -> error
	ran  []string
}

func (f *fakeRunner) Run(ctx context.Context, task *tasks.Task) (*RunResult, error) {
	f.mu.Lock()
	f.ran = append(f.ran, task.ID)
	f.mu.Unlock()

	now := time.Now().UTC()
	res := &RunResult{
		RunID:      uuid.New(),
		TaskNumber: task.Number,
		TaskID:     task.ID,
		State:      StateDone,
		Outcome:    OutcomeDone,
		ModelCalls: 2,
		ToolCalls:  []ToolCallResult{{ToolName: "exec", Success: true}, {ToolName: "read_file"}},
		TokensUsed: 42,
		Transcript: task.Messages(),
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
	if err := f.fail[task.ID]; err != nil {
		res.State = StateRunning
		res.Outcome = OutcomeError
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

type fakeVerifier struct {
	result *verify.Result
	err    error
	dirs   []string
	seen   [][]byte
}

func (f *fakeVerifier) Run(_ context.Context, dir string) (*verify.Result, error) {
	f.dirs = append(f.dirs, dir)
	data, _ := os.ReadFile(filepath.Join(dir, verify.CollectionFile))
	f.seen = append(f.seen, data)
	return f.result, f.err
}

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*storage.RunRecord
}

func newMemRuns() *memRuns { return &memRuns{runs: make(map[uuid.UUID]*storage.RunRecord)} }

func (m *memRuns) SaveRun(_ context.Context, r *storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.runs[r.ID] = &cp
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id uuid.UUID) (*storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (m *memRuns) ListRuns(_ context.Context, benchmarkID string, _ int) ([]*storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.RunRecord
	for _, r := range m.runs {
		if benchmarkID == "" || r.BenchmarkID == benchmarkID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) Summary(_ context.Context, _ string) (*storage.Summary, error) {
	return &storage.Summary{}, nil
}

func readyServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestBench_RunTaskVerifiesAndPersists(t *testing.T) {
	runner := &fakeRunner{}
	verifier := &fakeVerifier{result: &verify.Result{Total: 10, Failed: 2, ExitCode: 1}}
	runs := newMemRuns()
	reportDir := t.TempDir()

	bench := NewBench(runner, testTasks(t), discardLogger()).
		WithStore(runs).
		WithProvider("ollama").
		WithVerifier(verifier, readyServer(t), time.Second, 10*time.Millisecond).
		WithReportDir(reportDir)

	report, err := bench.RunTask(context.Background(), "b1", 2)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if report.Tests == nil || report.Tests.Passed() != 8 {
		t.Fatalf("tests = %+v", report.Tests)
	}

	if len(verifier.dirs) != 1 {
		t.Fatalf("verifier ran %d times", len(verifier.dirs))
	}
	if want := filepath.Join(reportDir, report.Run.RunID.String()); verifier.dirs[0] != want {
		t.Errorf("verify dir = %s, want %s", verifier.dirs[0], want)
	}
	if !strings.Contains(string(verifier.seen[0]), "login") {
		t.Errorf("collection = %s, want the auth-api tests", verifier.seen[0])
	}

	rec, err := runs.GetRun(context.Background(), report.Run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.BenchmarkID != "b1" || rec.TaskID != "auth-api" || rec.TaskNumber != 2 || rec.Provider != "ollama" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ToolCalls != 2 || rec.ToolErrors != 1 || rec.ModelCalls != 2 || rec.TokensUsed != 42 {
		t.Errorf("counters = %+v", rec)
	}
	if !rec.Verified || rec.TestsPassed != 8 || rec.TestsFailed != 2 {
		t.Errorf("verification = %v %d/%d", rec.Verified, rec.TestsPassed, rec.TestsFailed)
	}

	var transcript []llm.Message
	if err := json.Unmarshal(rec.Transcript, &transcript); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(transcript) != 2 || transcript[1].Content != "build an auth api" {
		t.Errorf("transcript = %+v", transcript)
	}
}

func TestBench_VerifyErrorIsRecorded(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("newman produced no report")}
	runs := newMemRuns()
	bench := NewBench(&fakeRunner{}, testTasks(t), discardLogger()).
		WithStore(runs).
		WithVerifier(verifier, readyServer(t), time.Second, 10*time.Millisecond).
		WithReportDir(t.TempDir())

	report, err := bench.RunTask(context.Background(), "b1", 1)
	if err != nil {
		t.Fatalf("a verification failure must not fail the run: %v", err)
	}
	if report.Tests != nil || report.Record.Verified {
		t.Errorf("report = %+v", report.Record)
	}
	if !strings.Contains(report.Record.VerifyError, "no report") {
		t.Errorf("verify error = %q", report.Record.VerifyError)
	}
}

func TestBench_ServerNeverReady(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	verifier := &fakeVerifier{result: &verify.Result{}}
	bench := NewBench(&fakeRunner{}, testTasks(t), discardLogger()).
		WithVerifier(verifier, srv.URL, 100*time.Millisecond, 10*time.Millisecond).
		WithReportDir(t.TempDir())

	report, err := bench.RunTask(context.Background(), "b1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(verifier.dirs) != 0 {
		t.Error("verifier ran although the server never became ready")
	}
	if !strings.Contains(report.Record.VerifyError, "not ready") {
		t.Errorf("verify error = %q", report.Record.VerifyError)
	}
}

func TestBench_SkipsVerification(t *testing.T) {
	verifier := &fakeVerifier{result: &verify.Result{}}
	runner := &fakeRunner{fail: map[string]error{"todo-api": errors.New("llm request failed")}}
	bench := NewBench(runner, testTasks(t), discardLogger()).
		WithVerifier(verifier, readyServer(t), time.Second, 10*time.Millisecond).
		WithReportDir(t.TempDir())

	// failed run
	report, err := bench.RunTask(context.Background(), "b1", 1)
	if err == nil {
		t.Fatal("expected run error")
	}
	if report == nil || report.Record.Outcome != string(OutcomeError) {
		t.Fatalf("report = %+v", report)
	}

	// task without tests
	if _, err := bench.RunTask(context.Background(), "b1", 3); err != nil {
		t.Fatal(err)
	}
	if len(verifier.dirs) != 0 {
		t.Errorf("verifier ran %d times, want 0", len(verifier.dirs))
	}
}

func TestBench_RunTaskUnknownNumber(t *testing.T) {
	runner := &fakeRunner{}
	bench := NewBench(runner, testTasks(t), discardLogger())
	if _, err := bench.RunTask(context.Background(), "b1", 9); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
	if len(runner.ran) != 0 {
		t.Error("runner called for an unknown task")
	}
}

func TestBench_RunAllContinuesPastFailures(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"auth-api": errors.New("tool exec: fatal tool error")}}
	runs := newMemRuns()
	bench := NewBench(runner, testTasks(t), discardLogger()).WithStore(runs)

	reports, err := bench.RunAll(context.Background(), "b2", nil)
	if err == nil || !strings.Contains(err.Error(), "task 2") {
		t.Errorf("err = %v, want the task 2 failure", err)
	}
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	if got := strings.Join(runner.ran, ","); got != "todo-api,auth-api,no-tests" {
		t.Errorf("ran = %s", got)
	}

	saved, _ := runs.ListRuns(context.Background(), "b2", 0)
	if len(saved) != 3 {
		t.Errorf("persisted %d runs, want 3", len(saved))
	}
}

func TestBench_RunAllSelectedAndCancelled(t *testing.T) {
	runner := &fakeRunner{}
	bench := NewBench(runner, testTasks(t), discardLogger())

	if _, err := bench.RunAll(context.Background(), "b3", []int{3, 1}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(runner.ran, ","); got != "no-tests,todo-api" {
		t.Errorf("ran = %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner.ran = nil
	if _, err := bench.RunAll(ctx, "b4", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(runner.ran) != 0 {
		t.Errorf("ran %d tasks after cancellation", len(runner.ran))
	}
}

func TestNewBenchmarkID(t *testing.T) {
	a, b := NewBenchmarkID(), NewBenchmarkID()
	if a == b {
		t.Error("ids collide")
	}
	if len(a) != len("20060102-150405-")+8 {
		t.Errorf("id = %q", a)
	}
}
