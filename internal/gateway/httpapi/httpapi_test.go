package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/agentbench/internal/agent"
	"github.com/jkaninda/agentbench/internal/mcpserver"
	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/ratelimit"
	"github.com/jkaninda/agentbench/internal/storage"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// start runs g on a free port and returns its base URL.
func start(t *testing.T, cfg Config, configure func(*Gateway)) string {
	t.Helper()
	cfg.ListenAddr = freeAddr(t)
	g := NewGateway(cfg, discardLogger())
	if configure != nil {
		configure(g)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = g.Start(ctx) }()
	t.Cleanup(func() {
		_ = g.Stop(context.Background())
		cancel()
	})

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("gateway at %s never became ready", base)
	return ""
}

func do(t *testing.T, method, url, token, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func testTasks(t *testing.T) *tasks.Store {
	t.Helper()
	store, err := tasks.LoadFS(fstest.MapFS{
		"manifest.yaml":   {Data: []byte("tasks:\n  - name: todo\n    title: Todo API\n  - name: auth\n")},
		"todo/system.md":  {Data: []byte("s")},
		"todo/user.md":    {Data: []byte("u")},
		"todo/tests.json": {Data: []byte(`{"item":[]}`)},
		"auth/system.md":  {Data: []byte("s")},
		"auth/user.md":    {Data: []byte("u")},
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
	return store
}

type fakeRuns struct {
	runs map[uuid.UUID]*storage.RunRecord
}

func (f *fakeRuns) SaveRun(_ context.Context, r *storage.RunRecord) error {
	f.runs[r.ID] = r
	return nil
}

func (f *fakeRuns) GetRun(_ context.Context, id uuid.UUID) (*storage.RunRecord, error) {
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRuns) ListRuns(_ context.Context, benchmarkID string, limit int) ([]*storage.RunRecord, error) {
	var out []*storage.RunRecord
	for _, r := range f.runs {
		if benchmarkID == "" || r.BenchmarkID == benchmarkID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRuns) Summary(_ context.Context, benchmarkID string) (*storage.Summary, error) {
	s := &storage.Summary{BenchmarkID: benchmarkID}
	for _, r := range f.runs {
		if r.BenchmarkID == benchmarkID {
			s.Runs++
		}
	}
	return s, nil
}

func seededRuns() (*fakeRuns, uuid.UUID) {
	id := uuid.New()
	now := time.Now().UTC()
	return &fakeRuns{runs: map[uuid.UUID]*storage.RunRecord{
		id: {
			ID:          id,
			BenchmarkID: "b1",
			TaskNumber:  1,
			TaskID:      "todo",
			Outcome:     "done",
			Transcript:  []byte(`[{"role":"system","content":"s"}]`),
			StartedAt:   now,
			FinishedAt:  now.Add(1500 * time.Millisecond),
		},
	}}, id
}

func TestGateway_HealthEndpoints(t *testing.T) {
	health := observability.NewHealthChecker(discardLogger())
	health.AddCheck("docker", func(context.Context) error { return io.ErrUnexpectedEOF })
	base := start(t, Config{HealthChecker: health}, nil)

	if code, _ := do(t, "GET", base+"/healthz", "", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	code, body := do(t, "GET", base+"/readyz", "", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "docker") {
		t.Errorf("readyz = %d %s", code, body)
	}
}

func TestGateway_TasksAndRuns(t *testing.T) {
	runs, id := seededRuns()
	base := start(t, Config{}, func(g *Gateway) { g.WithRuns(runs, testTasks(t)) })

	code, body := do(t, "GET", base+"/v1/tasks", "", "")
	if code != http.StatusOK {
		t.Fatalf("tasks = %d %s", code, body)
	}
	var list []TaskResponse
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Title != "Todo API" || !list[0].HasTests || list[1].HasTests {
		t.Errorf("tasks = %+v", list)
	}

	code, body = do(t, "GET", base+"/v1/runs?benchmark_id=b1", "", "")
	if code != http.StatusOK || !strings.Contains(body, id.String()) {
		t.Errorf("runs = %d %s", code, body)
	}
	if strings.Contains(body, "transcript") {
		t.Errorf("list includes transcripts: %s", body)
	}
	if code, _ := do(t, "GET", base+"/v1/runs?limit=zero", "", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}

	code, body = do(t, "GET", base+"/v1/runs/"+id.String(), "", "")
	if code != http.StatusOK {
		t.Fatalf("run = %d %s", code, body)
	}
	var run struct {
		TaskID     string            `json:"task_id"`
		DurationMS int64             `json:"duration_ms"`
		Transcript []json.RawMessage `json:"transcript"`
	}
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		t.Fatal(err)
	}
	if run.TaskID != "todo" || run.DurationMS != 1500 || len(run.Transcript) != 1 {
		t.Errorf("run = %+v", run)
	}

	if code, _ := do(t, "GET", base+"/v1/runs/"+uuid.NewString(), "", ""); code != http.StatusNotFound {
		t.Errorf("unknown run = %d", code)
	}
	if code, _ := do(t, "GET", base+"/v1/runs/not-a-uuid", "", ""); code != http.StatusBadRequest {
		t.Errorf("bad id = %d", code)
	}

	code, body = do(t, "GET", base+"/v1/summary/b1", "", "")
	if code != http.StatusOK || !strings.Contains(body, `"runs":1`) {
		t.Errorf("summary = %d %s", code, body)
	}
}

func TestGateway_Auth(t *testing.T) {
	runs, _ := seededRuns()
	base := start(t, Config{APIKeys: map[string]string{"secret": "ci"}}, func(g *Gateway) {
		g.WithRuns(runs, testTasks(t))
	})

	if code, _ := do(t, "GET", base+"/v1/tasks", "", ""); code != http.StatusUnauthorized {
		t.Errorf("no token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/v1/tasks", "wrong", ""); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/v1/tasks", "secret", ""); code != http.StatusOK {
		t.Errorf("valid token = %d", code)
	}
	if code, _ := do(t, "GET", base+"/healthz", "", ""); code != http.StatusOK {
		t.Errorf("healthz requires auth: %d", code)
	}
}

type fakeRunner struct{}

func (fakeRunner) Run(_ context.Context, task *tasks.Task) (*agent.RunResult, error) {
	now := time.Now().UTC()
	return &agent.RunResult{
		RunID:      uuid.New(),
		TaskNumber: task.Number,
		TaskID:     task.ID,
		State:      agent.StateDone,
		Outcome:    agent.OutcomeDone,
		ModelCalls: 2,
		FinalText:  "server is running",
		StartedAt:  now,
		FinishedAt: now,
	}, nil
}

func TestGateway_RunTask(t *testing.T) {
	store := testTasks(t)
	runs := &fakeRuns{runs: map[uuid.UUID]*storage.RunRecord{}}
	bench := agent.NewBench(fakeRunner{}, store, discardLogger()).WithStore(runs)
	base := start(t, Config{}, func(g *Gateway) { g.WithRuns(runs, store).WithBench(bench) })

	code, body := do(t, "POST", base+"/v1/runs", "", `{"task_number": 2, "benchmark_id": "http"}`)
	if code != http.StatusOK {
		t.Fatalf("run = %d %s", code, body)
	}
	if !strings.Contains(body, `"task_id":"auth"`) || !strings.Contains(body, `"outcome":"done"`) {
		t.Errorf("body = %s", body)
	}
	if len(runs.runs) != 1 {
		t.Errorf("persisted %d runs", len(runs.runs))
	}

	for _, bad := range []string{`{}`, `{"task_number": 9}`, `not json`} {
		if code, _ := do(t, "POST", base+"/v1/runs", "", bad); code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", bad, code)
		}
	}

	code, body = do(t, "POST", base+"/v1/runs/stream", "", `{"task_number": 1}`)
	if code != http.StatusOK {
		t.Fatalf("stream = %d %s", code, body)
	}
	for _, event := range []string{"started", "result", "done", "server is running"} {
		if !strings.Contains(body, event) {
			t.Errorf("stream missing %q: %s", event, body)
		}
	}
}

func TestGateway_RunLimit(t *testing.T) {
	store := testTasks(t)
	runs := &fakeRuns{runs: map[uuid.UUID]*storage.RunRecord{}}
	bench := agent.NewBench(fakeRunner{}, store, discardLogger()).WithStore(runs)
	base := start(t, Config{}, func(g *Gateway) {
		g.WithRuns(runs, store).WithBench(bench).WithRunLimit(ratelimit.NewLimiter(ratelimit.Config{RunsPerHour: 1}))
	})

	// rejected requests do not spend the budget
	for _, bad := range []string{`{}`, `{"task_number": 9}`, `not json`} {
		if code, _ := do(t, "POST", base+"/v1/runs", "", bad); code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", bad, code)
		}
	}

	if code, body := do(t, "POST", base+"/v1/runs", "", `{"task_number": 1}`); code != http.StatusOK {
		t.Fatalf("first run = %d %s", code, body)
	}
	code, body := do(t, "POST", base+"/v1/runs/stream", "", `{"task_number": 1}`)
	if code != http.StatusTooManyRequests || !strings.Contains(body, "retry in") {
		t.Errorf("second run = %d %s", code, body)
	}
	if len(runs.runs) != 1 {
		t.Errorf("persisted %d runs, want 1", len(runs.runs))
	}
}

func TestGateway_MCPAndMetrics(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"method":"`+r.Method+`"}`)
	})
	base := start(t, Config{MetricsRegistry: metrics.Registry, Metrics: metrics}, func(g *Gateway) {
		g.WithMCP("/mcp", handler)
	})

	for _, method := range []string{"GET", "POST", "DELETE"} {
		code, body := do(t, method, base+"/mcp", "", "")
		if code != http.StatusOK || !strings.Contains(body, method) {
			t.Errorf("%s /mcp = %d %s", method, code, body)
		}
	}

	code, body := do(t, "GET", base+"/metrics", "", "")
	if code != http.StatusOK || !strings.Contains(body, "agentbench_http_requests_total") {
		t.Errorf("metrics = %d, body has http metrics: %v", code, strings.Contains(body, "agentbench_http_requests_total"))
	}
}

// gatedRunner blocks every run until release is closed.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRunner) Run(ctx context.Context, task *tasks.Task) (*agent.RunResult, error) {
	r.once.Do(func() { close(r.started) })
	<-r.release
	return fakeRunner{}.Run(ctx, task)
}

type resetTool struct{}

func (resetTool) Name() string { return "setup_container" }
func (resetTool) Description() string { return "resets the sandbox" }
func (resetTool) InputSchema() map[string]any { return tools.ObjectSchema(map[string]any{}) }
func (resetTool) Validate(_ map[string]any) error { return nil }
func (resetTool) Execute(_ context.Context, _ map[string]any) (*tools.Result, error) {
	return &tools.Result{Output: "fresh container", Success: true}, nil
}

func TestGateway_MCPWaitsForRun(t *testing.T) {
	store := testTasks(t)
	runs := &fakeRuns{runs: map[uuid.UUID]*storage.RunRecord{}}
	runner := &gatedRunner{started: make(chan struct{}), release: make(chan struct{})}
	lock := &sync.Mutex{}

	reg := tools.NewRegistry()
	reg.Register(resetTool{})
	srv, err := mcpserver.New(reg, store, "test", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	srv.WithLock(lock)
	bench := agent.NewBench(runner, store, discardLogger()).WithStore(runs).WithLock(lock)

	base := start(t, Config{}, func(g *Gateway) {
		g.WithMCP("/mcp", srv.Handler("/mcp")).WithRuns(runs, store).WithBench(bench)
	})

	runDone := make(chan int, 1)
	go func() {
		resp, err := http.Post(base+"/v1/runs", "application/json", strings.NewReader(`{"task_number": 1}`))
		if err != nil {
			runDone <- 0
			return
		}
		resp.Body.Close()
		runDone <- resp.StatusCode
	}()
	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("run never started")
	}

	c, err := mcpclient.NewStreamableHttpClient(base + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	callDone := make(chan *mcp.CallToolResult, 1)
	go func() {
		req := mcp.CallToolRequest{}
		req.Params.Name = "setup_container"
		res, err := c.CallTool(ctx, req)
		if err != nil {
			res = mcp.NewToolResultError(err.Error())
		}
		callDone <- res
	}()

	select {
	case <-callDone:
		t.Fatal("tool call ran while a run held the sandbox")
	case <-time.After(200 * time.Millisecond):
	}

	close(runner.release)
	if code := <-runDone; code != http.StatusOK {
		t.Errorf("run = %d", code)
	}
	select {
	case res := <-callDone:
		if res.IsError {
			t.Errorf("tool call = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tool call still blocked after the run finished")
	}
}
