// Package httpapi implements the HTTP gateway of agentbench.
//
// Routes:
//   - /mcp (GET, POST, DELETE): MCP streamable HTTP transport, when configured
//   - /healthz, /readyz: liveness and readiness checks
//   - /metrics: Prometheus exposition, when a registry is configured
//   - /v1/tasks, /v1/runs, /v1/runs/{id}, /v1/summary/{benchmark_id}: run history
//   - POST /v1/runs and /v1/runs/stream: run a task, when a bench is attached
//
// When API keys are configured every /v1 request needs a bearer token
// (constant-time comparison). /mcp and the health endpoints are never authenticated;
// bind the listener accordingly.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/agentbench/internal/agent"
	"github.com/jkaninda/agentbench/internal/gateway"
	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/ratelimit"
	"github.com/jkaninda/agentbench/internal/storage"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultListLimit      = 100
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":8000"
	EnableDocs bool
	APIKeys    map[string]string // API key -> client name. Empty = /v1 unauthenticated.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config Config
	runs   storage.RunStore   // nil = run history endpoints disabled.
	tasks  *tasks.Store
	bench  *agent.Bench       // nil = runs cannot be triggered over HTTP.
	limit  *ratelimit.Limiter // nil = runs are not throttled.
	logger *slog.Logger
	server *http.Server

	mcpPath    string
	mcpHandler http.Handler // nil = MCP not served.

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRuns attaches the run history and the task set to the /v1 endpoints.
func (g *Gateway) WithRuns(runs storage.RunStore, store *tasks.Store) *Gateway {
	g.runs = runs
	g.tasks = store
	return g
}

// WithBench enables POST /v1/runs.
func (g *Gateway) WithBench(b *agent.Bench) *Gateway {
	g.bench = b
	return g
}

// WithRunLimit throttles POST /v1/runs per client (API key name, or remote
// address when the API is unauthenticated).
func (g *Gateway) WithRunLimit(l *ratelimit.Limiter) *Gateway {
	g.limit = l
	return g
}

// WithMCP serves handler at path for the MCP streamable HTTP methods.
func (g *Gateway) WithMCP(path string, handler http.Handler) *Gateway {
	g.mcpPath = path
	g.mcpHandler = handler
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "agentbench",
			Version: "v0.1.0",
		},
	)
	return g
}

// routes registers every handler. Called once, by Start.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	if len(g.config.APIKeys) > 0 {
		g.group = g.okapi.Group("/v1", g.authenticate)
	} else {
		g.group = g.okapi.Group("/v1")
	}

	if g.tasks != nil {
		g.group.Get("/tasks", g.handleTasks,
			okapi.DocSummary("List benchmark tasks"),
			okapi.DocTags("Tasks"),
			okapi.DocResponse([]TaskResponse{}),
		)
	}

	if g.runs != nil {
		g.group.Get("/runs", g.handleRunList,
			okapi.DocSummary("List runs, newest first"),
			okapi.DocTags("Runs"),
			okapi.DocResponse([]RunResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/runs/{id}", g.handleRunGet,
			okapi.DocSummary("Get a run with its transcript"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/summary/{benchmark_id}", g.handleSummary,
			okapi.DocSummary("Aggregate counts for one benchmark"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("benchmark_id", "string", "Benchmark ID"),
			okapi.DocResponse(storage.Summary{}),
		)
	}

	if g.bench != nil {
		g.group.Post("/runs", g.handleRunCreate,
			okapi.DocSummary("Run one task and wait for the result"),
			okapi.DocTags("Runs"),
			okapi.DocRequestBody(RunRequest{}),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
		g.group.Post("/runs/stream", g.handleRunStream,
			okapi.DocSummary("Run one task, streaming progress via SSE"),
			okapi.DocTags("Runs"),
			okapi.DocRequestBody(RunRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		)
	}

	if g.mcpHandler != nil {
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			g.okapi.HandleStd(method, g.mcpPath, g.mcpHandler.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // task runs and MCP streams are long-lived
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

var _ gateway.Gateway = (*Gateway)(nil)

// --- Handlers ---

// TaskResponse is one entry of GET /v1/tasks.
type TaskResponse struct {
	Number   int    `json:"number"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	HasTests bool   `json:"has_tests"`
}

func (g *Gateway) handleTasks(c *okapi.Context) error {
	list := g.tasks.List()
	resp := make([]TaskResponse, len(list))
	for i, t := range list {
		resp[i] = TaskResponse{
			Number:   t.Number,
			ID:       t.ID,
			Name:     t.Name,
			Title:    t.Title,
			HasTests: len(t.Tests) > 0,
		}
	}
	return c.OK(resp)
}

// RunResponse is a persisted run. Transcript is only set by GET /v1/runs/{id}.
type RunResponse struct {
	*storage.RunRecord
	DurationMS int64           `json:"duration_ms"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
}

func newRunResponse(r *storage.RunRecord, withTranscript bool) RunResponse {
	resp := RunResponse{
		RunRecord:  r,
		DurationMS: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if withTranscript && len(r.Transcript) > 0 {
		resp.Transcript = json.RawMessage(r.Transcript)
	}
	return resp
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	query := c.Request().URL.Query()
	limit := defaultListLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	runs, err := g.runs.ListRuns(c.Context(), query.Get("benchmark_id"), limit)
	if err != nil {
		g.logger.Error("listing runs", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing runs failed")
	}
	resp := make([]RunResponse, len(runs))
	for i, r := range runs {
		resp[i] = newRunResponse(r, false)
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}
	run, err := g.runs.GetRun(c.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "run not found"})
	}
	if err != nil {
		g.logger.Error("loading run", slog.String("run_id", id.String()), slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading run failed")
	}
	return c.OK(newRunResponse(run, true))
}

func (g *Gateway) handleSummary(c *okapi.Context) error {
	sum, err := g.runs.Summary(c.Context(), c.Param("benchmark_id"))
	if err != nil {
		g.logger.Error("summarizing runs", slog.String("error", err.Error()))
		return c.AbortInternalServerError("summary failed")
	}
	return c.OK(sum)
}

// RunRequest is the JSON body for POST /v1/runs.
type RunRequest struct {
	TaskNumber  int    `json:"task_number"`
	BenchmarkID string `json:"benchmark_id,omitempty"` // Empty = new benchmark id.
}

func (g *Gateway) bindRun(c *okapi.Context) (*RunRequest, error) {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	if req.TaskNumber < 1 {
		return nil, errors.New("task_number is required")
	}
	if g.tasks != nil && req.TaskNumber > g.tasks.Len() {
		return nil, errors.New("task_number out of range")
	}
	if req.BenchmarkID == "" {
		req.BenchmarkID = agent.NewBenchmarkID()
	}
	return &req, nil
}

// allowRun consumes one run from the caller's budget. Call it only for
// requests that passed bindRun.
func (g *Gateway) allowRun(c *okapi.Context) error {
	if g.limit == nil {
		return nil
	}
	key := c.GetString("client")
	if key == "" {
		key, _, _ = net.SplitHostPort(c.Request().RemoteAddr)
	}
	wait, err := g.limit.Allow(key)
	if err != nil {
		return fmt.Errorf("%w, retry in %s", err, wait.Round(time.Second))
	}
	return nil
}

func (g *Gateway) handleRunCreate(c *okapi.Context) error {
	req, err := g.bindRun(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.allowRun(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	g.logger.Info("http run",
		slog.String("client", c.GetString("client")),
		slog.Int("task", req.TaskNumber),
		slog.String("benchmark_id", req.BenchmarkID),
	)

	report, err := g.bench.RunTask(c.Context(), req.BenchmarkID, req.TaskNumber)
	if report == nil {
		g.logger.Error("run failed", slog.Int("task", req.TaskNumber), slog.String("error", err.Error()))
		return c.AbortInternalServerError("run failed")
	}
	// A run that aborted still has a record; its Outcome and Error say why.
	return c.OK(newRunResponse(report.Record, false))
}

// --- Authentication ---

// authenticate validates the bearer token and stores the mapped client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
