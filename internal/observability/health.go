package observability

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultCheckTimeout = 3 * time.Second

// Readiness report values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	checkOK   = "ok"
	checkFail = "fail"
)

// CheckFunc inspects one dependency and returns a short detail for the
// report, such as the sandbox container's state.
type CheckFunc func(ctx context.Context) (string, error)

// HealthCheck is a named CheckFunc. Only required checks decide readiness; the
// rest are reported for information.
type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Required bool
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Status    string `json:"status"`           // "ok" or "fail"
	Detail    string `json:"detail,omitempty"` // Check detail, e.g. "RUNNING 4f1c2a9b0d3e".
	Message   string `json:"message,omitempty"`
	Required  bool   `json:"required"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthChecker runs the readiness checks of the harness: the Docker engine,
// the sandbox image, the run store and the sandbox container.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{timeout: defaultCheckTimeout, logger: logger}
}

// AddCheck registers a required check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.AddCheckFunc(name, func(ctx context.Context) (string, error) {
		return "", check(ctx)
	}, true)
}

// AddCheckFunc registers fn. A failing fn makes the harness unready only
// when required is set.
func (h *HealthChecker) AddCheckFunc(name string, fn CheckFunc, required bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: fn, Required: required})
}

// CheckHealth returns liveness. It is "ok" whenever the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every check concurrently, each bounded by the check
// timeout, and reports "degraded" when a required one fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.run(ctx, c)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.Name] = r
		if r.Status != checkFail {
			continue
		}
		if c.Required {
			status.Status = StatusDegraded
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.Bool("required", c.Required),
				slog.String("error", r.Message),
			)
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, c HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	detail, err := c.Check(ctx)
	r := CheckResult{
		Status:    checkOK,
		Detail:    detail,
		Required:  c.Required,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		r.Status = checkFail
		r.Message = err.Error()
	}
	return r
}
