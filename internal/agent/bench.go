package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/agentbench/internal/observability"
	"github.com/jkaninda/agentbench/internal/storage"
	"github.com/jkaninda/agentbench/internal/tasks"
	"github.com/jkaninda/agentbench/internal/verify"
)

// Verifier runs the API tests found in a directory. *verify.NewmanRunner implements it.
type Verifier interface {
	Run(ctx context.Context, dir string) (*verify.Result, error)
}

// TaskReport is everything Bench learned about one task run.
type TaskReport struct {
	Run    *RunResult
	Record *storage.RunRecord
	Tests  *verify.Result // nil when verification was skipped or failed
}

// Bench runs tasks one at a time against the shared sandbox, optionally
// verifies the resulting server and records each run.
type Bench struct {
	runner   Runner
	tasks    *tasks.Store
	provider string
	logger   *slog.Logger
	obs      *observability.Observability // nil = observability disabled
	runs     storage.RunStore             // nil = runs are not persisted

	verifier      Verifier // nil = no verification
	readyURL      string
	readyTimeout  time.Duration
	readyInterval time.Duration
	reportDir     string

	mu sync.Locker // held for a whole run, verification included
}

// NewBench creates a bench over the given task set.
func NewBench(runner Runner, store *tasks.Store, logger *slog.Logger) *Bench {
	return &Bench{
		runner:    runner,
		tasks:     store,
		logger:    logger,
		readyURL:  verify.DefaultBaseURL,
		reportDir: filepath.Join(os.TempDir(), "agentbench-reports"),
		mu:        &sync.Mutex{},
	}
}

// WithLock replaces the lock held for each run. Pass the same lock to every
// component that acts on the sandbox so a run never overlaps their calls.
func (b *Bench) WithLock(l sync.Locker) *Bench {
	if l != nil {
		b.mu = l
	}
	return b
}

// WithStore persists every run.
func (b *Bench) WithStore(runs storage.RunStore) *Bench {
	b.runs = runs
	return b
}

// WithProvider records the provider name on every run.
func (b *Bench) WithProvider(name string) *Bench {
	b.provider = name
	return b
}

// WithObservability attaches observability (metrics).
func (b *Bench) WithObservability(obs *observability.Observability) *Bench {
	b.obs = obs
	return b
}

// WithVerifier runs the task's API tests after each run, once readyURL answers.
func (b *Bench) WithVerifier(v Verifier, readyURL string, timeout, interval time.Duration) *Bench {
	b.verifier = v
	if readyURL != "" {
		b.readyURL = readyURL
	}
	b.readyTimeout = timeout
	b.readyInterval = interval
	return b
}

// WithReportDir sets where test collections and reports are written, one
// sub-directory per run.
func (b *Bench) WithReportDir(dir string) *Bench {
	if dir != "" {
		b.reportDir = dir
	}
	return b
}

// NewBenchmarkID returns a fresh id grouping the runs of one bench invocation.
func NewBenchmarkID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// RunTask runs task number once. The returned report carries the partial
// run even when err is non-nil, as long as the task was found.
func (b *Bench) RunTask(ctx context.Context, benchmarkID string, number int) (*TaskReport, error) {
	task, err := b.tasks.Get(number)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, runErr := b.runner.Run(ctx, task)
	if res == nil {
		return nil, runErr
	}

	report := &TaskReport{Run: res, Record: b.record(benchmarkID, res)}

	if runErr == nil && b.verifier != nil && len(task.Tests) > 0 {
		tests, err := b.verify(ctx, task, res.RunID)
		if err != nil {
			b.logger.WarnContext(ctx, "verification failed",
				slog.String("task", task.ID),
				slog.String("error", err.Error()),
			)
			report.Record.VerifyError = err.Error()
		} else {
			report.Tests = tests
			report.Record.Verified = true
			report.Record.TestsPassed = tests.Passed()
			report.Record.TestsFailed = tests.Failed
			b.obs.MetricsOrNil().RecordAssertions(task.ID, tests.Passed(), tests.Failed)
		}
	}

	if b.runs != nil {
		if err := b.runs.SaveRun(context.WithoutCancel(ctx), report.Record); err != nil {
			b.logger.ErrorContext(ctx, "failed to persist run",
				slog.String("run_id", res.RunID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return report, runErr
}

// RunAll runs the given tasks in order (every task when numbers is empty).
// A failed run does not stop the bench; only context cancellation does.
func (b *Bench) RunAll(ctx context.Context, benchmarkID string, numbers []int) ([]*TaskReport, error) {
	if len(numbers) == 0 {
		for _, t := range b.tasks.List() {
			numbers = append(numbers, t.Number)
		}
	}

	var reports []*TaskReport
	var errs []error
	for _, n := range numbers {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := b.RunTask(ctx, benchmarkID, n)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			b.logger.ErrorContext(ctx, "task run failed", slog.Int("task", n), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("task %d: %w", n, err))
		}
	}
	return reports, errors.Join(errs...)
}

func (b *Bench) verify(ctx context.Context, task *tasks.Task, runID uuid.UUID) (*verify.Result, error) {
	dir := filepath.Join(b.reportDir, runID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, verify.CollectionFile), task.Tests, 0o644); err != nil {
		return nil, fmt.Errorf("writing collection: %w", err)
	}

	if err := verify.WaitForServer(ctx, b.readyURL, b.readyTimeout, b.readyInterval); err != nil {
		return nil, err
	}
	return b.verifier.Run(ctx, dir)
}

func (b *Bench) record(benchmarkID string, res *RunResult) *storage.RunRecord {
	transcript, err := json.Marshal(res.Transcript)
	if err != nil {
		b.logger.Warn("encoding transcript", slog.String("error", err.Error()))
	}
	return &storage.RunRecord{
		ID:          res.RunID,
		BenchmarkID: benchmarkID,
		TaskNumber:  res.TaskNumber,
		TaskID:      res.TaskID,
		Provider:    b.provider,
		State:       string(res.State),
		Outcome:     string(res.Outcome),
		ModelCalls:  res.ModelCalls,
		ToolCalls:   len(res.ToolCalls),
		ToolErrors:  res.FailedToolCalls(),
		TokensUsed:  res.TokensUsed,
		Error:       res.Error,
		Transcript:  transcript,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
}
