// Package storage defines the Store interface for run history.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store is the persistence interface for agentbench.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	Runs() RunStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// RunStore persists task runs.
type RunStore interface {
	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error)
	// ListRuns returns runs newest first. An empty benchmarkID lists every run;
	// limit <= 0 means no limit.
	ListRuns(ctx context.Context, benchmarkID string, limit int) ([]*RunRecord, error)
	Summary(ctx context.Context, benchmarkID string) (*Summary, error)
}

// RunRecord is one persisted task run.
type RunRecord struct {
	ID          uuid.UUID `json:"id"`
	BenchmarkID string    `json:"benchmark_id"`
	TaskNumber  int       `json:"task_number"`
	TaskID      string    `json:"task_id"`
	Provider    string    `json:"provider"`
	State       string    `json:"state"`
	Outcome     string    `json:"outcome"` // "done", "max_iterations", "error"
	ModelCalls  int       `json:"model_calls"`
	ToolCalls   int       `json:"tool_calls"`
	ToolErrors  int       `json:"tool_errors"`
	TokensUsed  int       `json:"tokens_used"`
	Error       string    `json:"error,omitempty"`

	// Verification results. Verified is false when no tests ran.
	Verified    bool   `json:"verified"`
	TestsPassed int    `json:"tests_passed"`
	TestsFailed int    `json:"tests_failed"`
	VerifyError string `json:"verify_error,omitempty"`

	Transcript []byte    `json:"-"` // JSON-encoded []llm.Message
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summary aggregates the runs of one benchmark.
type Summary struct {
	BenchmarkID   string `json:"benchmark_id"`
	Runs          int    `json:"runs"`
	Done          int    `json:"done"`
	MaxIterations int    `json:"max_iterations"`
	Errored       int    `json:"errored"`
	Verified      int    `json:"verified"`
	TestsPassed   int    `json:"tests_passed"`
	TestsFailed   int    `json:"tests_failed"`
	ModelCalls    int    `json:"model_calls"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
