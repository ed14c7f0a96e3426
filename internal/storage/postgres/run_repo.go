package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/agentbench/internal/storage"
)

// Compile-time interface check.
var _ storage.RunStore = (*RunRepository)(nil)

// RunRepository implements storage.RunStore with GORM. The SQLite backend
// reuses it unchanged.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun inserts the run, or replaces it when the id already exists.
func (r *RunRepository) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with the given id, or storage.ErrNotFound.
func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*storage.RunRecord, error) {
	var m RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return toRunRecord(&m), nil
}

// ListRuns returns runs newest first, without transcripts.
func (r *RunRepository) ListRuns(ctx context.Context, benchmarkID string, limit int) ([]*storage.RunRecord, error) {
	q := r.db.WithContext(ctx).Omit("transcript").Order("started_at DESC")
	if benchmarkID != "" {
		q = q.Where("benchmark_id = ?", benchmarkID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]*storage.RunRecord, len(models))
	for i := range models {
		runs[i] = toRunRecord(&models[i])
	}
	return runs, nil
}

// Summary aggregates outcome and test counts for a benchmark.
func (r *RunRepository) Summary(ctx context.Context, benchmarkID string) (*storage.Summary, error) {
	var row struct {
		Runs          int
		Done          int
		MaxIterations int
		Errored       int
		Verified      int
		TestsPassed   int
		TestsFailed   int
		ModelCalls    int
	}
	err := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("benchmark_id = ?", benchmarkID).
		Select(`COUNT(*) AS runs,
			COALESCE(SUM(CASE WHEN outcome = 'done' THEN 1 ELSE 0 END), 0) AS done,
			COALESCE(SUM(CASE WHEN outcome = 'max_iterations' THEN 1 ELSE 0 END), 0) AS max_iterations,
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0) AS errored,
			COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified,
			COALESCE(SUM(tests_passed), 0) AS tests_passed,
			COALESCE(SUM(tests_failed), 0) AS tests_failed,
			COALESCE(SUM(model_calls), 0) AS model_calls`).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("summarizing benchmark %s: %w", benchmarkID, err)
	}

	return &storage.Summary{
		BenchmarkID:   benchmarkID,
		Runs:          row.Runs,
		Done:          row.Done,
		MaxIterations: row.MaxIterations,
		Errored:       row.Errored,
		Verified:      row.Verified,
		TestsPassed:   row.TestsPassed,
		TestsFailed:   row.TestsFailed,
		ModelCalls:    row.ModelCalls,
	}, nil
}
