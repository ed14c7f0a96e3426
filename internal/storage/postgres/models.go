package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column on PostgreSQL and a
// TEXT column on SQLite.
type JSONB json.RawMessage

// RunModel maps to the "runs" table.
type RunModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	BenchmarkID string    `gorm:"index:idx_runs_benchmark"`
	TaskNumber  int       `gorm:"not null"`
	TaskID      string    `gorm:"not null;index"`
	Provider    string
	State       string    `gorm:"not null"`
	Outcome     string    `gorm:"not null;index"`
	ModelCalls  int       `gorm:"not null;default:0"`
	ToolCalls   int       `gorm:"not null;default:0"`
	ToolErrors  int       `gorm:"not null;default:0"`
	TokensUsed  int       `gorm:"not null;default:0"`
	Error       string    `gorm:"type:text"`
	Verified    bool      `gorm:"not null;default:false"`
	TestsPassed int       `gorm:"not null;default:0"`
	TestsFailed int       `gorm:"not null;default:0"`
	VerifyError string    `gorm:"type:text"`
	Transcript  JSONB     `gorm:"type:jsonb"`
	StartedAt   time.Time `gorm:"index:idx_runs_benchmark"`
	FinishedAt  time.Time
	UpdatedAt   time.Time
}

func (RunModel) TableName() string { return "runs" }

// Models lists every table in migration order. Both backends migrate the same set.
func Models() []any {
	return []any{&RunModel{}}
}
