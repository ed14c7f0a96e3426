package postgres

import (
	"github.com/jkaninda/agentbench/internal/storage"
)

// --- Run ---

func toRunModel(r *storage.RunRecord) RunModel {
	var transcript JSONB
	if len(r.Transcript) > 0 {
		transcript = JSONB(r.Transcript)
	}
	return RunModel{
		ID:          r.ID,
		BenchmarkID: r.BenchmarkID,
		TaskNumber:  r.TaskNumber,
		TaskID:      r.TaskID,
		Provider:    r.Provider,
		State:       r.State,
		Outcome:     r.Outcome,
		ModelCalls:  r.ModelCalls,
		ToolCalls:   r.ToolCalls,
		ToolErrors:  r.ToolErrors,
		TokensUsed:  r.TokensUsed,
		Error:       r.Error,
		Verified:    r.Verified,
		TestsPassed: r.TestsPassed,
		TestsFailed: r.TestsFailed,
		VerifyError: r.VerifyError,
		Transcript:  transcript,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
	}
}

func toRunRecord(m *RunModel) *storage.RunRecord {
	return &storage.RunRecord{
		ID:          m.ID,
		BenchmarkID: m.BenchmarkID,
		TaskNumber:  m.TaskNumber,
		TaskID:      m.TaskID,
		Provider:    m.Provider,
		State:       m.State,
		Outcome:     m.Outcome,
		ModelCalls:  m.ModelCalls,
		ToolCalls:   m.ToolCalls,
		ToolErrors:  m.ToolErrors,
		TokensUsed:  m.TokensUsed,
		Error:       m.Error,
		Verified:    m.Verified,
		TestsPassed: m.TestsPassed,
		TestsFailed: m.TestsFailed,
		VerifyError: m.VerifyError,
		Transcript:  []byte(m.Transcript),
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}
}
