package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"
)

// SSEEvent represents a server-sent event for streaming run progress.
type SSEEvent struct {
	Type        string       `json:"type"`                   // "started", "result", "done", "error"
	Content     string       `json:"content,omitempty"`      // Error text or final assistant text.
	TaskNumber  int          `json:"task_number,omitempty"`
	BenchmarkID string       `json:"benchmark_id,omitempty"`
	Run         *RunResponse `json:"run,omitempty"`
}

// handleRunStream handles POST /v1/runs/stream with SSE responses.
// The run itself is not incremental: a "started" event is sent right away,
// then the result once the task has finished.
func (g *Gateway) handleRunStream(c *okapi.Context) error {
	req, err := g.bindRun(c)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.allowRun(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	c.SSEvent("started", SSEEvent{Type: "started", TaskNumber: req.TaskNumber, BenchmarkID: req.BenchmarkID})

	report, err := g.bench.RunTask(c.Context(), req.BenchmarkID, req.TaskNumber)
	if report == nil {
		g.logger.Error("streamed run failed", slog.Int("task", req.TaskNumber), slog.String("error", err.Error()))
		c.SSEvent("error", SSEEvent{Type: "error", Content: "run failed"})
		return nil
	}

	run := newRunResponse(report.Record, false)
	c.SSEvent("result", SSEEvent{Type: "result", Content: report.Run.FinalText, Run: &run})
	if err != nil {
		c.SSEvent("error", SSEEvent{Type: "error", Content: err.Error()})
		return nil
	}
	c.SSEvent("done", SSEEvent{Type: "done"})
	return nil
}
