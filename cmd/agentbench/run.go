package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbench/internal/agent"
)

var (
	runTask        int
	runToolsURL    string
	runBenchmarkID string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one task through the agent loop",
	Long: `Run one benchmark task: reset the sandbox, let the model work until it stops
calling tools, ask it to start the server, then record the run.

With --tools-url the sandbox tools come from a remote "agentbench serve"
instance instead of the local Docker daemon.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runTask, "task", 1, "task number (1-based position in the manifest)")
	runCmd.Flags().StringVar(&runToolsURL, "tools-url", "", "MCP endpoint of a remote agentbench server (or AGENTBENCH_TOOLS_URL env)")
	runCmd.Flags().StringVar(&runBenchmarkID, "benchmark-id", "", "group the run under this id (default: generated)")
}

func runRun(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, sharedOptions{toolsURL: goutils.Env("AGENTBENCH_TOOLS_URL", runToolsURL)})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := newLLMProvider(cfg, sc.Obs, logger)
	bench := sc.newBench(sc.newLoop(provider), provider.Name(), false)

	benchmarkID := runBenchmarkID
	if benchmarkID == "" {
		benchmarkID = agent.NewBenchmarkID()
	}
	logger.Info("running task",
		slog.Int("task", runTask),
		slog.String("benchmark_id", benchmarkID),
		slog.String("provider", provider.Name()),
	)

	report, err := bench.RunTask(ctx, benchmarkID, runTask)
	if report == nil {
		return err
	}
	if report.Run.FinalText != "" {
		fmt.Println(report.Run.FinalText)
		fmt.Println()
	}
	printReport(os.Stdout, report)
	return err
}

// printReport writes the one-line summary of a task run.
func printReport(w io.Writer, r *agent.TaskReport) {
	rec := r.Record
	fmt.Fprintf(w, "task %d (%s): %s after %d model calls, %d tool calls (%d failed), %d tokens, %s",
		rec.TaskNumber, rec.TaskID, rec.Outcome, rec.ModelCalls, rec.ToolCalls, rec.ToolErrors,
		rec.TokensUsed, r.Run.Duration().Round(time.Millisecond))
	switch {
	case rec.Verified:
		fmt.Fprintf(w, ", tests %d/%d passed", rec.TestsPassed, rec.TestsPassed+rec.TestsFailed)
	case rec.VerifyError != "":
		fmt.Fprintf(w, ", verification failed: %s", rec.VerifyError)
	}
	fmt.Fprintf(w, " [run %s]\n", rec.ID)
}
