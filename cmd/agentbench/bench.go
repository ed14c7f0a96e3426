package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbench/internal/agent"
	"github.com/jkaninda/agentbench/internal/storage"
)

var (
	benchTasks    []int
	benchAll      bool
	benchVerify   bool
	benchSchedule string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a set of tasks sequentially and summarize them",
	Long: `Run tasks one after another under a shared benchmark id, optionally
verifying each resulting server with the task's API tests, then print a summary.

With --schedule (or schedule.cron in the config) the benchmark repeats on a
cron schedule until interrupted. A run still in progress when the next one is
due is not overlapped; the tick is skipped.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntSliceVar(&benchTasks, "tasks", nil, "task numbers to run, e.g. 1,2,3")
	benchCmd.Flags().BoolVar(&benchAll, "all", false, "run every task in the manifest")
	benchCmd.Flags().BoolVar(&benchVerify, "verify", false, "run the task's API tests after each run")
	benchCmd.Flags().StringVar(&benchSchedule, "schedule", "", "repeat on this 5-field cron schedule")
}

func runBench(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	schedule := benchSchedule
	numbers := benchTasks
	if s := cfg.Schedule; s != nil {
		if schedule == "" {
			schedule = s.Cron
		}
		if len(numbers) == 0 && !benchAll {
			numbers = s.Tasks
		}
	}
	if len(numbers) == 0 && !benchAll && schedule == "" {
		return fmt.Errorf("pass --tasks or --all")
	}
	if benchAll {
		numbers = nil
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := newLLMProvider(cfg, sc.Obs, logger)
	bench := sc.newBench(sc.newLoop(provider), provider.Name(), benchVerify)
	runs := sc.Store.Runs()

	if schedule == "" {
		return benchOnce(ctx, bench, runs, numbers, logger)
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))),
	))
	if _, err := c.AddFunc(schedule, func() {
		if err := benchOnce(ctx, bench, runs, numbers, logger); err != nil && ctx.Err() == nil {
			logger.Error("scheduled benchmark failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	logger.Info("benchmark scheduled", slog.String("cron", schedule))
	c.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-c.Stop().Done()
	return nil
}

// benchOnce runs one benchmark and prints its table and summary.
func benchOnce(ctx context.Context, bench *agent.Bench, runs storage.RunStore, numbers []int, logger *slog.Logger) error {
	benchmarkID := agent.NewBenchmarkID()
	logger.Info("starting benchmark", slog.String("benchmark_id", benchmarkID), slog.Any("tasks", numbers))

	reports, runErr := bench.RunAll(ctx, benchmarkID, numbers)
	printTable(os.Stdout, reports)

	summary, err := runs.Summary(context.WithoutCancel(ctx), benchmarkID)
	if err != nil {
		return errors.Join(runErr, fmt.Errorf("summarizing benchmark: %w", err))
	}
	printSummary(os.Stdout, summary)
	return runErr
}

func printTable(w io.Writer, reports []*agent.TaskReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tID\tOUTCOME\tMODEL CALLS\tTOOL CALLS\tTOOL ERRORS\tTESTS\tDURATION")
	for _, r := range reports {
		rec := r.Record
		tests := "-"
		switch {
		case rec.Verified:
			tests = fmt.Sprintf("%d/%d", rec.TestsPassed, rec.TestsPassed+rec.TestsFailed)
		case rec.VerifyError != "":
			tests = "error"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			rec.TaskNumber, rec.TaskID, rec.Outcome, rec.ModelCalls, rec.ToolCalls, rec.ToolErrors,
			tests, r.Run.Duration().Round(time.Millisecond))
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, s *storage.Summary) {
	fmt.Fprintf(w, "\nbenchmark %s: %d runs, %d done, %d hit max iterations, %d errored",
		s.BenchmarkID, s.Runs, s.Done, s.MaxIterations, s.Errored)
	if s.Verified > 0 {
		fmt.Fprintf(w, "; %d verified, %d assertions passed, %d failed", s.Verified, s.TestsPassed, s.TestsFailed)
	}
	fmt.Fprintln(w)
}
