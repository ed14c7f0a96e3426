package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbench/internal/sandbox"
)

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command in the live sandbox container",
	Long: `Run one command in the running sandbox container with the same executor
the agent uses: output is collected until the command exits or the timeout
passes, after which the command keeps running in the background.

The arguments are quoted and joined into a single sh -c command line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "output collection timeout (default: exec.timeout_seconds)")
}

func runExec(_ *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := sc.Manager.Lookup(ctx)
	if err != nil {
		return err
	}

	res, err := sc.Sandbox.Execute(ctx, h, sandbox.ExecutionRequest{
		Command: shellquote.Join(args...),
		Timeout: execTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, res.Output)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "[output truncated]")
	}
	return nil
}
