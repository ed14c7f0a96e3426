// agentbench runs LLM coding agents against benchmark tasks inside a Docker sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "agentbench",
	Short: "agentbench: sandboxed benchmark harness for LLM coding agents.",
	Long: `agentbench drives a language model through backend-development tasks.
The model works inside a single Docker sandbox container through a small tool
set (files, shell, container lifecycle); the resulting server can be verified
with the task's API tests and every run is recorded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.agentbench/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (or AGENTBENCH_LOG_LEVEL env)")
	rootCmd.AddCommand(runCmd, benchCmd, serveCmd, execCmd, tasksCmd, versionCmd)
	_ = godotenv.Load()

}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
