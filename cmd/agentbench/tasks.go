package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/agentbench/internal/tasks"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the benchmark tasks",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := tasks.Load(cfg.TasksDir)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tID\tTITLE\tTESTS")
		for _, t := range store.List() {
			tests := "no"
			if t.Tests != nil {
				tests = "yes"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.Number, t.ID, t.Title, tests)
		}
		return tw.Flush()
	},
}
