package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whadgest/whadgest-backend/internal/app"
	"github.com/whadgest/whadgest-backend/internal/queue"
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsRequeueCmd, jobsStatsCmd)

	jobsListCmd.Flags().String("state", string(queue.StateDead), "job state to list")
	jobsListCmd.Flags().Int("limit", 50, "maximum number of jobs")
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the summarization queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in a state (dead letters by default)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawState, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		state, err := queue.ParseState(rawState)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			jobs, err := a.Queue.List(ctx, state, limit)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Printf("No %s jobs.\n", state)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Key, j.Attempts, j.MaxAttempts,
					j.UpdatedAt.Format(time.RFC3339), j.LastError.String)
			}
			return w.Flush()
		})
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Move a dead job back to pending with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Queue.Requeue(ctx, args[0]); err != nil {
				return fmt.Errorf("requeue %s: %w", args[0], err)
			}
			fmt.Printf("Job %s requeued.\n", args[0])
			return nil
		})
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print job counts per state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			states := make([]string, 0, len(stats))
			for state := range stats {
				states = append(states, string(state))
			}
			sort.Strings(states)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tJOBS")
			for _, state := range states {
				fmt.Fprintf(w, "%s\t%d\n", state, stats[queue.State(state)])
			}
			return w.Flush()
		})
	},
}
