package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

func DlqCmd(a *app) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the Dead Letter Queue (failed jobs)",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			jobs, err := queue.ListJobs(cmd.Context(), storage.JobFilter{Status: model.StatusFailed})
			if err != nil {
				return fmt.Errorf("failed to list DLQ jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "Dead Letter Queue is empty.")
				return nil
			}
			fmt.Fprintln(out, "--- Jobs in DLQ ---")
			printJobs(out, jobs)
			return nil
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List every failed run",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			runs, err := queue.ListFailedRuns(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No failed runs.")
				return nil
			}
			printRuns(out, runs)
			return nil
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a failed job back to pending with its attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			if err := queue.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved from DLQ to 'pending' state.\n", args[0])
			return nil
		},
	}

	dlqCmd.AddCommand(listCmd)
	dlqCmd.AddCommand(runsCmd)
	dlqCmd.AddCommand(retryCmd)
	return dlqCmd
}
