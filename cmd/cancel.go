package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func CancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Long: `Cancel a job. With cancel_policy=terminal the job is marked failed.
If a worker is running the job, its process is sent a termination signal;
with cancel_policy=retry the interrupted attempt is retried.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			cancelled, err := queue.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled.\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s was not cancelled.\n", args[0])
			}
			return nil
		},
	}
}
