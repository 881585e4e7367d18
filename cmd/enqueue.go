package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

func EnqueueCmd(a *app) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <job(json)>",
		Short: "Add a job to the queue",
		Long: `Add a job to the queue. The argument is a JSON object:

  {"kind": "download", "payload": {"source": "https://host/mod.zip"}, "target_directory": "/mods/tmp"}

"id", "scheduled_at" (RFC 3339) and "max_retries" are optional.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req worker.EnqueueRequest
			dec := json.NewDecoder(strings.NewReader(args[0]))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				return fmt.Errorf("invalid job JSON: %w", err)
			}

			queue, err := a.open()
			if err != nil {
				return err
			}
			id, err := queue.Enqueue(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s enqueued.\n", id)
			return nil
		},
	}
	return enqueueCmd
}
