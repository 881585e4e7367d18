package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
)

func ListCmd(a *app) *cobra.Command {
	var state, kind string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state and kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := model.JobStatus(state)
			if status != "" && !status.IsValid() {
				return fmt.Errorf("unknown state %q (pending, processing, retrying, completed, failed)", state)
			}

			queue, err := a.open()
			if err != nil {
				return err
			}
			jobs, err := queue.ListJobs(cmd.Context(), storage.JobFilter{Kind: kind, Status: status})
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			printJobs(out, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state (pending, processing, retrying, completed, failed)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (download, extract)")
	return cmd
}

func printJobs(out io.Writer, jobs []*model.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATE\tATTEMPTS\tPROGRESS\tUPDATED\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%.0f%%\t%s\t%s\n",
			job.ID, job.Kind, job.Status, job.Attempts, job.MaxRetries,
			job.ProgressPercent, job.UpdatedAt.Format(time.DateTime), job.LastError)
	}
	_ = tw.Flush()
}

type jobDetail struct {
	*model.Job
	LatestRun *model.Run `json:"latest_run,omitempty"`
}

func ShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its latest run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			job, err := queue.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			detail := jobDetail{Job: job}
			if run, err := queue.GetLatestRun(cmd.Context(), job.ID); err == nil {
				detail.LatestRun = run
			} else if !storage.IsNotFound(err) {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail)
		},
	}
}

func RunsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs <job-id>",
		Short: "List the runs of a job, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			runs, err := queue.ListJobRuns(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs yet.")
				return nil
			}
			printRuns(out, runs)
			return nil
		},
	}
}

func printRuns(out io.Writer, runs []*model.Run) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tJOB\tATTEMPT\tSTATE\tSTARTED\tDURATION\tERROR")
	for _, run := range runs {
		duration := "-"
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		errText := run.ErrorMessage
		if run.ErrorCode != "" {
			errText = run.ErrorCode + ": " + errText
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			run.ID, run.JobID, run.Attempt, run.State,
			run.StartedAt.Format(time.DateTime), duration, errText)
	}
	_ = tw.Flush()
}

// WorkerStatus is written to the data directory while "worker start" runs.
type WorkerStatus struct {
	PID         int            `json:"pid"`
	StartedAt   time.Time      `json:"started_at"`
	Concurrency map[string]int `json:"concurrency"`
	HTTPAddr    string         `json:"http_addr,omitempty"`
}

func StatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a summary of job states and the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := a.open()
			if err != nil {
				return err
			}
			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- Job Queue Status ---")
			if len(stats) == 0 {
				fmt.Fprintln(out, "No jobs in the queue.")
			}
			states := make([]string, 0, len(stats))
			for state := range stats {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Fprintf(out, "%s:\t%d\n", state, stats[state])
			}

			fmt.Fprintln(out, "\n--- Worker Status ---")
			status, err := readWorkerStatus(a.cfg.DataDir)
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "Worker:\tstopped")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Worker:\tpid %d, started at %s\n", status.PID, status.StartedAt.Format(time.DateTime))
			kinds := make([]string, 0, len(status.Concurrency))
			for kind := range status.Concurrency {
				kinds = append(kinds, kind)
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				fmt.Fprintf(out, "%s slots:\t%d\n", kind, status.Concurrency[kind])
			}
			if status.HTTPAddr != "" {
				fmt.Fprintf(out, "HTTP:\t%s\n", status.HTTPAddr)
			}
			return nil
		},
	}
}

func readWorkerStatus(dataDir string) (*WorkerStatus, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, statusFile))
	if err != nil {
		return nil, err
	}
	var status WorkerStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("could not parse worker status: %w", err)
	}
	return &status, nil
}

func writeWorkerStatus(dataDir string, status WorkerStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, statusFile), data, 0o644)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
