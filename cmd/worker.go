package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/api"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

// ErrLocked means another worker holds the data directory lock.
var ErrLocked = errors.New("another worker is already running")

func WorkerCmd(a *app) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduler",
	}

	var inMemory bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the scheduler in the foreground",
		Long: `Start the scheduler in the foreground. Orphaned runs left by a previous
worker are recovered first. Ctrl+C cancels active attempts, records them as
failed and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, inMemory)
		},
	}

	startCmd.Flags().BoolVar(&inMemory, "in-memory", false, "Keep jobs in memory instead of the database")
	startCmd.Flags().Int("concurrency.download", 0, "Maximum concurrent downloads")
	startCmd.Flags().Int("concurrency.extract", 0, "Maximum concurrent extractions")
	startCmd.Flags().String("cancel-policy", "", "What a cancel does to a job: terminal or retry")
	startCmd.Flags().String("http.addr", "", "Serve the HTTP API and event stream on this address")
	workerCmd.AddCommand(startCmd)

	return workerCmd
}

func (a *app) runWorker(ctx context.Context, inMemory bool) error {
	cfg := a.cfg
	logger := log.With().Str("component", "worker").Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w on %s", ErrLocked, cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	var store storage.Backend
	if inMemory {
		store = storage.NewMemoryStore()
	} else {
		s, err := storage.NewStore(filepath.Join(cfg.DataDir, dbFileName))
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		store = s
	}
	a.store = store

	var (
		hub    *api.Hub
		events worker.EventSink
	)
	if cfg.HTTP.Addr != "" {
		hub = api.NewHub()
		events = hub
	}
	queue := newOrchestrator(store, cfg, events)
	a.queue = queue

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	status := WorkerStatus{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Concurrency: map[string]int{
			model.KindDownload: cfg.Concurrency.Download,
			model.KindExtract:  cfg.Concurrency.Extract,
		},
	}

	var (
		srv     *http.Server
		srvErrs = make(chan error, 1)
	)
	if hub != nil {
		ln, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			_ = queue.Shutdown(context.Background())
			return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
		}
		status.HTTPAddr = ln.Addr().String()

		hubCtx, cancelHub := context.WithCancel(context.Background())
		defer cancelHub()
		go hub.Run(hubCtx)

		srv = &http.Server{
			Handler:           api.NewRouter(queue, hub, cfg.HTTP.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", status.HTTPAddr).Msg("http api listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErrs <- err
			}
		}()
	}

	if err := writeWorkerStatus(cfg.DataDir, status); err != nil {
		logger.Warn().Err(err).Msg("could not write worker status")
	}
	defer os.Remove(filepath.Join(cfg.DataDir, statusFile))

	logger.Info().
		Int("pid", status.PID).
		Int("download_slots", cfg.Concurrency.Download).
		Int("extract_slots", cfg.Concurrency.Extract).
		Str("cancel_policy", cfg.CancelPolicy).
		Bool("in_memory", inMemory).
		Msg("worker started, press Ctrl+C to shut down")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-srvErrs:
		logger.Error().Err(runErr).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http server shutdown")
		}
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info().Msg("worker stopped")
	return runErr
}
