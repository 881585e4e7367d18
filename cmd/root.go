package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/backoff"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/config"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/logging"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/process"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

const (
	cliName      = "dzqueue"
	dbFileName   = "queue.db"
	statusFile   = "worker.status"
	lockFileName = "worker.lock"
)

// app carries what PersistentPreRunE loads into the subcommands.
type app struct {
	configPath string
	manager    *config.Manager
	cfg        *config.Config
	logs       io.Closer

	store storage.Backend
	queue *worker.Orchestrator
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           cliName,
		Short:         "A persistent job queue for downloads and archive extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			manager, err := config.NewManager(a.configPath)
			if err != nil {
				return err
			}
			cfg, err := manager.Load(cmd.Flags())
			if err != nil {
				return err
			}
			closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
			if err != nil {
				return err
			}
			a.manager, a.cfg, a.logs = manager, cfg, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default <user config dir>/dzqueue/config.json)")
	flags.String("data-dir", "", "Directory holding the job database")
	flags.String("log.level", "", "Log level (debug, info, warn, error)")
	flags.String("log.format", "", "Log format (text, json)")
	flags.String("log.file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(EnqueueCmd(a))
	rootCmd.AddCommand(ListCmd(a))
	rootCmd.AddCommand(ShowCmd(a))
	rootCmd.AddCommand(RunsCmd(a))
	rootCmd.AddCommand(CancelCmd(a))
	rootCmd.AddCommand(StatusCmd(a))
	rootCmd.AddCommand(WorkerCmd(a))
	rootCmd.AddCommand(DlqCmd(a))
	rootCmd.AddCommand(ConfigCmd(a))
	return rootCmd
}

// open creates the SQLite store under data_dir and an orchestrator over it.
// The orchestrator is not started; commands other than "worker start" only
// use it to read and write the queue.
func (a *app) open() (*worker.Orchestrator, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.NewStore(filepath.Join(a.cfg.DataDir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store
	a.queue = newOrchestrator(store, a.cfg, nil)
	return a.queue, nil
}

func (a *app) close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
		a.store, a.queue = nil, nil
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.logs = nil
	}
	return firstErr
}

// newOrchestrator wires the download and extract adapters with the
// configured concurrency ceilings.
func newOrchestrator(store storage.Backend, cfg *config.Config, events worker.EventSink) *worker.Orchestrator {
	policy, err := worker.ParseCancelPolicy(cfg.CancelPolicy)
	if err != nil {
		log.Warn().Err(err).Msg("falling back to terminal cancel policy")
		policy = worker.CancelTerminal
	}

	sup := process.NewSupervisor(cfg.CancelGrace)
	o := worker.New(store, sup, worker.Options{
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressInterval,
		MaxRetries:       cfg.MaxRetries,
		Backoff: backoff.Calculator{
			BaseDelay:  cfg.BackoffDelay,
			Multiplier: cfg.BackoffBase,
			MaxDelay:   cfg.BackoffMax,
		},
		CancelPolicy: policy,
		Events:       events,
	})
	o.Register(model.KindDownload, cfg.Concurrency.Download, worker.AdapterHandler{
		Adapter:    process.NewWget(sup),
		Executable: cfg.Tools.Wget,
	})
	o.Register(model.KindExtract, cfg.Concurrency.Extract, worker.AdapterHandler{
		Adapter:    process.NewSevenZip(sup),
		Executable: cfg.Tools.SevenZip,
	})
	return o
}
