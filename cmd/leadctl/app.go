package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/config"
	"gitlab.com/timkado/api/lead-capture-service/internal/filter"
	"gitlab.com/timkado/api/lead-capture-service/internal/storage"
	"gitlab.com/timkado/api/lead-capture-service/internal/usecase"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// leadService is the part of the lead service the CLI drives.
type leadService interface {
	ImportCSV(ctx context.Context, r io.Reader) (usecase.ImportResult, error)
	Export(ctx context.Context, c filter.Criteria, w io.Writer) error
	Probe(ctx context.Context) (string, error)
}

// openFunc builds the service and returns a func that releases it.
type openFunc func(ctx context.Context, configPath string) (leadService, func(), error)

type app struct {
	open       openFunc
	configPath string
	logLevel   string
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "leadctl",
		Short:   "Operate on captured leads",
		Version: version,
		Long: `leadctl imports lead spreadsheets, exports filtered leads as CSV and
checks that the configured record store accepts writes.

Store settings come from the same config file and environment variables the
service uses (STORE_DRIVER, POSTGRES_DSN, MONGO_URI).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.InitializeWith(logger.Options{
				Level:       a.logLevel,
				Encoding:    "console",
				OutputPaths: []string{"stderr"},
			})
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "directory holding default.yaml")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(a.importCommand(), a.exportCommand(), a.probeCommand())
	return root
}

// withService opens the service for one command run and sets the write
// source to "cli".
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc leadService) error) error {
	ctx := cmd.Context()
	svc, release, err := a.open(ctx, a.configPath)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, svc)
}

// openService wires the lead service from configuration.
func openService(ctx context.Context, configPath string) (leadService, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	store = storage.WithTimeout(store, cfg.Store.OpTimeout)

	svc := usecase.NewLeadService(store, cfg.Store.DualWrite, filter.Options{
		PushDown:     cfg.Filters.PushDown,
		DefaultLimit: cfg.Filters.DefaultLimit,
		MaxLimit:     cfg.Filters.MaxLimit,
	})
	release := func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Log.Warn("Failed to close store", zap.Error(err))
		}
	}
	return svc, release, nil
}
