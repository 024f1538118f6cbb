package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/db"
	"github.com/kubeflow/checksync/pkg/dblock"
	"github.com/kubeflow/checksync/pkg/failures"
	"github.com/kubeflow/checksync/pkg/fetch"
	"github.com/kubeflow/checksync/pkg/load"
	"github.com/kubeflow/checksync/pkg/normalize"
	"github.com/kubeflow/checksync/pkg/pipeline"
	"github.com/kubeflow/checksync/pkg/runs"
)

func newRunCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Synchronize the destination table with the reporting API",
		Long: `Fetch every check from the reporting API and write it to the destination
table. Without --interval a single run is performed and the command fails
unless the run succeeded. With --interval runs repeat, one at a time, until
the process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSync(cmd.Context(), cmd.OutOrStdout(), cfg, interval, logger)
		},
	}

	registerRunFlags(cmd.Flags())
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat runs on this interval instead of running once")

	return cmd
}

func runSync(ctx context.Context, out io.Writer, cfg *config.Config, interval time.Duration, logger *slog.Logger) error {
	// Missing credentials are reported before the database is touched.
	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}

	gdb, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}()

	p, history, err := buildPipeline(cfg, fetcher, gdb, logger)
	if err != nil {
		return err
	}

	if interval > 0 {
		var pruner pipeline.Pruner
		if history != nil {
			pruner = history
		}
		pipeline.NewScheduler(p, interval, pruner, cfg.Runs.RetentionDays, logger).Run(ctx)
		return nil
	}

	summary, err := p.Run(ctx)
	if summary != nil {
		fmt.Fprintln(out, summary.String())
	}
	return err
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	opts := db.DefaultOptions()
	opts.Debug = cfg.Log.Level == "debug"
	return db.Open(ctx, cfg.Database, opts, logger)
}

func newFetcher(cfg *config.Config, logger *slog.Logger) (*fetch.Fetcher, error) {
	return fetch.New(fetch.NewDefaultClient(cfg.API.Timeout), fetch.Options{
		Endpoint:      cfg.API.Endpoint,
		PageSize:      cfg.PageSize,
		ContentKey:    cfg.API.ContentKey,
		TotalPagesKey: cfg.API.TotalPagesKey,
		MaxPages:      cfg.API.MaxPages,
		Credentials: fetch.Credentials{
			KeyID:     cfg.API.KeyID,
			KeySecret: cfg.API.KeySecret,
			Token:     cfg.API.Token,
		},
	}, logger)
}

// buildPipeline wires the normalizer and loader for cfg around fetcher. The
// run history store is returned when it is enabled.
func buildPipeline(cfg *config.Config, fetcher pipeline.Fetcher, gdb *gorm.DB, logger *slog.Logger) (*pipeline.Pipeline, *runs.Store, error) {
	sink, err := newFailureSink(cfg, gdb, logger)
	if err != nil {
		return nil, nil, err
	}

	locker, err := dblock.New(gdb, "checksync-schema:"+cfg.Destination.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up schema lock: %w", err)
	}

	loader := load.New(gdb, locker, sink, load.Options{
		Table:     cfg.Destination.Table,
		Mode:      cfg.Mode,
		BatchSize: cfg.BatchSize,
		Widths:    cfg.Widths(),
	}, logger)

	opts := pipeline.Options{Mode: cfg.Mode, Table: cfg.Destination.Table}
	var history *runs.Store
	if cfg.Runs.Enabled {
		history = runs.NewStore(gdb)
		if err := history.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate run history: %w", err)
		}
		opts.History = history
	}

	return pipeline.New(fetcher, normalize.New(cfg.Widths(), logger), loader, opts, logger), history, nil
}

func newFailureSink(cfg *config.Config, gdb *gorm.DB, logger *slog.Logger) (failures.Sink, error) {
	switch cfg.Failures.Sink {
	case config.SinkFile:
		sink := failures.NewFileSink(cfg.Failures.Path)
		logger.Info("failed rows are appended to file", "path", sink.Path())
		return sink, nil
	case config.SinkTable:
		sink, err := failures.NewTableSink(gdb)
		if err != nil {
			return nil, fmt.Errorf("failed to set up failure table: %w", err)
		}
		return sink, nil
	default:
		return failures.NopSink{}, nil
	}
}
