package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/db"
	"github.com/kubeflow/checksync/pkg/failures"
	"github.com/kubeflow/checksync/pkg/runs"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

func addOutputFlag(cmd *cobra.Command, format *outputFormat) {
	*format = outputTable
	cmd.Flags().VarP(format, "output", "o", "Output format: table, json, yaml")
}

// requireDatabase checks the settings the history commands depend on.
func requireDatabase(cfg *config.Config) error {
	if cfg.Database.DSN == "" {
		return syncerr.Errorf(syncerr.KindConfigInvalid, "validate config", "database.dsn is required")
	}
	return nil
}

func newRunsCmd() *cobra.Command {
	var (
		limit  int
		format outputFormat
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			gdb, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(gdb) }()

			store := runs.NewStore(gdb)
			if err := store.AutoMigrate(); err != nil {
				return fmt.Errorf("failed to migrate run history: %w", err)
			}
			list, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd, format, list)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	addOutputFlag(cmd, &format)

	return cmd
}

func printRuns(cmd *cobra.Command, format outputFormat, list []runs.SyncRun) error {
	headers := []string{"id", "started", "status", "mode", "fetched", "duplicates", "written", "failed", "consistency", "duration"}
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		started := r.StartedAt
		rows = append(rows, []string{
			r.ID,
			formatTime(&started),
			r.Status,
			r.Mode,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Duplicates),
			strconv.Itoa(r.Written),
			strconv.Itoa(r.Failed),
			r.Consistency,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
		})
	}
	return printOutput(cmd.OutOrStdout(), format, list, headers, rows)
}

func newFailuresCmd() *cobra.Command {
	var (
		runID  string
		limit  int
		format outputFormat
	)

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List rows that could not be inserted",
		Long: `List the rows recorded by the table failure sink, newest first. Rows
recorded by the file sink are in the JSON Lines file named by failures.path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireDatabase(cfg); err != nil {
				return err
			}

			gdb, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(gdb) }()

			sink, err := failures.NewTableSink(gdb)
			if err != nil {
				return err
			}
			rows, err := sink.List(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			return printFailures(cmd, format, rows)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Only show rows of this run")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows to show")
	addOutputFlag(cmd, &format)

	return cmd
}

func printFailures(cmd *cobra.Command, format outputFormat, list []failures.FailedRow) error {
	headers := []string{"run", "record", "failed", "reason"}
	rows := make([][]string, 0, len(list))
	for _, f := range list {
		failed := f.FailedAt
		rows = append(rows, []string{
			f.RunID,
			f.RecordID,
			formatTime(&failed),
			ellipsize(f.Reason, 80),
		})
	}
	return printOutput(cmd.OutOrStdout(), format, list, headers, rows)
}
