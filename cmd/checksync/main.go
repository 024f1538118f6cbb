// Package main provides the checksync binary, which copies data quality
// checks from a paginated reporting API into a relational table.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kubeflow/checksync/pkg/config"
)

var (
	version = "dev"

	configPath string
)

func main() {
	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		glog.Exitf("checksync: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "checksync",
		Short: "Synchronize data quality checks into a database table",
		Long: `checksync reads every data quality check from a paginated reporting API,
normalizes and deduplicates the records, and writes them to a destination
table in PostgreSQL, MySQL or SQLite.

Configuration is read from --config, CHECKSYNC_* environment variables and
flags, in increasing order of precedence.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.String("db-type", defaults.Database.Type, "Database type (postgres, mysql or sqlite)")
	flags.String("db-dsn", "", "Database connection string")
	flags.String("table", defaults.Destination.Table, "Destination table")
	flags.String("log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "Log format (text or json)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newFailuresCmd())

	return rootCmd
}

// loadConfig reads the configuration for cmd, sets up the default logger
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (supported: text, json)", cfg.Format)
	}
}

// registerRunFlags adds the flags that only matter when a run is performed.
func registerRunFlags(flags *pflag.FlagSet) {
	defaults := config.Default()
	flags.String("api-endpoint", "", "Reporting API endpoint returning check pages")
	flags.Duration("api-timeout", defaults.API.Timeout, "Per-request timeout")
	flags.Int("max-pages", 0, "Stop with an error after this many pages (0 means no limit)")
	flags.Int("page-size", defaults.PageSize, "Records requested per page")
	flags.Int("batch-size", defaults.BatchSize, "Rows inserted per batch")
	flags.String("mode", string(defaults.Mode), "Load mode (replace or append)")
	flags.String("failures-sink", defaults.Failures.Sink, "Where failed rows are recorded (file, table or none)")
	flags.String("failures-path", defaults.Failures.Path, "File written by the file failure sink")
}
