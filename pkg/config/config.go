// Package config loads the check sync configuration from defaults, an
// optional YAML file, CHECKSYNC_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// EnvPrefix is prepended to every environment variable, e.g.
// CHECKSYNC_API_KEY_SECRET for api.key_secret.
const EnvPrefix = "CHECKSYNC"

// Mode selects how the destination table is superseded.
type Mode string

const (
	// ModeReplace drops and recreates the destination table on every run.
	ModeReplace Mode = "replace"
	// ModeAppend keeps the existing table and clears its rows explicitly
	// before inserting.
	ModeAppend Mode = "append"
)

// Failure sink backends.
const (
	SinkFile  = "file"
	SinkTable = "table"
	SinkNone  = "none"
)

// Database types.
const (
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
	DatabaseSQLite   = "sqlite"
)

// APIConfig describes the remote reporting API.
type APIConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	KeyID         string        `mapstructure:"key_id"`
	KeySecret     string        `mapstructure:"key_secret"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ContentKey    string        `mapstructure:"content_key"`
	TotalPagesKey string        `mapstructure:"total_pages_key"`
	MaxPages      int           `mapstructure:"max_pages"` // 0 means no limit
}

// DatabaseConfig describes the destination database.
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// DestinationConfig names the destination table.
type DestinationConfig struct {
	Table string `mapstructure:"table"`
}

// FailuresConfig selects where rows that could not be inserted are recorded.
type FailuresConfig struct {
	Sink string `mapstructure:"sink"`
	Path string `mapstructure:"path"`
}

// RunsConfig controls the run history table.
type RunsConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"` // 0 keeps history forever
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete check sync configuration.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Destination DestinationConfig `mapstructure:"destination"`
	Failures    FailuresConfig    `mapstructure:"failures"`
	Runs        RunsConfig        `mapstructure:"runs"`
	Log         LogConfig         `mapstructure:"log"`

	PageSize  int  `mapstructure:"page_size"`
	BatchSize int  `mapstructure:"batch_size"`
	Mode      Mode `mapstructure:"mode"`
	// MaxStringLen is the truncation width per string column.
	MaxStringLen map[string]int `mapstructure:"max_string_len"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout:       30 * time.Second,
			ContentKey:    "content",
			TotalPagesKey: "totalPages",
		},
		Database: DatabaseConfig{
			Type: DatabasePostgres,
		},
		Destination: DestinationConfig{
			Table: "quality_checks",
		},
		Failures: FailuresConfig{
			Sink: SinkTable,
			Path: "failed_rows.jsonl",
		},
		Runs: RunsConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		PageSize:     100,
		BatchSize:    500,
		Mode:         ModeReplace,
		MaxStringLen: checks.DefaultWidths(),
	}
}

// flagBindings maps config keys to the flag names registered by the CLI.
var flagBindings = map[string]string{
	"api.endpoint":      "api-endpoint",
	"api.timeout":       "api-timeout",
	"api.max_pages":     "max-pages",
	"database.type":     "db-type",
	"database.dsn":      "db-dsn",
	"destination.table": "table",
	"failures.sink":     "failures-sink",
	"failures.path":     "failures-path",
	"page_size":         "page-size",
	"batch_size":        "batch-size",
	"mode":              "mode",
	"log.level":         "log-level",
	"log.format":        "log-format",
}

// Load builds the configuration. path may be empty. Flags that were not
// registered on the given set are ignored.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, syncerr.New(syncerr.KindConfigInvalid, "read config", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, syncerr.New(syncerr.KindConfigInvalid, "decode config", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("api.endpoint", d.API.Endpoint)
	v.SetDefault("api.key_id", d.API.KeyID)
	v.SetDefault("api.key_secret", d.API.KeySecret)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.content_key", d.API.ContentKey)
	v.SetDefault("api.total_pages_key", d.API.TotalPagesKey)
	v.SetDefault("api.max_pages", d.API.MaxPages)
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("destination.table", d.Destination.Table)
	v.SetDefault("failures.sink", d.Failures.Sink)
	v.SetDefault("failures.path", d.Failures.Path)
	v.SetDefault("runs.enabled", d.Runs.Enabled)
	v.SetDefault("runs.retention_days", d.Runs.RetentionDays)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("mode", string(d.Mode))
	// Per-column keys so that CHECKSYNC_MAX_STRING_LEN_<COLUMN> is picked up.
	for col, width := range d.MaxStringLen {
		v.SetDefault("max_string_len."+col, width)
	}
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate rejects configurations the pipeline cannot run with. It does not
// check API credentials; the fetcher reports those as AuthenticationMissing.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.API.Endpoint) == "" {
		problems = append(problems, "api.endpoint is required")
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, "api.timeout must be positive")
	}
	if c.API.ContentKey == "" {
		problems = append(problems, "api.content_key is required")
	}
	if c.API.MaxPages < 0 {
		problems = append(problems, "api.max_pages must not be negative")
	}
	if c.PageSize <= 0 {
		problems = append(problems, "page_size must be positive")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "batch_size must be positive")
	}
	if c.Mode != ModeReplace && c.Mode != ModeAppend {
		problems = append(problems, fmt.Sprintf("mode %q is not one of replace, append", c.Mode))
	}

	switch c.Database.Type {
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
	default:
		problems = append(problems, fmt.Sprintf("database.type %q is not one of postgres, mysql, sqlite", c.Database.Type))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if !tableNamePattern.MatchString(c.Destination.Table) {
		problems = append(problems, fmt.Sprintf("destination.table %q is not a valid table name", c.Destination.Table))
	}

	switch c.Failures.Sink {
	case SinkTable, SinkNone:
	case SinkFile:
		if c.Failures.Path == "" {
			problems = append(problems, "failures.path is required for the file sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("failures.sink %q is not one of file, table, none", c.Failures.Sink))
	}

	for col, width := range c.MaxStringLen {
		capacity := checks.Capacity(col)
		switch {
		case capacity == 0:
			problems = append(problems, fmt.Sprintf("max_string_len.%s: unknown string column", col))
		case width <= 0:
			problems = append(problems, fmt.Sprintf("max_string_len.%s must be positive", col))
		case width > capacity:
			problems = append(problems, fmt.Sprintf("max_string_len.%s=%d exceeds column capacity %d", col, width, capacity))
		}
	}

	if len(problems) > 0 {
		return syncerr.Errorf(syncerr.KindConfigInvalid, "validate config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Widths returns the truncation width of every string column, falling back
// to the column capacity for columns the configuration does not mention.
func (c *Config) Widths() map[string]int {
	widths := checks.DefaultWidths()
	for col, width := range c.MaxStringLen {
		if _, ok := widths[col]; ok && width > 0 {
			widths[col] = width
		}
	}
	return widths
}
