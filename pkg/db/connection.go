// Package db opens the destination database for the configured dialect.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// Options tune the connection pool.
type Options struct {
	// Debug logs every SQL statement through gorm's logger.
	Debug           bool
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns the default pool settings.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to the database described by cfg. Failing to reach the
// database is a ConnectionFailure.
func Open(ctx context.Context, cfg config.DatabaseConfig, opts Options, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialector, err := Dialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Type == config.DatabaseSQLite {
		if err := ensureSQLiteDirectory(cfg.DSN); err != nil {
			return nil, syncerr.New(syncerr.KindConnectionFailure, "open database", err)
		}
		// A single connection keeps the loader transaction and the lock table
		// on the same handle, and makes in-memory databases usable.
		opts.MaxOpenConns = 1
	}

	db, err := OpenDialector(dialector, opts)
	if err != nil {
		return nil, err
	}

	log.Info("database opened", "type", cfg.Type, "dsn", RedactDSN(cfg.Type, cfg.DSN))
	return db, nil
}

// Dialector returns the gorm dialector of a database type.
func Dialector(dbType, dsn string) (gorm.Dialector, error) {
	switch dbType {
	case config.DatabasePostgres:
		return postgres.Open(dsn), nil
	case config.DatabaseMySQL:
		normalized, err := mysqlDSN(dsn)
		if err != nil {
			return nil, syncerr.New(syncerr.KindConfigInvalid, "parse mysql dsn", err)
		}
		return mysql.Open(normalized), nil
	case config.DatabaseSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, syncerr.Errorf(syncerr.KindConfigInvalid, "open database", "unsupported database type %q", dbType)
	}
}

// OpenDialector opens a gorm handle over an existing dialector.
func OpenDialector(dialector gorm.Dialector, opts Options) (*gorm.DB, error) {
	level := logger.Silent
	if opts.Debug {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindConnectionFailure, "open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, syncerr.New(syncerr.KindConnectionFailure, "open database", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// Probe checks that the database answers a trivial query.
func Probe(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		return syncerr.New(syncerr.KindConnectionFailure, "probe database", err)
	}
	return nil
}

// Close releases the connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// mysqlDSN makes sure times are scanned into time.Time in UTC.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

var pgPasswordPattern = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// RedactDSN hides the password of a DSN for logging.
func RedactDSN(dbType, dsn string) string {
	switch dbType {
	case config.DatabaseMySQL:
		cfg, err := gomysql.ParseDSN(dsn)
		if err != nil {
			return "<unparsable dsn>"
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "xxxxx"
		}
		return cfg.FormatDSN()
	case config.DatabasePostgres:
		if strings.Contains(dsn, "://") {
			u, err := url.Parse(dsn)
			if err != nil {
				return "<unparsable dsn>"
			}
			return u.Redacted()
		}
		return pgPasswordPattern.ReplaceAllString(dsn, "${1}xxxxx")
	default:
		return dsn
	}
}

func ensureSQLiteDirectory(dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || strings.Contains(candidate, ":memory:") || strings.Contains(candidate, "mode=memory") {
		return nil
	}

	candidate = strings.TrimPrefix(candidate, "file:")
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %q: %w", dir, err)
	}
	return nil
}
