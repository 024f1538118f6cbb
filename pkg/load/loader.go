// Package load writes normalized check records into the destination table,
// superseding the previous contents in a single transaction.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/db"
	"github.com/kubeflow/checksync/pkg/dblock"
	"github.com/kubeflow/checksync/pkg/failures"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// DefaultBatchSize is used when Options.BatchSize is not set.
const DefaultBatchSize = 500

// Options configures a Loader.
type Options struct {
	Table     string
	Mode      config.Mode
	BatchSize int
	// Widths are the truncation widths of the string columns, used to check
	// a pre-existing table in append mode.
	Widths map[string]int
}

// Result describes one load.
type Result struct {
	// Inserted is the number of rows written to the destination table.
	Inserted int
	// Cleared is the number of rows deleted in append mode.
	Cleared int64
	// Created reports whether the table was created by this load.
	Created bool
	// Failed are the rows that could not be inserted.
	Failed       []failures.FailedRow
	Verification *Verification
}

// Loader writes check records to the destination database.
type Loader struct {
	db     *gorm.DB
	locker dblock.Locker
	sink   failures.Sink
	opts   Options
	logger *slog.Logger
}

// New creates a Loader. A nil locker or sink means no locking and no
// persisted failures.
func New(gdb *gorm.DB, locker dblock.Locker, sink failures.Sink, opts Options, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker, _ = dblock.New(nil, "")
	}
	if sink == nil {
		sink = failures.NopSink{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeReplace
	}
	if opts.Widths == nil {
		opts.Widths = checks.DefaultWidths()
	}
	return &Loader{db: gdb, locker: locker, sink: sink, opts: opts, logger: logger}
}

// Load replaces the contents of the destination table with records. Nothing
// destructive happens before the connection probe succeeds, and the table
// changes once, when the transaction commits.
//
// Rows that fail to insert are skipped and reported in Result.Failed. A
// verification mismatch is returned as a ConsistencyMismatch error together
// with the result. Any other error means nothing was written.
func (l *Loader) Load(ctx context.Context, runID string, records []checks.Record) (*Result, error) {
	if err := db.Probe(ctx, l.db); err != nil {
		return nil, err
	}

	res := &Result{}
	var inserted []string

	// MySQL commits implicitly on DDL, so the schema is prepared before the
	// transaction there. A MySQL replace loads into a staging table that is
	// swapped in after commit.
	ddlInTx := l.db.Dialector.Name() != "mysql"
	staged := !ddlInTx && l.opts.Mode == config.ModeReplace
	target := l.opts.Table
	if staged {
		target = stagingTable(l.opts.Table)
	}

	err := l.locker.WithLock(ctx, func() error {
		if !ddlInTx {
			if err := l.prepareSchema(l.db.WithContext(ctx), target, res); err != nil {
				return err
			}
		}
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if ddlInTx {
				if err := l.prepareSchema(tx, target, res); err != nil {
					return err
				}
			}
			if err := l.clear(tx, res); err != nil {
				return err
			}
			var err error
			inserted, err = l.insert(ctx, tx, target, runID, records, res)
			return err
		})
		if !staged {
			return err
		}
		if err != nil {
			l.dropStaging(ctx, target)
			return err
		}
		return swapTable(l.db.WithContext(ctx), target, l.opts.Table)
	})
	if err != nil {
		return nil, err
	}
	res.Inserted = len(inserted)

	l.logger.Info("loaded check records",
		"table", l.opts.Table,
		"mode", l.opts.Mode,
		"inserted", res.Inserted,
		"failed", len(res.Failed),
	)

	if len(res.Failed) > 0 {
		if err := l.sink.Record(ctx, res.Failed); err != nil {
			l.logger.Error("failed to persist failed rows", "rows", len(res.Failed), "error", err)
		}
	}

	v, err := Verify(ctx, l.db, l.opts.Table, inserted)
	res.Verification = v
	if err != nil {
		return res, err
	}
	return res, nil
}

// prepareSchema recreates table in replace mode, or creates it if absent
// and checks its columns in append mode.
func (l *Loader) prepareSchema(tx *gorm.DB, table string, res *Result) error {
	switch l.opts.Mode {
	case config.ModeReplace:
		if err := recreateTable(tx, table); err != nil {
			return err
		}
		res.Created = true
		return nil
	case config.ModeAppend:
		created, err := ensureTable(tx, table, l.opts.Widths)
		if err != nil {
			return err
		}
		res.Created = created
		return nil
	default:
		return syncerr.Errorf(syncerr.KindConfigInvalid, "load", "unknown mode %q", l.opts.Mode)
	}
}

func (l *Loader) dropStaging(ctx context.Context, staging string) {
	if err := l.db.WithContext(context.WithoutCancel(ctx)).Migrator().DropTable(staging); err != nil {
		l.logger.Warn("failed to drop staging table", "table", staging, "error", err)
	}
}

// clear deletes every row of a table the loader did not just create.
func (l *Loader) clear(tx *gorm.DB, res *Result) error {
	if res.Created {
		return nil
	}
	result := tx.Table(l.opts.Table).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&checks.Record{})
	if result.Error != nil {
		return fmt.Errorf("clear table %s: %w", l.opts.Table, result.Error)
	}
	res.Cleared = result.RowsAffected
	l.logger.Debug("cleared destination table", "table", l.opts.Table, "rows", res.Cleared)
	return nil
}

// insert writes records to table in batches. A batch that fails is rolled back to its
// savepoint and retried row by row; rows that still fail are appended to
// res.Failed. It returns the identifiers of the inserted rows.
func (l *Loader) insert(ctx context.Context, tx *gorm.DB, table, runID string, records []checks.Record, res *Result) ([]string, error) {
	inserted := make([]string, 0, len(records))

	for batch, start := 0, 0; start < len(records); batch, start = batch+1, start+l.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+l.opts.BatchSize, len(records))
		chunk := records[start:end]

		savepoint := fmt.Sprintf("checksync_batch_%d", batch)
		if err := tx.SavePoint(savepoint).Error; err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		err := tx.Table(table).Create(&chunk).Error
		if err == nil {
			for _, rec := range chunk {
				inserted = append(inserted, rec.ID)
			}
			continue
		}

		l.logger.Warn("batch insert failed, retrying row by row",
			"batch", batch, "rows", len(chunk), "error", err)
		if err := tx.RollbackTo(savepoint).Error; err != nil {
			return nil, fmt.Errorf("rollback batch %d: %w", batch, err)
		}

		for i := range chunk {
			rec := chunk[i]
			rowSavepoint := fmt.Sprintf("checksync_row_%d_%d", batch, i)
			if err := tx.SavePoint(rowSavepoint).Error; err != nil {
				return nil, fmt.Errorf("savepoint: %w", err)
			}
			if err := tx.Table(table).Create(&rec).Error; err != nil {
				if rbErr := tx.RollbackTo(rowSavepoint).Error; rbErr != nil {
					return nil, fmt.Errorf("rollback row %s: %w", rec.ID, rbErr)
				}
				rowErr := syncerr.New(syncerr.KindRowInsertFailure, "insert "+rec.ID, err)
				l.logger.Warn("skipping row", "id", rec.ID, "error", syncerr.Loggable(rowErr))
				res.Failed = append(res.Failed, failures.FailedRow{
					RunID:    runID,
					RecordID: rec.ID,
					Reason:   err.Error(),
					Values:   rec.Values(),
					FailedAt: time.Now().UTC(),
				})
				continue
			}
			inserted = append(inserted, rec.ID)
		}
	}
	return inserted, nil
}
