// Package failures records the rows the loader could not insert.
package failures

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FailedRow is one check record that could not be inserted.
type FailedRow struct {
	RunID    string         `json:"runId" yaml:"runId"`
	RecordID string         `json:"recordId" yaml:"recordId"`
	Reason   string         `json:"reason" yaml:"reason"`
	Values   map[string]any `json:"values" yaml:"values"`
	FailedAt time.Time      `json:"failedAt" yaml:"failedAt"`
}

// Sink persists failed rows. Sinks only ever append.
type Sink interface {
	Record(ctx context.Context, rows []FailedRow) error
}

// NopSink discards failed rows.
type NopSink struct{}

func (NopSink) Record(context.Context, []FailedRow) error { return nil }

// FileSink appends failed rows to a JSON Lines file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink writing to path. The file is created on the
// first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the file the sink appends to.
func (s *FileSink) Path() string { return s.path }

// Record appends one line per row.
func (s *FileSink) Record(ctx context.Context, rows []FailedRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create failure log directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}

	enc := json.NewEncoder(f)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("write failure log: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close failure log: %w", err)
	}
	return nil
}

// FailedRowRecord is the GORM model of a failed row.
type FailedRowRecord struct {
	ID        uint           `gorm:"primaryKey;autoIncrement;column:id"`
	RunID     string         `gorm:"column:run_id;type:varchar(36);index:idx_failed_rows_run"`
	RecordID  string         `gorm:"column:record_id;type:varchar(255)"`
	Reason    string         `gorm:"column:reason;type:text"`
	RawValues datatypes.JSON `gorm:"column:raw_values"`
	FailedAt  time.Time      `gorm:"column:failed_at;index:idx_failed_rows_at"`
}

// TableName returns the GORM table name.
func (FailedRowRecord) TableName() string { return "sync_failed_rows" }

// TableSink stores failed rows in the sync_failed_rows table.
type TableSink struct {
	db *gorm.DB
}

// NewTableSink creates the sink and its table.
func NewTableSink(db *gorm.DB) (*TableSink, error) {
	if err := db.AutoMigrate(&FailedRowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate failed rows table: %w", err)
	}
	return &TableSink{db: db}, nil
}

// Record inserts the rows.
func (s *TableSink) Record(ctx context.Context, rows []FailedRow) error {
	if len(rows) == 0 {
		return nil
	}

	records := make([]FailedRowRecord, 0, len(rows))
	for _, row := range rows {
		raw, err := json.Marshal(row.Values)
		if err != nil {
			return fmt.Errorf("encode values of record %s: %w", row.RecordID, err)
		}
		records = append(records, FailedRowRecord{
			RunID:     row.RunID,
			RecordID:  row.RecordID,
			Reason:    row.Reason,
			RawValues: datatypes.JSON(raw),
			FailedAt:  row.FailedAt,
		})
	}

	if err := s.db.WithContext(ctx).CreateInBatches(records, 100).Error; err != nil {
		return fmt.Errorf("insert failed rows: %w", err)
	}
	return nil
}

// List returns the most recent failed rows, newest first. An empty runID
// lists rows of every run.
func (s *TableSink) List(ctx context.Context, runID string, limit int) ([]FailedRow, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&FailedRowRecord{})
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}

	var records []FailedRowRecord
	if err := q.Order("failed_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list failed rows: %w", err)
	}

	rows := make([]FailedRow, 0, len(records))
	for _, r := range records {
		row := FailedRow{
			RunID:    r.RunID,
			RecordID: r.RecordID,
			Reason:   r.Reason,
			FailedAt: r.FailedAt,
		}
		if len(r.RawValues) > 0 {
			if err := json.Unmarshal(r.RawValues, &row.Values); err != nil {
				return nil, fmt.Errorf("decode values of record %s: %w", r.RecordID, err)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
