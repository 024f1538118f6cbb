// Package runs keeps the history of sync runs.
package runs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SyncRun is the GORM model of one pipeline run.
type SyncRun struct {
	ID          string     `gorm:"primaryKey;column:id;type:varchar(36)" json:"id" yaml:"id"`
	StartedAt   time.Time  `gorm:"column:started_at;index:idx_sync_runs_started;not null" json:"startedAt" yaml:"startedAt"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Mode        string     `gorm:"column:mode;type:varchar(16)" json:"mode" yaml:"mode"`
	Destination string     `gorm:"column:destination;type:varchar(255)" json:"destination" yaml:"destination"`
	Fetched     int        `gorm:"column:fetched" json:"fetched" yaml:"fetched"`
	Duplicates  int        `gorm:"column:duplicates" json:"duplicates" yaml:"duplicates"`
	Written     int        `gorm:"column:written" json:"written" yaml:"written"`
	Failed      int        `gorm:"column:failed" json:"failed" yaml:"failed"`
	Consistency string     `gorm:"column:consistency;type:varchar(32)" json:"consistency" yaml:"consistency"`
	Status      string     `gorm:"column:status;type:varchar(32);index:idx_sync_runs_status" json:"status" yaml:"status"`
	Error       string     `gorm:"column:error;type:text" json:"error,omitempty" yaml:"error,omitempty"`
	DurationMs  int64      `gorm:"column:duration_ms" json:"durationMs" yaml:"durationMs"`
}

// TableName returns the GORM table name.
func (SyncRun) TableName() string { return "sync_runs" }

// Store provides database operations for the run history.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the sync_runs table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&SyncRun{})
}

// Save inserts the run, or updates it if a run with the same ID exists.
func (s *Store) Save(ctx context.Context, run *SyncRun) error {
	if run.ID == "" {
		return fmt.Errorf("save run: empty id")
	}
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID. It returns nil if the run does not exist.
func (s *Store) Get(ctx context.Context, id string) (*SyncRun, error) {
	var run SyncRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	var records []SyncRun
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

// DeleteOlderThan removes finished runs that started before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND started_at < ?", cutoff).
		Delete(&SyncRun{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
