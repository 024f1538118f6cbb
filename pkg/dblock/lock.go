// Package dblock serializes schema changes on the destination database
// across concurrent sync processes.
package dblock

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// Locker acquires a database-wide named lock around fn.
type Locker interface {
	// WithLock executes fn while holding the lock. It blocks until the lock
	// is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// New creates the Locker appropriate for the database dialect. PostgreSQL
// uses advisory locks, MySQL uses GET_LOCK and other databases use a lock
// table. The lock table is created immediately for the table strategy.
func New(db *gorm.DB, name string) (Locker, error) {
	if db == nil {
		return noopLock{}, nil
	}
	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(name))),
		}, nil
	case "mysql":
		return &mysqlNamedLock{db: db, name: name, timeout: 5 * time.Minute}, nil
	}

	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &tableLock{
		db:            db,
		name:          name,
		maxRetries:    30,
		retryInterval: time.Second,
		staleAge:      5 * time.Minute,
	}, nil
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock holds a session advisory lock on one pinned connection, so
// that lock and unlock run in the same session.
type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("failed to acquire schema advisory lock: %w", err)
		}
		defer func() {
			_ = conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
		}()
		return fn()
	})
}

// mysqlNamedLock uses GET_LOCK on one pinned connection.
type mysqlNamedLock struct {
	db      *gorm.DB
	name    string
	timeout time.Duration
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got *int
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", l.name, int(l.timeout.Seconds())).Scan(&got).Error; err != nil {
			return fmt.Errorf("failed to acquire schema lock: %w", err)
		}
		if got == nil || *got != 1 {
			return fmt.Errorf("failed to acquire schema lock %q within %s", l.name, l.timeout)
		}
		defer func() {
			_ = conn.WithContext(context.WithoutCancel(ctx)).Exec("SELECT RELEASE_LOCK(?)", l.name).Error
		}()
		return fn()
	})
}

// lockRecord is the lock row of the table strategy.
type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "sync_schema_lock" }

// tableLock uses INSERT-or-fail on a lock table to allow one holder at a
// time. Rows older than staleAge are removed so a crashed holder does not
// block forever.
type tableLock struct {
	db            *gorm.DB
	name          string
	maxRetries    int
	retryInterval time.Duration
	staleAge      time.Duration
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	row := lockRecord{ID: l.name, LockedBy: fmt.Sprintf("%s/%d", hostname, os.Getpid())}

	for i := 0; ; i++ {
		l.db.WithContext(ctx).Where("id = ? AND locked_at < ?", l.name, time.Now().Add(-l.staleAge)).Delete(&lockRecord{})

		row.LockedAt = time.Now()
		result := l.db.WithContext(ctx).Create(&row)
		if result.Error == nil {
			break
		}
		if i >= l.maxRetries-1 {
			return fmt.Errorf("failed to acquire schema lock after %d attempts: %w", l.maxRetries, result.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	defer func() {
		l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", l.name).Delete(&lockRecord{})
	}()

	return fn()
}
