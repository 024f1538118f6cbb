package failures

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func sampleRows(runID string, at time.Time) []FailedRow {
	return []FailedRow{
		{
			RunID:    runID,
			RecordID: "c1",
			Reason:   "CHECK constraint failed: name_not_blocked",
			Values:   map[string]any{"id": "c1", "name": "blocked", "definition": nil},
			FailedAt: at,
		},
		{
			RunID:    runID,
			RecordID: "c2",
			Reason:   "value too long",
			Values:   map[string]any{"id": "c2"},
			FailedAt: at.Add(time.Second),
		},
	}
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "failed.jsonl")
	sink := NewFileSink(path)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, sampleRows("run-1", at)))
	require.NoError(t, sink.Record(ctx, sampleRows("run-2", at)[:1]))
	require.NoError(t, sink.Record(ctx, nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []FailedRow
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row FailedRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines = append(lines, row)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 3)
	assert.Equal(t, "run-1", lines[0].RunID)
	assert.Equal(t, "c1", lines[0].RecordID)
	assert.Equal(t, "blocked", lines[0].Values["name"])
	assert.Nil(t, lines[0].Values["definition"])
	assert.Equal(t, "run-2", lines[2].RunID)
}

func TestTableSinkRecordAndList(t *testing.T) {
	db := setupTestDB(t)
	sink, err := NewTableSink(db)
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, sampleRows("run-1", at)))
	require.NoError(t, sink.Record(ctx, sampleRows("run-2", at.Add(time.Hour))))

	all, err := sink.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Newest first.
	assert.Equal(t, "run-2", all[0].RunID)
	assert.Equal(t, "c2", all[0].RecordID)

	run1, err := sink.List(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, run1, 2)
	assert.Equal(t, "c2", run1[0].RecordID)
	assert.Equal(t, "c1", run1[1].RecordID)
	assert.Equal(t, "CHECK constraint failed: name_not_blocked", run1[1].Reason)
	assert.Equal(t, "blocked", run1[1].Values["name"])

	limited, err := sink.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTableSinkRecordIsAppendOnly(t *testing.T) {
	db := setupTestDB(t)
	sink, err := NewTableSink(db)
	require.NoError(t, err)
	ctx := context.Background()

	rows := sampleRows("run-1", time.Now().UTC())
	require.NoError(t, sink.Record(ctx, rows))
	require.NoError(t, sink.Record(ctx, rows))

	var count int64
	require.NoError(t, db.Model(&FailedRowRecord{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.Record(context.Background(), sampleRows("run", time.Now())))
}
