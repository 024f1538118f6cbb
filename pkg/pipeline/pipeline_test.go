package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/db"
	"github.com/kubeflow/checksync/pkg/dblock"
	"github.com/kubeflow/checksync/pkg/failures"
	"github.com/kubeflow/checksync/pkg/fetch"
	"github.com/kubeflow/checksync/pkg/load"
	"github.com/kubeflow/checksync/pkg/normalize"
	"github.com/kubeflow/checksync/pkg/runs"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

const testTable = "quality_checks"

// reportingAPI serves a fixed list of raw records two per page.
type reportingAPI struct {
	records  []any
	failPage atomic.Int32
}

func newReportingAPI(records ...any) *reportingAPI {
	api := &reportingAPI{records: records}
	api.failPage.Store(-1)
	return api
}

func (a *reportingAPI) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/checks", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		if int32(page) == a.failPage.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		content := []any{}
		for i := page * size; i < (page+1)*size && i < len(a.records); i++ {
			content = append(content, a.records[i])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":    content,
			"totalPages": (len(a.records) + size - 1) / size,
		})
	})
	return r
}

func fetchOptions(endpoint string) fetch.Options {
	return fetch.Options{
		Endpoint:      endpoint,
		PageSize:      2,
		ContentKey:    "content",
		TotalPagesKey: "totalPages",
		Credentials:   fetch.Credentials{Token: "token"},
	}
}

type harness struct {
	endpoint string
	loader   *load.Loader
	db       *gorm.DB
	history  *runs.Store
	sink     *failures.TableSink
	pipeline *Pipeline
}

func newHarness(t *testing.T, api *reportingAPI, mode config.Mode, ddl ...string) *harness {
	t.Helper()
	ctx := context.Background()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	gdb, err := db.Open(ctx, config.DatabaseConfig{Type: config.DatabaseSQLite, DSN: "file::memory:"}, db.DefaultOptions(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	for _, stmt := range ddl {
		require.NoError(t, gdb.Exec(stmt).Error)
	}

	history := runs.NewStore(gdb)
	require.NoError(t, history.AutoMigrate())
	sink, err := failures.NewTableSink(gdb)
	require.NoError(t, err)
	locker, err := dblock.New(gdb, "checksync-schema:"+testTable)
	require.NoError(t, err)

	fetcher, err := fetch.New(fetch.NewDefaultClient(time.Second), fetchOptions(srv.URL+"/checks"), nil)
	require.NoError(t, err)

	loader := load.New(gdb, locker, sink, load.Options{Table: testTable, Mode: mode, BatchSize: 2}, nil)
	p := New(fetcher, normalize.New(nil, nil), loader, Options{Mode: mode, Table: testTable, History: history}, nil)

	return &harness{endpoint: srv.URL + "/checks", loader: loader, db: gdb, history: history, sink: sink, pipeline: p}
}

func (h *harness) ids(t *testing.T) []string {
	t.Helper()
	var ids []string
	require.NoError(t, h.db.Table(testTable).Order("id").Pluck("id", &ids).Error)
	return ids
}

func check(id, name string) map[string]any {
	return map[string]any{
		"id":               id,
		"name":             name,
		"evaluationStatus": "pass",
		"lastRunAt":        "2026-09-30T06:00:00Z",
		"definition":       "checks for orders:\n  - row_count > 0",
	}
}

func TestRunSucceeded(t *testing.T) {
	api := newReportingAPI(check("c1", "a"), check("c2", "b"), check("c1", "a again"), check("c3", "c"), check("c4", "d"))
	h := newHarness(t, api, config.ModeReplace)

	summary, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, summary.Status)
	assert.Equal(t, 5, summary.Fetched)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 4, summary.Written)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, load.Consistent, summary.Consistency)
	assert.Equal(t, map[string]int{"pass": 4}, summary.StatusCounts)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, h.ids(t))

	history, err := h.history.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, summary.RunID, history[0].ID)
	assert.Equal(t, string(StatusSucceeded), history[0].Status)
	assert.Equal(t, 4, history[0].Written)
	assert.NotNil(t, history[0].FinishedAt)
}

func TestRunFetchAbortLeavesDestinationUntouched(t *testing.T) {
	api := newReportingAPI(check("c1", "a"), check("c2", "b"), check("c3", "c"))
	h := newHarness(t, api, config.ModeReplace)
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	before := h.ids(t)

	api.failPage.Store(1)
	summary, err := h.pipeline.Run(ctx)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindTransportFailure))
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 0, summary.Fetched)
	assert.Equal(t, load.NotVerified, summary.Consistency)

	assert.Equal(t, before, h.ids(t))

	history, err := h.history.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	var failed *runs.SyncRun
	for i := range history {
		if history[i].ID == summary.RunID {
			failed = &history[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, string(StatusFailed), failed.Status)
	assert.Contains(t, failed.Error, "TransportFailure")
}

func TestRunPageLimitLeavesDestinationUntouched(t *testing.T) {
	api := newReportingAPI(check("c1", "a"), check("c2", "b"), check("c3", "c"),
		check("c4", "d"), check("c5", "e"), check("c6", "f"))
	ctx := context.Background()

	h := newHarness(t, api, config.ModeReplace)
	_, err := h.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2", "c3", "c4", "c5", "c6"}, h.ids(t))

	// Only the first of three pages may be read.
	opts := fetchOptions(h.endpoint)
	opts.MaxPages = 1
	limited, err := fetch.New(fetch.NewDefaultClient(time.Second), opts, nil)
	require.NoError(t, err)
	p := New(limited, normalize.New(nil, nil), h.loader, Options{Mode: config.ModeReplace, Table: testTable}, nil)

	summary, err := p.Run(ctx)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindUnexpectedShape))
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 0, summary.Fetched)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5", "c6"}, h.ids(t))
}

func TestRunTransformationFailureWritesNothing(t *testing.T) {
	api := newReportingAPI(check("c1", "a"), "not an object")
	h := newHarness(t, api, config.ModeReplace)

	summary, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindTransformationFailure))
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 2, summary.Fetched)
	assert.False(t, h.db.Migrator().HasTable(testTable))
}

func TestRunCompletedWithRowLosses(t *testing.T) {
	ddl := `CREATE TABLE quality_checks (
		id varchar(255) PRIMARY KEY,
		name varchar(1024) CHECK (name IS NULL OR name <> 'blocked'),
		evaluation_status varchar(64), last_run_at datetime, checked_column varchar(255),
		definition text, cloud_url varchar(2048), created_at datetime, dataset_name varchar(255))`
	api := newReportingAPI(check("c1", "a"), check("c2", "blocked"), check("c3", "c"))
	h := newHarness(t, api, config.ModeAppend, ddl)

	summary, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindRowInsertFailure))
	assert.Equal(t, StatusCompletedWithLoss, summary.Status)
	assert.Equal(t, 2, summary.Written)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, load.Consistent, summary.Consistency)
	assert.Equal(t, []string{"c1", "c3"}, h.ids(t))

	failed, err := h.sink.List(context.Background(), summary.RunID, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c2", failed[0].RecordID)
}

func TestRunInconsistent(t *testing.T) {
	ddl := []string{
		`CREATE TABLE quality_checks (
			id varchar(255) PRIMARY KEY, name varchar(1024), evaluation_status varchar(64),
			last_run_at datetime, checked_column varchar(255), definition text,
			cloud_url varchar(2048), created_at datetime, dataset_name varchar(255))`,
		`CREATE TRIGGER vanish_rows AFTER INSERT ON quality_checks WHEN NEW.name = 'vanish'
			BEGIN DELETE FROM quality_checks WHERE id = NEW.id; END`,
	}
	api := newReportingAPI(check("c1", "a"), check("c2", "vanish"))
	h := newHarness(t, api, config.ModeAppend, ddl...)

	summary, err := h.pipeline.Run(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConsistencyMismatch))
	assert.Equal(t, StatusInconsistent, summary.Status)
	assert.Equal(t, load.Inconsistent, summary.Consistency)
	assert.Equal(t, 2, summary.Written)
}

func TestSummaryString(t *testing.T) {
	s := &Summary{
		RunID:       "r1",
		Status:      StatusSucceeded,
		Fetched:     10,
		Duplicates:  2,
		Written:     8,
		Consistency: load.Consistent,
	}
	assert.Equal(t, "run r1 succeeded: fetched=10 duplicates_removed=2 written=8 failed=0 consistency=consistent", s.String())
}

type stubLoader struct {
	res *load.Result
	err error
}

func (l stubLoader) Load(context.Context, string, []checks.Record) (*load.Result, error) {
	return l.res, l.err
}

func TestRunClassifiesLoaderErrors(t *testing.T) {
	verified := &load.Verification{Expected: 1, Actual: 1}
	tests := []struct {
		name   string
		loader stubLoader
		want   Status
	}{
		{
			name:   "fatal kind",
			loader: stubLoader{err: syncerr.Errorf(syncerr.KindSchemaMismatch, "check columns", "column id is missing")},
			want:   StatusFailed,
		},
		{
			name:   "unclassified error",
			loader: stubLoader{res: &load.Result{}, err: context.Canceled},
			want:   StatusFailed,
		},
		{
			name:   "non-fatal without result",
			loader: stubLoader{err: syncerr.Errorf(syncerr.KindConsistencyMismatch, "verify", "count mismatch")},
			want:   StatusFailed,
		},
		{
			name: "consistency mismatch",
			loader: stubLoader{
				res: &load.Result{Inserted: 1, Verification: &load.Verification{Expected: 1, Actual: 0, Missing: []string{"c1"}}},
				err: syncerr.Errorf(syncerr.KindConsistencyMismatch, "verify", "count mismatch"),
			},
			want: StatusInconsistent,
		},
		{
			name: "row insert failure",
			loader: stubLoader{
				res: &load.Result{Inserted: 1, Verification: verified},
				err: syncerr.Errorf(syncerr.KindRowInsertFailure, "insert", "row c2 failed"),
			},
			want: StatusCompletedWithLoss,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newReportingAPI(check("c1", "a"))
			h := newHarness(t, api, config.ModeReplace)
			p := New(h.pipeline.fetcher, normalize.New(nil, nil), tt.loader, Options{Mode: config.ModeReplace, Table: testTable}, nil)

			summary, err := p.Run(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, summary.Status)
		})
	}
}
