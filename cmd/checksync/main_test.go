package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/failures"
	"github.com/kubeflow/checksync/pkg/runs"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

func TestOutputFormatFlag(t *testing.T) {
	tests := []struct {
		input   string
		want    outputFormat
		wantErr bool
	}{
		{"table", outputTable, false},
		{"JSON", outputJSON, false},
		{"yaml", outputYAML, false},
		{"xml", outputTable, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			format := outputTable
			err := format.Set(tt.input)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, format)
		})
	}
}

func TestRunsRejectsUnknownOutputFormat(t *testing.T) {
	_, err := execute(t, "runs", "--db-type", "sqlite", "--db-dsn", filepath.Join(t.TempDir(), "x.db"), "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	err := printOutput(&buf, outputTable, nil, []string{"id", "status"}, [][]string{{"r1", "succeeded"}, {"r22", "failed"}})
	require.NoError(t, err)
	assert.Equal(t, "ID   STATUS\nr1   succeeded\nr22  failed\n", buf.String())
}

func TestEllipsize(t *testing.T) {
	assert.Equal(t, "short", ellipsize("short", 10))
	assert.Equal(t, "abcdefg...", ellipsize("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", ellipsize("abcdef", 2))
	assert.Equal(t, "ééé...", ellipsize("éééééééé", 6))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "page", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, float64(1), line["page"])

	_, err = newLogger(&buf, config.LogConfig{Level: "loud", Format: "text"})
	assert.Error(t, err)
	_, err = newLogger(&buf, config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func reportingServer(t *testing.T, records ...map[string]any) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/checks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		content := []map[string]any{}
		for i := page * size; i < (page+1)*size && i < len(records); i++ {
			content = append(content, records[i])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":    content,
			"totalPages": (len(records) + size - 1) / size,
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandEndToEnd(t *testing.T) {
	srv := reportingServer(t,
		map[string]any{"id": "c1", "name": "row count", "evaluationStatus": "pass"},
		map[string]any{"id": "c2", "name": "freshness", "evaluationStatus": "fail"},
		map[string]any{"id": "c1", "name": "row count", "evaluationStatus": "pass"},
	)
	dsn := filepath.Join(t.TempDir(), "reporting.db")
	t.Setenv("CHECKSYNC_API_TOKEN", "secret-token")

	out, err := execute(t, "run",
		"--api-endpoint", srv.URL+"/api/checks",
		"--db-type", "sqlite",
		"--db-dsn", dsn,
		"--page-size", "2",
		"--log-level", "error",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded: fetched=3 duplicates_removed=1 written=2 failed=0 consistency=consistent")

	out, err = execute(t, "runs", "--db-type", "sqlite", "--db-dsn", dsn, "--log-level", "error", "-o", "json")
	require.NoError(t, err)
	var history []runs.SyncRun
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "succeeded", history[0].Status)
	assert.Equal(t, 2, history[0].Written)

	out, err = execute(t, "failures", "--db-type", "sqlite", "--db-dsn", dsn, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "RUN  RECORD  FAILED  REASON\n", out)
}

func TestRunCommandWithoutCredentials(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "reporting.db")
	_, err := execute(t, "run",
		"--api-endpoint", "http://127.0.0.1:1/api/checks",
		"--db-type", "sqlite",
		"--db-dsn", dsn,
		"--log-level", "error",
	)
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindAuthenticationMissing))
	assert.NoFileExists(t, dsn)
}

func TestRunCommandRejectsInvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "--api-endpoint", "http://example.invalid", "--db-dsn", "x", "--mode", "merge", "--log-level", "error")
	require.Error(t, err)
	assert.True(t, syncerr.IsKind(err, syncerr.KindConfigInvalid))
}

func TestNewFailureSink(t *testing.T) {
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "failed", "rows.jsonl")
	cfg.Failures = config.FailuresConfig{Sink: config.SinkFile, Path: path}

	var logs bytes.Buffer
	logger, err := newLogger(&logs, config.LogConfig{Level: "info", Format: "text"})
	require.NoError(t, err)

	sink, err := newFailureSink(cfg, nil, logger)
	require.NoError(t, err)
	fileSink, ok := sink.(*failures.FileSink)
	require.True(t, ok)
	assert.Equal(t, path, fileSink.Path())
	assert.Contains(t, logs.String(), "path="+path)

	cfg.Failures.Sink = config.SinkNone
	sink, err = newFailureSink(cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, failures.NopSink{}, sink)
}
