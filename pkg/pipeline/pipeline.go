// Package pipeline runs one synchronization: fetch, normalize, load.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/config"
	"github.com/kubeflow/checksync/pkg/fetch"
	"github.com/kubeflow/checksync/pkg/load"
	"github.com/kubeflow/checksync/pkg/normalize"
	"github.com/kubeflow/checksync/pkg/runs"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// Status is the outcome of a run.
type Status string

const (
	StatusRunning           Status = "running"
	StatusSucceeded         Status = "succeeded"
	StatusCompletedWithLoss Status = "completed_with_row_losses"
	StatusInconsistent      Status = "inconsistent"
	StatusFailed            Status = "failed"
)

// Fetcher returns every raw record of the remote API.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]fetch.RawRecord, error)
}

// Normalizer turns raw records into deduplicated check records.
type Normalizer interface {
	Normalize(ctx context.Context, raw []fetch.RawRecord) (*normalize.Result, error)
}

// Loader writes check records to the destination.
type Loader interface {
	Load(ctx context.Context, runID string, records []checks.Record) (*load.Result, error)
}

// History records runs. *runs.Store implements it.
type History interface {
	Save(ctx context.Context, run *runs.SyncRun) error
}

// Options configures a Pipeline.
type Options struct {
	Mode  config.Mode
	Table string
	// History is optional.
	History History
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched      int
	Duplicates   int
	MissingID    int
	Written      int
	Failed       int
	Consistency  string
	StatusCounts map[string]int

	Status Status
	Err    error
}

// Pipeline runs Fetcher, Normalizer and Loader in sequence.
type Pipeline struct {
	fetcher    Fetcher
	normalizer Normalizer
	loader     Loader
	opts       Options
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(f Fetcher, n Normalizer, l Loader, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{fetcher: f, normalizer: n, loader: l, opts: opts, logger: logger}
}

// Run performs one synchronization. A fatal error at any stage stops the
// run before anything is written. The returned error is nil only when the
// status is StatusSucceeded; the summary is always returned.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	s := &Summary{
		RunID:       uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Consistency: load.NotVerified,
		Status:      StatusRunning,
	}
	logger := p.logger.With("runId", s.RunID)
	p.record(ctx, s)

	s.Status, s.Err = p.run(ctx, s, logger)
	s.FinishedAt = time.Now().UTC()

	attrs := []any{
		"status", s.Status,
		"fetched", s.Fetched,
		"duplicatesRemoved", s.Duplicates,
		"written", s.Written,
		"failed", s.Failed,
		"consistency", s.Consistency,
		"duration", s.FinishedAt.Sub(s.StartedAt).String(),
	}
	if s.Err != nil {
		attrs = append(attrs, "error", syncerr.Loggable(s.Err))
		logger.Error("sync run finished", attrs...)
	} else {
		logger.Info("sync run finished", attrs...)
	}

	p.record(ctx, s)
	return s, s.Err
}

func (p *Pipeline) run(ctx context.Context, s *Summary, logger *slog.Logger) (Status, error) {
	raw, err := p.fetcher.FetchAll(ctx)
	if err != nil {
		return StatusFailed, err
	}
	s.Fetched = len(raw)

	normalized, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		return StatusFailed, err
	}
	s.Duplicates = normalized.Duplicates
	s.MissingID = normalized.MissingID
	s.StatusCounts = normalized.StatusCounts
	if len(normalized.StatusCounts) > 0 {
		logger.Info("check status counts", "counts", normalized.StatusSummary())
	}

	res, err := p.loader.Load(ctx, s.RunID, normalized.Records)
	if res != nil {
		s.Written = res.Inserted
		s.Failed = len(res.Failed)
		s.Consistency = res.Verification.Result()
	}
	switch {
	case syncerr.IsFatal(err) || (err != nil && res == nil):
		return StatusFailed, err
	case syncerr.IsKind(err, syncerr.KindConsistencyMismatch):
		return StatusInconsistent, err
	case err != nil:
		return StatusCompletedWithLoss, err
	case s.Failed > 0:
		return StatusCompletedWithLoss, syncerr.Errorf(syncerr.KindRowInsertFailure, "load",
			"%d of %d rows could not be inserted", s.Failed, len(normalized.Records))
	default:
		return StatusSucceeded, nil
	}
}

// record saves the run in the history. History failures are logged and do
// not change the outcome of the run.
func (p *Pipeline) record(ctx context.Context, s *Summary) {
	if p.opts.History == nil {
		return
	}
	run := &runs.SyncRun{
		ID:          s.RunID,
		StartedAt:   s.StartedAt,
		Mode:        string(p.opts.Mode),
		Destination: p.opts.Table,
		Fetched:     s.Fetched,
		Duplicates:  s.Duplicates,
		Written:     s.Written,
		Failed:      s.Failed,
		Consistency: s.Consistency,
		Status:      string(s.Status),
	}
	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		run.FinishedAt = &finished
		run.DurationMs = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	}
	if s.Err != nil {
		run.Error = s.Err.Error()
	}
	if err := p.opts.History.Save(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Warn("failed to record run history", "runId", s.RunID, "error", err)
	}
}

// String renders the end-of-run line.
func (s *Summary) String() string {
	return fmt.Sprintf("run %s %s: fetched=%d duplicates_removed=%d written=%d failed=%d consistency=%s",
		s.RunID, s.Status, s.Fetched, s.Duplicates, s.Written, s.Failed, s.Consistency)
}
