// Package normalize reconciles raw API records with the fixed check record
// shape, coerces their values and removes duplicate identifiers.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/tidwall/gjson"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/fetch"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// NoStatus is the StatusCounts key for records without an evaluation status.
const NoStatus = "unknown"

// aliases lists the incoming keys accepted for each column, in lookup order.
// dataset_name is derived and has no alias.
var aliases = map[string][]string{
	checks.ColumnID:               {"id", "checkId", "check_id"},
	checks.ColumnName:             {"name", "checkName", "check_name"},
	checks.ColumnEvaluationStatus: {"evaluationStatus", "evaluation_status"},
	checks.ColumnLastRunAt:        {"lastRunAt", "last_run_at", "lastCheckRunTime", "last_check_run_time"},
	checks.ColumnCheckedColumn:    {"column", "checkedColumn", "checked_column"},
	checks.ColumnDefinition:       {"definition"},
	checks.ColumnCloudURL:         {"cloudUrl", "cloud_url"},
	checks.ColumnCreatedAt:        {"createdAt", "created_at"},
}

var knownKeys = func() mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, keys := range aliases {
		s.Append(keys...)
	}
	return s
}()

// Result is the normalized table plus the counters of one run.
type Result struct {
	Records []checks.Record

	InputCount        int
	Duplicates        int
	MissingID         int
	InvalidTimestamps int
	Truncated         int

	// MissingAttributes are expected attributes no raw record carried.
	MissingAttributes []string
	// SharedNames maps a check name to the identifiers that share it.
	SharedNames map[string][]string
	// StatusCounts is the number of records per evaluation status.
	StatusCounts map[string]int
}

// Normalizer turns raw records into check records.
type Normalizer struct {
	widths map[string]int
	logger *slog.Logger
}

// New creates a Normalizer truncating string columns to the given widths.
// Columns missing from widths are truncated to their capacity.
func New(widths map[string]int, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	w := checks.DefaultWidths()
	for col, width := range widths {
		if _, ok := w[col]; ok {
			w[col] = width
		}
	}
	return &Normalizer{widths: w, logger: logger}
}

// Normalize reconciles, coerces and deduplicates raw records. It fails only
// when an element is not a JSON object.
func (n *Normalizer) Normalize(ctx context.Context, raw []fetch.RawRecord) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		InputCount:   len(raw),
		SharedNames:  map[string][]string{},
		StatusCounts: map[string]int{},
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	unknown := mapset.NewThreadUnsafeSet[string]()

	records := make([]checks.Record, 0, len(raw))
	for i, r := range raw {
		obj := gjson.ParseBytes(r)
		if !obj.IsObject() {
			return nil, syncerr.Errorf(syncerr.KindTransformationFailure, "normalize records",
				"record %d is not a JSON object", i)
		}

		fields := map[string]gjson.Result{}
		obj.ForEach(func(key, value gjson.Result) bool {
			fields[key.Str] = value
			if !knownKeys.Contains(key.Str) {
				unknown.Add(key.Str)
			}
			return true
		})

		rec, ok := n.record(fields, seen, res)
		if !ok {
			res.MissingID++
			n.logger.Warn("dropping record without identifier", "index", i)
			continue
		}
		records = append(records, rec)
	}

	if len(raw) > 0 {
		for _, col := range checks.Columns() {
			if _, expected := aliases[col.Name]; expected && !seen.Contains(col.Name) {
				res.MissingAttributes = append(res.MissingAttributes, col.Name)
				n.logger.Warn("expected attribute absent from every record, storing null", "attribute", col.Name)
			}
		}
	}
	if unknown.Cardinality() > 0 {
		keys := unknown.ToSlice()
		slices.Sort(keys)
		n.logger.Debug("ignoring unrecognized attributes", "attributes", keys)
	}

	res.Records, res.Duplicates = Dedupe(records)
	if res.Duplicates > 0 {
		n.logger.Info("removed duplicate records", "duplicates", res.Duplicates)
	}

	res.SharedNames = sharedNames(res.Records)
	if len(res.SharedNames) > 0 {
		n.logger.Info("check names shared by several identifiers", "names", len(res.SharedNames))
	}
	for _, rec := range res.Records {
		status := NoStatus
		if rec.EvaluationStatus != nil {
			status = *rec.EvaluationStatus
		}
		res.StatusCounts[status]++
	}

	n.logger.Info("normalized check records",
		"input", res.InputCount,
		"output", len(res.Records),
		"duplicates", res.Duplicates,
		"missingId", res.MissingID,
		"invalidTimestamps", res.InvalidTimestamps,
		"truncated", res.Truncated,
	)
	return res, nil
}

// record builds one check record. It reports false when the record has no
// usable identifier. seen collects the columns found in the raw record.
func (n *Normalizer) record(fields map[string]gjson.Result, seen mapset.Set[string], res *Result) (checks.Record, bool) {
	lookup := func(col string) gjson.Result {
		for _, key := range aliases[col] {
			if v, ok := fields[key]; ok {
				seen.Add(col)
				return v
			}
		}
		return gjson.Result{}
	}

	id := stringValue(lookup(checks.ColumnID))
	if id == nil || *id == "" {
		return checks.Record{}, false
	}

	// Timestamps first, then strings.
	tsValue := func(col string) *time.Time {
		t, invalid := timeValue(lookup(col))
		if invalid {
			res.InvalidTimestamps++
		}
		return t
	}
	var rec checks.Record
	rec.LastRunAt = tsValue(checks.ColumnLastRunAt)
	rec.CheckCreatedAt = tsValue(checks.ColumnCreatedAt)

	str := func(col string, v *string) *string {
		if v == nil {
			return nil
		}
		s, cut := truncate(*v, n.widths[col])
		if cut {
			res.Truncated++
		}
		return &s
	}

	rec.ID = *str(checks.ColumnID, id)
	definition := stringValue(lookup(checks.ColumnDefinition))
	rec.Name = str(checks.ColumnName, stringValue(lookup(checks.ColumnName)))
	rec.EvaluationStatus = str(checks.ColumnEvaluationStatus, stringValue(lookup(checks.ColumnEvaluationStatus)))
	rec.CheckedColumn = str(checks.ColumnCheckedColumn, stringValue(lookup(checks.ColumnCheckedColumn)))
	rec.Definition = str(checks.ColumnDefinition, definition)
	rec.CloudURL = str(checks.ColumnCloudURL, stringValue(lookup(checks.ColumnCloudURL)))
	rec.DatasetName = str(checks.ColumnDatasetName, datasetName(definition))

	return rec, true
}

// Dedupe keeps the first record of every identifier, preserving order, and
// returns the number of records removed. Applying it to its own output
// removes nothing.
func Dedupe(records []checks.Record) ([]checks.Record, int) {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(records))
	out := make([]checks.Record, 0, len(records))
	for _, rec := range records {
		if !seen.Add(rec.ID) {
			continue
		}
		out = append(out, rec)
	}
	return out, len(records) - len(out)
}

func sharedNames(records []checks.Record) map[string][]string {
	byName := map[string]mapset.Set[string]{}
	for _, rec := range records {
		if rec.Name == nil {
			continue
		}
		ids, ok := byName[*rec.Name]
		if !ok {
			ids = mapset.NewThreadUnsafeSet[string]()
			byName[*rec.Name] = ids
		}
		ids.Add(rec.ID)
	}

	shared := map[string][]string{}
	for name, ids := range byName {
		if ids.Cardinality() > 1 {
			list := ids.ToSlice()
			slices.Sort(list)
			shared[name] = list
		}
	}
	return shared
}

// StatusSummary renders the status counts in a stable order, e.g.
// "fail=2 pass=10".
func (r *Result) StatusSummary() string {
	keys := make([]string, 0, len(r.StatusCounts))
	for k := range r.StatusCounts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r.StatusCounts[k]))
	}
	return strings.Join(parts, " ")
}
