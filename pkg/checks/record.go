// Package checks holds the fixed-shape quality check record shared by the
// normalizer and the loader, along with the column layout of the destination
// table.
package checks

import (
	"time"
)

// Column names of the destination table.
const (
	ColumnID               = "id"
	ColumnName             = "name"
	ColumnEvaluationStatus = "evaluation_status"
	ColumnLastRunAt        = "last_run_at"
	ColumnCheckedColumn    = "checked_column"
	ColumnDefinition       = "definition"
	ColumnCloudURL         = "cloud_url"
	ColumnCreatedAt        = "created_at"
	ColumnDatasetName      = "dataset_name"
)

// Record is one normalized quality check. Nil pointers are absent values and
// are stored as NULL.
//
// The varchar sizes in the gorm tags must match Capacity below.
type Record struct {
	ID               string     `json:"id" yaml:"id" gorm:"primaryKey;column:id;type:varchar(255)"`
	Name             *string    `json:"name" yaml:"name" gorm:"column:name;type:varchar(1024)"`
	EvaluationStatus *string    `json:"evaluationStatus" yaml:"evaluationStatus" gorm:"column:evaluation_status;type:varchar(64)"`
	LastRunAt        *time.Time `json:"lastRunAt" yaml:"lastRunAt" gorm:"column:last_run_at"`
	CheckedColumn    *string    `json:"column" yaml:"column" gorm:"column:checked_column;type:varchar(255)"`
	Definition       *string    `json:"definition" yaml:"definition" gorm:"column:definition;type:text"`
	CloudURL         *string    `json:"cloudUrl" yaml:"cloudUrl" gorm:"column:cloud_url;type:varchar(2048)"`
	CheckCreatedAt   *time.Time `json:"createdAt" yaml:"createdAt" gorm:"column:created_at"`
	DatasetName      *string    `json:"datasetName" yaml:"datasetName" gorm:"column:dataset_name;type:varchar(255)"`
}

// ColumnKind is the storage category of a column, used to check a
// pre-existing destination table for compatibility.
type ColumnKind string

const (
	KindString ColumnKind = "string"
	KindTime   ColumnKind = "time"
)

// Column describes one destination column.
type Column struct {
	Name string
	Kind ColumnKind
	// Capacity is the maximum number of characters the column holds.
	// Zero for non-string columns.
	Capacity int
}

var columns = []Column{
	{Name: ColumnID, Kind: KindString, Capacity: 255},
	{Name: ColumnName, Kind: KindString, Capacity: 1024},
	{Name: ColumnEvaluationStatus, Kind: KindString, Capacity: 64},
	{Name: ColumnLastRunAt, Kind: KindTime},
	{Name: ColumnCheckedColumn, Kind: KindString, Capacity: 255},
	{Name: ColumnDefinition, Kind: KindString, Capacity: 10000},
	{Name: ColumnCloudURL, Kind: KindString, Capacity: 2048},
	{Name: ColumnCreatedAt, Kind: KindTime},
	{Name: ColumnDatasetName, Kind: KindString, Capacity: 255},
}

// Columns returns the destination columns in table order.
func Columns() []Column {
	out := make([]Column, len(columns))
	copy(out, columns)
	return out
}

// Capacity returns the character capacity of a string column, or 0 if the
// column is unknown or not a string column.
func Capacity(name string) int {
	for _, c := range columns {
		if c.Name == name {
			return c.Capacity
		}
	}
	return 0
}

// DefaultWidths returns the truncation width of every string column, set to
// the column capacity.
func DefaultWidths() map[string]int {
	widths := make(map[string]int)
	for _, c := range columns {
		if c.Kind == KindString {
			widths[c.Name] = c.Capacity
		}
	}
	return widths
}

// Values returns the record as a column -> value map, with nil for absent
// values. Used when a row has to be reported outside the table.
func (r *Record) Values() map[string]any {
	return map[string]any{
		ColumnID:               r.ID,
		ColumnName:             deref(r.Name),
		ColumnEvaluationStatus: deref(r.EvaluationStatus),
		ColumnLastRunAt:        derefTime(r.LastRunAt),
		ColumnCheckedColumn:    deref(r.CheckedColumn),
		ColumnDefinition:       deref(r.Definition),
		ColumnCloudURL:         deref(r.CloudURL),
		ColumnCreatedAt:        derefTime(r.CheckCreatedAt),
		ColumnDatasetName:      deref(r.DatasetName),
	}
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
