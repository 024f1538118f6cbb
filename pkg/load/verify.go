package load

import (
	"context"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// Consistency results.
const (
	Consistent   = "consistent"
	Inconsistent = "inconsistent"
	// NotVerified is reported when the load stopped before verification.
	NotVerified = "not_verified"
)

// Verification compares the destination table with the rows the loader
// inserted.
type Verification struct {
	Expected int
	Actual   int64
	// Missing are inserted identifiers absent from the table.
	Missing []string
	// Extra are identifiers in the table the loader did not insert.
	Extra []string
}

// Consistent reports whether the table holds exactly the inserted rows.
func (v *Verification) Consistent() bool {
	return v != nil && int64(v.Expected) == v.Actual && len(v.Missing) == 0 && len(v.Extra) == 0
}

// Result returns Consistent, Inconsistent or NotVerified.
func (v *Verification) Result() string {
	switch {
	case v == nil:
		return NotVerified
	case v.Consistent():
		return Consistent
	default:
		return Inconsistent
	}
}

// Verify counts the rows of table and compares the count with the expected
// identifiers. Identifier sets are only compared when the counts differ. A
// mismatch is returned as a ConsistencyMismatch error along with the
// verification.
func Verify(ctx context.Context, gdb *gorm.DB, table string, expected []string) (*Verification, error) {
	v := &Verification{Expected: len(expected)}

	if err := gdb.WithContext(ctx).Table(table).Count(&v.Actual).Error; err != nil {
		return nil, fmt.Errorf("count rows of %s: %w", table, err)
	}
	if v.Actual == int64(v.Expected) {
		return v, nil
	}

	var actualIDs []string
	if err := gdb.WithContext(ctx).Table(table).Pluck(checks.ColumnID, &actualIDs).Error; err != nil {
		return nil, fmt.Errorf("list identifiers of %s: %w", table, err)
	}

	want := mapset.NewThreadUnsafeSet(expected...)
	got := mapset.NewThreadUnsafeSet(actualIDs...)
	v.Missing = want.Difference(got).ToSlice()
	v.Extra = got.Difference(want).ToSlice()
	slices.Sort(v.Missing)
	slices.Sort(v.Extra)

	return v, syncerr.Errorf(syncerr.KindConsistencyMismatch, "verify "+table,
		"table holds %d rows, %d were inserted (%d missing, %d unexpected)",
		v.Actual, v.Expected, len(v.Missing), len(v.Extra))
}
