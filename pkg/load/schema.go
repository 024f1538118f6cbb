package load

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kubeflow/checksync/pkg/checks"
	"github.com/kubeflow/checksync/pkg/syncerr"
)

// recreateTable drops the destination table if present and creates it from
// the check record model.
func recreateTable(tx *gorm.DB, table string) error {
	m := tx.Migrator()
	if m.HasTable(table) {
		if err := m.DropTable(table); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	if err := tx.Table(table).Migrator().CreateTable(&checks.Record{}); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// maxIdentifierLen is the shortest table name limit of the supported
// databases (MySQL).
const maxIdentifierLen = 64

func suffixed(table, suffix string) string {
	if len(table)+len(suffix) > maxIdentifierLen {
		table = table[:maxIdentifierLen-len(suffix)]
	}
	return table + suffix
}

// stagingTable names the table a MySQL replace loads into.
func stagingTable(table string) string { return suffixed(table, "_staging") }

func retiredTable(table string) string { return suffixed(table, "_retired") }

// swapTable puts staging in place of table with a single RENAME TABLE, which
// MySQL applies atomically, then drops the previous table.
func swapTable(db *gorm.DB, staging, table string) error {
	m := db.Migrator()
	retired := retiredTable(table)
	if m.HasTable(retired) {
		if err := m.DropTable(retired); err != nil {
			return fmt.Errorf("drop table %s: %w", retired, err)
		}
	}

	if !m.HasTable(table) {
		if err := db.Exec("RENAME TABLE ? TO ?", clause.Table{Name: staging}, clause.Table{Name: table}).Error; err != nil {
			return fmt.Errorf("rename table %s: %w", staging, err)
		}
		return nil
	}
	if err := db.Exec("RENAME TABLE ? TO ?, ? TO ?",
		clause.Table{Name: table}, clause.Table{Name: retired},
		clause.Table{Name: staging}, clause.Table{Name: table}).Error; err != nil {
		return fmt.Errorf("swap table %s: %w", table, err)
	}
	// A leftover retired table is dropped by the next swap.
	_ = m.DropTable(retired)
	return nil
}

// ensureTable creates the destination table if it does not exist, then
// checks that every column of the model is present with a compatible type.
// It reports whether the table was created.
func ensureTable(tx *gorm.DB, table string, widths map[string]int) (bool, error) {
	if !tx.Migrator().HasTable(table) {
		if err := tx.Table(table).Migrator().CreateTable(&checks.Record{}); err != nil {
			return false, fmt.Errorf("create table %s: %w", table, err)
		}
		return true, nil
	}
	return false, checkColumns(tx, table, widths)
}

func checkColumns(tx *gorm.DB, table string, widths map[string]int) error {
	columnTypes, err := tx.Migrator().ColumnTypes(table)
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}

	existing := make(map[string]gorm.ColumnType, len(columnTypes))
	for _, ct := range columnTypes {
		existing[strings.ToLower(ct.Name())] = ct
	}

	var problems []string
	for _, col := range checks.Columns() {
		ct, ok := existing[col.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("column %s is missing", col.Name))
			continue
		}
		typeName := strings.ToLower(ct.DatabaseTypeName())
		if !compatible(col.Kind, typeName) {
			problems = append(problems, fmt.Sprintf("column %s has type %s, want a %s type", col.Name, typeName, col.Kind))
			continue
		}
		if col.Kind == checks.KindString {
			if length, ok := ct.Length(); ok && length > 0 && int(length) < widths[col.Name] {
				problems = append(problems, fmt.Sprintf("column %s holds %d characters, values may be up to %d", col.Name, length, widths[col.Name]))
			}
		}
	}

	if len(problems) > 0 {
		return syncerr.Errorf(syncerr.KindSchemaMismatch, "check table "+table, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func compatible(kind checks.ColumnKind, typeName string) bool {
	switch kind {
	case checks.KindString:
		for _, s := range []string{"char", "text", "string", "clob"} {
			if strings.Contains(typeName, s) {
				return true
			}
		}
	case checks.KindTime:
		return strings.Contains(typeName, "time") || strings.Contains(typeName, "date")
	}
	return false
}
