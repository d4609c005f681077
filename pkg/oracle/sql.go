package oracle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// The fuzzed table always has the two-column (a, b) shape of Row. The
// builders format literal SQL rather than bind parameters: the values
// are always internally-generated integers, so there is no injection
// concern to guard against with placeholders.

// defaultTable is the fuzzed table's name when Run.Table is left empty.
const defaultTable = "fuzz_test"

func insertSQL(table string, rows []types.Row) string {
	values := make([]string, len(rows))
	for i, r := range rows {
		values[i] = fmt.Sprintf("(%d, %d)", r.A, r.B)
	}
	return fmt.Sprintf("INSERT INTO %s VALUES %s;", table, strings.Join(values, ", "))
}

func rowPredicate(rows []types.Row) string {
	clauses := make([]string, len(rows))
	for i, r := range rows {
		clauses[i] = fmt.Sprintf("(a = %d AND b = %d)", r.A, r.B)
	}
	return strings.Join(clauses, " OR ")
}

func updateSQL(table string, rows []types.Row, newB int) string {
	return fmt.Sprintf("UPDATE %s SET b = %s WHERE %s;", table, strconv.Itoa(newB), rowPredicate(rows))
}

func deleteSQL(table string, rows []types.Row) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s;", table, rowPredicate(rows))
}
