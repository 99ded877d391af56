package duckdb

import (
	"fmt"

	"github.com/sandboxws/regfilter/pkg/expr"
)

// viewName is the name each batch is registered under.
const viewName = "batch"

// SelectSQL renders the query a Filter runs for each batch. Expression
// rendering uses double-quoted identifiers and DuckDB's epoch_ms for
// timestamps, so the text is valid DuckDB SQL.
func SelectSQL(e expr.Expr) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", viewName, e.String())
}
