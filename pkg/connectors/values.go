// Package connectors implements registry sources and sinks: Parquet files, a
// synthetic registry generator, a console table and Kafka.
package connectors

import (
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// cellValue returns the Go value of arr[row]: nil for nulls, int64, float64,
// string or bool for primitives, dates as "YYYY-MM-DD" and timestamps as RFC 3339.
func cellValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(row)
	case *array.Int32:
		return int64(a.Value(row))
	case *array.Int16:
		return int64(a.Value(row))
	case *array.Float64:
		return a.Value(row)
	case *array.Float32:
		return float64(a.Value(row))
	case *array.String:
		return a.Value(row)
	case *array.LargeString:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	case *array.Date32:
		return a.Value(row).ToTime().Format(time.DateOnly)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit).UTC().Format(time.RFC3339Nano)
	default:
		return a.ValueStr(row)
	}
}

// formatValue renders arr[row] for display.
func formatValue(arr arrow.Array, row int) string {
	switch v := cellValue(arr, row).(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', 4, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// rowMap converts one row of batch to a column name -> value map.
func rowMap(batch arrow.Record, row int) map[string]any {
	schema := batch.Schema()
	out := make(map[string]any, schema.NumFields())
	for col, f := range schema.Fields() {
		out[f.Name] = cellValue(batch.Column(col), row)
	}
	return out
}
