package expr

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/scalar"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// comparisonOperands returns the column array and literal scalar a comparison
// kernel runs on. Integer columns are widened when the literal does not fit
// their type: Int32 to Int64 for large integers, any integer to Float64 for
// float literals. The returned array is retained; the caller must release it.
func comparisonOperands(alloc memory.Allocator, col helpers.Column, op Op, lit Literal) (arrow.Array, scalar.Scalar, error) {
	switch c := col.(type) {
	case helpers.StringColumn:
		if lit.Kind() != KindString {
			return nil, nil, mismatch(col, op, lit)
		}
		return retained(c.String), scalar.NewStringScalar(lit.AsString()), nil

	case helpers.Int32Column:
		switch lit.Kind() {
		case KindInt:
			if v := lit.AsInt(); v >= math.MinInt32 && v <= math.MaxInt32 {
				return retained(c.Int32), scalar.NewInt32Scalar(int32(v)), nil
			}
			return castToInt64(alloc, c.Int32), scalar.NewInt64Scalar(lit.AsInt()), nil
		case KindFloat:
			return castToFloat64(alloc, c.Int32), scalar.NewFloat64Scalar(lit.AsFloat()), nil
		}

	case helpers.Int64Column:
		switch lit.Kind() {
		case KindInt:
			return retained(c.Int64), scalar.NewInt64Scalar(lit.AsInt()), nil
		case KindFloat:
			return castToFloat64(alloc, c.Int64), scalar.NewFloat64Scalar(lit.AsFloat()), nil
		}

	case helpers.Float64Column:
		if lit.isNumeric() {
			return retained(c.Float64), scalar.NewFloat64Scalar(lit.AsFloat()), nil
		}

	case helpers.Date32Column:
		if lit.Kind() == KindDate {
			return retained(c.Date32), scalar.NewDate32Scalar(arrow.Date32(lit.Days())), nil
		}

	case helpers.TimestampColumn:
		if lit.Kind() == KindTimestamp {
			if ts, exact := millisToUnit(lit.Millis(), c.Unit); exact {
				return retained(c.Timestamp), scalar.NewTimestampScalar(ts, c.DataType()), nil
			}
			widened := secondsToMillis(alloc, c.Timestamp)
			return widened, scalar.NewTimestampScalar(arrow.Timestamp(lit.Millis()), widened.DataType()), nil
		}
	}
	return nil, nil, mismatch(col, op, lit)
}

func mismatch(col helpers.Column, op Op, lit Literal) error {
	return &UnsupportedComparisonError{
		Column:  col.Name(),
		Op:      op.String(),
		Details: fmt.Sprintf("%s literal against %s column", lit.Kind(), col.Kind()),
	}
}

func retained(arr arrow.Array) arrow.Array {
	arr.Retain()
	return arr
}

// millisToUnit converts epoch milliseconds to a timestamp in unit. exact is
// false for second columns when ms is not a whole second.
func millisToUnit(ms int64, unit arrow.TimeUnit) (ts arrow.Timestamp, exact bool) {
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(ms / 1000), ms%1000 == 0
	case arrow.Microsecond:
		return arrow.Timestamp(ms * 1000), true
	case arrow.Nanosecond:
		return arrow.Timestamp(ms * 1_000_000), true
	default:
		return arrow.Timestamp(ms), true
	}
}

// secondsToMillis widens a second-unit timestamp array to milliseconds.
func secondsToMillis(alloc memory.Allocator, arr *array.Timestamp) arrow.Array {
	tz := arr.DataType().(*arrow.TimestampType).TimeZone
	bldr := array.NewTimestampBuilder(alloc, &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: tz})
	defer bldr.Release()
	bldr.Reserve(arr.Len())

	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(arr.Value(i) * 1000)
	}
	return bldr.NewArray()
}

type integerArray interface {
	arrow.Array
	Int64Value(i int) int64
}

type int32Values struct{ *array.Int32 }

func (a int32Values) Int64Value(i int) int64 { return int64(a.Value(i)) }

type int64Values struct{ *array.Int64 }

func (a int64Values) Int64Value(i int) int64 { return a.Value(i) }

func integers(arr arrow.Array) integerArray {
	switch a := arr.(type) {
	case *array.Int32:
		return int32Values{a}
	case *array.Int64:
		return int64Values{a}
	default:
		panic(fmt.Sprintf("integers: unexpected %T", arr))
	}
}

func castToInt64(alloc memory.Allocator, arr arrow.Array) arrow.Array {
	src := integers(arr)
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(arr.Len())

	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(src.Int64Value(i))
	}
	return bldr.NewArray()
}

func castToFloat64(alloc memory.Allocator, arr arrow.Array) arrow.Array {
	src := integers(arr)
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(arr.Len())

	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(float64(src.Int64Value(i)))
	}
	return bldr.NewArray()
}
