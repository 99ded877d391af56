// Package transform derives and rewrites columns of Arrow RecordBatches. Every
// transformer returns a new record and leaves its input untouched; derived
// columns are appended at the end of the schema.
package transform

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/batchfilter"
)

const (
	YearColumn   = "year"
	RegionColumn = "region"
	// UnknownRegion labels postal codes outside every region range.
	UnknownRegion = "Unknown"
)

// FilterByDateRange keeps rows whose Date32 column lies in [start, end]; nil bounds are open.
func FilterByDateRange(ctx context.Context, alloc memory.Allocator, batch arrow.Record, column string, start, end *time.Time) (arrow.Record, error) {
	return batchfilter.FilterByDateRange(ctx, alloc, batch, column, start, end)
}

// AddYearColumn derives a nullable Int32 "year" column from a Date32 column.
// An existing "year" column is replaced in place.
func AddYearColumn(alloc memory.Allocator, batch arrow.Record, dateColumn string) (arrow.Record, error) {
	dates, err := helpers.Require[helpers.Date32Column](batch, dateColumn)
	if err != nil {
		return nil, err
	}

	bldr := array.NewInt32Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(dates.Len())
	for i := 0; i < dates.Len(); i++ {
		if dates.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(int32(dates.Value(i).ToTime().Year()))
	}
	years := bldr.NewArray()
	defer years.Release()

	return putColumn(batch, arrow.Field{Name: YearColumn, Type: arrow.PrimitiveTypes.Int32, Nullable: true}, years), nil
}

// RemapCategorical rewrites a string column through dict. Null values and values
// missing from dict become null. The column keeps its position.
func RemapCategorical(alloc memory.Allocator, batch arrow.Record, column string, dict map[string]string) (arrow.Record, error) {
	src, err := helpers.Require[helpers.StringColumn](batch, column)
	if err != nil {
		return nil, err
	}

	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.Reserve(src.Len())
	for i := 0; i < src.Len(); i++ {
		if src.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		if v, ok := dict[src.Value(i)]; ok {
			bldr.Append(v)
		} else {
			bldr.AppendNull()
		}
	}
	mapped := bldr.NewArray()
	defer mapped.Release()

	idx := helpers.ColumnIndex(batch, column)
	return helpers.ReplaceColumn(batch, idx, arrow.Field{Name: column, Type: arrow.BinaryTypes.String, Nullable: true}, mapped), nil
}

// ScaleNumeric multiplies an Int32, Int64 or Float64 column by factor, producing
// a nullable Float64 column in the same position. Nulls stay null.
func ScaleNumeric(alloc memory.Allocator, batch arrow.Record, column string, factor float64) (arrow.Record, error) {
	col, err := resolve(batch, column, "int32, int64 or float64")
	if err != nil {
		return nil, err
	}

	value, ok := numericValue(col)
	if !ok {
		return nil, &helpers.TypeMismatchError{Column: column, Expected: "int32, int64 or float64", Actual: col.Array().DataType().String()}
	}

	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(value(i) * factor)
	}
	scaled := bldr.NewArray()
	defer scaled.Release()

	idx := helpers.ColumnIndex(batch, column)
	return helpers.ReplaceColumn(batch, idx, arrow.Field{Name: column, Type: arrow.PrimitiveTypes.Float64, Nullable: true}, scaled), nil
}

// numericValue returns a float64 reader for numeric columns.
func numericValue(col helpers.Column) (func(int) float64, bool) {
	switch c := col.(type) {
	case helpers.Int32Column:
		return func(i int) float64 { return float64(c.Value(i)) }, true
	case helpers.Int64Column:
		return func(i int) float64 { return float64(c.Value(i)) }, true
	case helpers.Float64Column:
		return c.Value, true
	default:
		return nil, false
	}
}

// integerValue returns an int64 reader for integer and year-like columns.
func integerValue(col helpers.Column) (func(int) int64, bool) {
	switch c := col.(type) {
	case helpers.Int32Column:
		return func(i int) int64 { return int64(c.Value(i)) }, true
	case helpers.Int64Column:
		return c.Value, true
	default:
		return nil, false
	}
}

// regionBounds maps the first digit of a four-digit postal code to its region.
var regionBounds = [...]string{
	1: "Hovedstaden",
	2: "Hovedstaden",
	3: "Nordsjælland",
	4: "Sjælland",
	5: "Fyn",
	6: "Sydjylland",
	7: "Midtjylland",
	8: "Østjylland",
	9: "Nordjylland",
}

// PostalRegion returns the region of a Danish postal code, or UnknownRegion.
func PostalRegion(code int64) string {
	if code < 1000 || code > 9999 {
		return UnknownRegion
	}
	return regionBounds[code/1000]
}

// BucketPostalRegion appends a nullable string "region" column derived from a
// postal code column (string, Int32 or Int64). Unparsable or out-of-range codes
// map to "Unknown"; null codes give a null region. String codes may carry one
// leading '+'.
func BucketPostalRegion(alloc memory.Allocator, batch arrow.Record, column string) (arrow.Record, error) {
	col, err := resolve(batch, column, "utf8, int32 or int64")
	if err != nil {
		return nil, err
	}

	var region func(int) string
	switch c := col.(type) {
	case helpers.StringColumn:
		region = func(i int) string {
			code, err := strconv.ParseUint(strings.TrimPrefix(c.Value(i), "+"), 10, 32)
			if err != nil {
				return UnknownRegion
			}
			return PostalRegion(int64(code))
		}
	default:
		value, ok := integerValue(col)
		if !ok {
			return nil, &helpers.TypeMismatchError{Column: column, Expected: "utf8, int32 or int64", Actual: col.Array().DataType().String()}
		}
		region = func(i int) string { return PostalRegion(value(i)) }
	}

	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.Reserve(col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(region(i))
	}
	regions := bldr.NewArray()
	defer regions.Release()

	return putColumn(batch, arrow.Field{Name: RegionColumn, Type: arrow.BinaryTypes.String, Nullable: true}, regions), nil
}

// resolve wraps ResolveColumn, reporting unsupported types as a mismatch against expected.
func resolve(batch arrow.Record, column, expected string) (helpers.Column, error) {
	col, err := helpers.ResolveColumn(batch, column)
	var ut *helpers.UnsupportedTypeError
	if errors.As(err, &ut) {
		return nil, &helpers.TypeMismatchError{Column: column, Expected: expected, Actual: ut.Type}
	}
	return col, err
}

// putColumn appends field/arr, or replaces a column of the same name.
func putColumn(batch arrow.Record, field arrow.Field, arr arrow.Array) arrow.Record {
	if idx := helpers.ColumnIndex(batch, field.Name); idx >= 0 {
		return helpers.ReplaceColumn(batch, idx, field, arr)
	}
	return helpers.AppendColumn(batch, field, arr)
}
