// Package helpers provides column access, selection masks and record utilities
// shared by the filter and transform packages.
package helpers

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// ColumnArray returns the named column from a RecordBatch, or a *ColumnNotFoundError.
func ColumnArray(batch arrow.Record, name string) (arrow.Array, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, &ColumnNotFoundError{Column: name}
	}
	return batch.Column(idx), nil
}

// ColumnIndex returns the index of a named column, or -1 if not found.
func ColumnIndex(batch arrow.Record, name string) int {
	indices := batch.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1
	}
	return indices[0]
}

// Filter applies a boolean mask to a RecordBatch, returning only rows where mask is true.
// Surviving rows keep their relative order and the schema is unchanged. A mask whose
// length differs from the row count is a *MaskLengthError.
// The caller is responsible for releasing the returned Record.
func Filter(ctx context.Context, batch arrow.Record, mask *array.Boolean) (arrow.Record, error) {
	if int64(mask.Len()) != batch.NumRows() {
		return nil, &MaskLengthError{MaskLen: mask.Len(), NumRows: batch.NumRows()}
	}
	result, err := compute.FilterRecordBatch(ctx, batch, mask, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return result, nil
}

// Project creates a new RecordBatch with only the specified columns, in the given order.
// The caller is responsible for releasing the returned Record.
func Project(batch arrow.Record, cols ...string) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(cols))
	arrays := make([]arrow.Array, 0, len(cols))

	for _, name := range cols {
		idx := ColumnIndex(batch, name)
		if idx < 0 {
			return nil, fmt.Errorf("project: %w", &ColumnNotFoundError{Column: name})
		}
		fields = append(fields, batch.Schema().Field(idx))
		arrays = append(arrays, batch.Column(idx))
	}

	schema := arrow.NewSchema(fields, nil)
	return array.NewRecord(schema, arrays, batch.NumRows()), nil
}

// AppendColumn returns a new RecordBatch with field/arr added after the existing columns.
// The record retains arr; the caller keeps its own reference.
func AppendColumn(batch arrow.Record, field arrow.Field, arr arrow.Array) arrow.Record {
	schema := batch.Schema()
	fields := make([]arrow.Field, 0, schema.NumFields()+1)
	arrays := make([]arrow.Array, 0, schema.NumFields()+1)
	fields = append(fields, schema.Fields()...)
	arrays = append(arrays, batch.Columns()...)
	fields = append(fields, field)
	arrays = append(arrays, arr)

	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), arrays, batch.NumRows())
}

// ReplaceColumn returns a new RecordBatch with the column at idx swapped for field/arr.
// The record retains arr; the caller keeps its own reference.
func ReplaceColumn(batch arrow.Record, idx int, field arrow.Field, arr arrow.Array) arrow.Record {
	schema := batch.Schema()
	fields := append([]arrow.Field(nil), schema.Fields()...)
	arrays := append([]arrow.Array(nil), batch.Columns()...)
	fields[idx] = field
	arrays[idx] = arr

	md := schema.Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), arrays, batch.NumRows())
}

// ColumnNames returns the list of column names in a record's schema.
func ColumnNames(batch arrow.Record) []string {
	schema := batch.Schema()
	names := make([]string, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		names[i] = schema.Field(i).Name
	}
	return names
}

// ReleaseAll releases every record in batches.
func ReleaseAll(batches []arrow.Record) {
	for _, b := range batches {
		if b != nil {
			b.Release()
		}
	}
}
