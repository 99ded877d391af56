package batchfilter

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// Completeness selects rows where none of Columns is null.
type Completeness struct {
	Columns []string
}

func NewCompleteness(columns ...string) *Completeness {
	return &Completeness{Columns: columns}
}

func (c *Completeness) Mask(_ context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	arrs := make([]arrow.Array, 0, len(c.Columns))
	for _, name := range c.Columns {
		arr, err := helpers.ColumnArray(batch, name)
		if err != nil {
			return nil, err
		}
		if arr.NullN() > 0 {
			arrs = append(arrs, arr)
		}
	}
	return helpers.NewMask(alloc, int(batch.NumRows()), func(i int) bool {
		for _, a := range arrs {
			if a.IsNull(i) {
				return false
			}
		}
		return true
	}), nil
}

func (c *Completeness) RequiredColumns() map[string]struct{} {
	cols := make(map[string]struct{}, len(c.Columns))
	for _, name := range c.Columns {
		cols[name] = struct{}{}
	}
	return cols
}

// RequireComplete keeps the rows with a value in every named column.
func RequireComplete(ctx context.Context, alloc memory.Allocator, batch arrow.Record, columns ...string) (arrow.Record, error) {
	return Apply(ctx, alloc, NewCompleteness(columns...), batch)
}
