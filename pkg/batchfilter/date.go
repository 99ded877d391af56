package batchfilter

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/expr"
)

// DateRange selects rows whose Date32 column lies in [Start, End]. A nil bound
// is open. Null dates are never selected.
type DateRange struct {
	Column string
	Start  *time.Time
	End    *time.Time
}

func NewDateRange(column string, start, end *time.Time) *DateRange {
	return &DateRange{Column: column, Start: start, End: end}
}

func (d *DateRange) Mask(_ context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	col, err := helpers.Require[helpers.Date32Column](batch, d.Column)
	if err != nil {
		return nil, err
	}

	lo, hi := arrow.Date32(-1<<31), arrow.Date32(1<<31-1)
	if d.Start != nil {
		lo = arrow.Date32FromTime(*d.Start)
	}
	if d.End != nil {
		hi = arrow.Date32FromTime(*d.End)
	}
	return helpers.NewMask(alloc, col.Len(), func(i int) bool {
		if col.IsNull(i) {
			return false
		}
		v := col.Value(i)
		return v >= lo && v <= hi
	}), nil
}

func (d *DateRange) RequiredColumns() map[string]struct{} {
	return map[string]struct{}{d.Column: {}}
}

// Expr returns the equivalent expression tree.
func (d *DateRange) Expr() expr.Expr {
	return expr.DateRangeExpr(d.Column, d.Start, d.End)
}

// FilterByDateRange keeps rows whose date column lies in [start, end].
func FilterByDateRange(ctx context.Context, alloc memory.Allocator, batch arrow.Record, column string, start, end *time.Time) (arrow.Record, error) {
	return Apply(ctx, alloc, NewDateRange(column, start, end), batch)
}

// FilterByYear applies the calendar year range to every batch and drops empty results.
func FilterByYear(ctx context.Context, alloc memory.Allocator, batches []arrow.Record, column string, year int) ([]arrow.Record, error) {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
	f := NewDateRange(column, &start, &end)

	out := make([]arrow.Record, 0, len(batches))
	for i, b := range batches {
		rec, err := Apply(ctx, alloc, f, b)
		if err != nil {
			helpers.ReleaseAll(out)
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		if rec.NumRows() == 0 {
			rec.Release()
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
