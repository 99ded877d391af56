package transform

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// Func transforms one record. It must not release its input.
type Func func(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error)

// Options configures TransformRecords.
type Options struct {
	// Alloc is used for output buffers. Nil means memory.DefaultAllocator.
	Alloc memory.Allocator
	// Parallelism bounds concurrent calls to fn. Zero means GOMAXPROCS.
	Parallelism int
}

// TransformRecords applies fn to every batch concurrently. Outputs keep the
// order of batches; empty outputs are released and dropped. On error all
// outputs produced so far are released and the first error is returned.
func TransformRecords(ctx context.Context, batches []arrow.Record, fn Func, opts Options) ([]arrow.Record, error) {
	alloc := opts.Alloc
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]arrow.Record, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, batch := range batches {
		if batch.NumRows() == 0 {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, alloc, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	err := g.Wait()

	out := make([]arrow.Record, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		if err != nil || r.NumRows() == 0 {
			r.Release()
			continue
		}
		out = append(out, r)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Chain composes fns left to right, releasing intermediate records.
func Chain(fns ...Func) Func {
	return func(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		cur := batch
		cur.Retain()
		for i, fn := range fns {
			next, err := fn(ctx, alloc, cur)
			cur.Release()
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			cur = next
		}
		return cur, nil
	}
}

// ── factories ─────────────────────────────────────────────────────────

func DateRangeFunc(column string, start, end *time.Time) Func {
	return func(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return FilterByDateRange(ctx, alloc, batch, column, start, end)
	}
}

func AddYearFunc(dateColumn string) Func {
	return func(_ context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return AddYearColumn(alloc, batch, dateColumn)
	}
}

func RemapFunc(column string, dict map[string]string) Func {
	return func(_ context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return RemapCategorical(alloc, batch, column, dict)
	}
}

func ScaleFunc(column string, factor float64) Func {
	return func(_ context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return ScaleNumeric(alloc, batch, column, factor)
	}
}

func PostalRegionFunc(column string) Func {
	return func(_ context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return BucketPostalRegion(alloc, batch, column)
	}
}

func InflationFunc(amountColumn, yearColumn string, adj Adjuster) Func {
	return func(_ context.Context, alloc memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return AdjustForInflation(alloc, batch, amountColumn, yearColumn, adj)
	}
}

// ProjectFunc keeps only cols, in the given order.
func ProjectFunc(cols ...string) Func {
	return func(_ context.Context, _ memory.Allocator, batch arrow.Record) (arrow.Record, error) {
		return helpers.Project(batch, cols...)
	}
}
