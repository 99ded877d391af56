package batchfilter

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/filter"
)

type recordFilter struct {
	ctx   context.Context
	alloc memory.Allocator
	mf    MaskFilter
}

// AsFilter exposes a MaskFilter as a filter over whole records. Apply returns a
// new record the caller must release; a batch with no selected rows is a valid,
// empty result rather than an exclusion. Intermediate records produced inside
// generic combinators are not released, so combine MaskFilters with AndMask and
// OrMask before adapting.
func AsFilter(ctx context.Context, alloc memory.Allocator, mf MaskFilter) filter.Filter[arrow.Record] {
	return &recordFilter{ctx: ctx, alloc: alloc, mf: mf}
}

func (f *recordFilter) Apply(batch arrow.Record) (arrow.Record, error) {
	return Apply(f.ctx, f.alloc, f.mf, batch)
}

func (f *recordFilter) RequiredResources() filter.Resources {
	return filter.Resources(f.mf.RequiredColumns())
}

// Extractor materializes one entity per row of a batch.
type Extractor[T any] func(batch arrow.Record) ([]T, error)

type entityFilter[T any] struct {
	f       filter.Filter[T]
	extract Extractor[T]
}

// FromEntities selects rows whose extracted entity f accepts. Rejections drop the
// row; any other error from f fails the mask.
func FromEntities[T any](f filter.Filter[T], extract Extractor[T]) MaskFilter {
	return &entityFilter[T]{f: f, extract: extract}
}

func (e *entityFilter[T]) Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	entities, err := e.extract(batch)
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	if int64(len(entities)) != batch.NumRows() {
		return nil, fmt.Errorf("extract entities: got %d entities for %d rows", len(entities), batch.NumRows())
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keep := make([]bool, len(entities))
	for i, ent := range entities {
		_, err := e.f.Apply(ent)
		switch {
		case err == nil:
			keep[i] = true
		case filter.IsExcluded(err):
		default:
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return helpers.NewMask(alloc, len(keep), func(i int) bool { return keep[i] }), nil
}

func (e *entityFilter[T]) RequiredColumns() map[string]struct{} {
	return e.f.RequiredResources()
}
