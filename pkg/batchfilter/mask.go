// Package batchfilter implements row filters over Arrow RecordBatches: identifier
// sets, date ranges, completeness checks, identifier joins across registries and
// the plan that applies them to a set of registries.
package batchfilter

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/expr"
)

// MaskFilter computes a selection mask over a batch without materializing the
// filtered rows.
type MaskFilter interface {
	// Mask returns a null-free mask with one entry per row. The caller must release it.
	Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error)
	RequiredColumns() map[string]struct{}
}

// Apply evaluates f over batch and keeps the selected rows.
// The caller must release the returned record.
func Apply(ctx context.Context, alloc memory.Allocator, f MaskFilter, batch arrow.Record) (arrow.Record, error) {
	mask, err := f.Mask(ctx, alloc, batch)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	return helpers.Filter(compute.WithAllocator(ctx, alloc), batch, mask)
}

func unionColumns(filters []MaskFilter) map[string]struct{} {
	cols := make(map[string]struct{})
	for _, f := range filters {
		for c := range f.RequiredColumns() {
			cols[c] = struct{}{}
		}
	}
	return cols
}

// childMasks evaluates every child. On error all masks produced so far are released.
func childMasks(ctx context.Context, alloc memory.Allocator, batch arrow.Record, children []MaskFilter) ([]*array.Boolean, error) {
	masks := make([]*array.Boolean, 0, len(children))
	for i, c := range children {
		m, err := c.Mask(ctx, alloc, batch)
		if err != nil {
			releaseMasks(masks)
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		masks = append(masks, m)
	}
	return masks, nil
}

func releaseMasks(masks []*array.Boolean) {
	for _, m := range masks {
		m.Release()
	}
}

// ── Combinators ─────────────────────────────────────────────────────

type andMask struct{ children []MaskFilter }

// AndMask selects rows every child selects. With no children it selects every row.
func AndMask(children ...MaskFilter) MaskFilter {
	return &andMask{children: children}
}

func (f *andMask) Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	masks, err := childMasks(ctx, alloc, batch, f.children)
	if err != nil {
		return nil, err
	}
	defer releaseMasks(masks)
	return helpers.NewMask(alloc, int(batch.NumRows()), func(i int) bool {
		for _, m := range masks {
			if !m.Value(i) {
				return false
			}
		}
		return true
	}), nil
}

func (f *andMask) RequiredColumns() map[string]struct{} { return unionColumns(f.children) }

type orMask struct{ children []MaskFilter }

// OrMask selects rows any child selects. With no children it selects nothing.
func OrMask(children ...MaskFilter) MaskFilter {
	return &orMask{children: children}
}

func (f *orMask) Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	masks, err := childMasks(ctx, alloc, batch, f.children)
	if err != nil {
		return nil, err
	}
	defer releaseMasks(masks)
	return helpers.NewMask(alloc, int(batch.NumRows()), func(i int) bool {
		for _, m := range masks {
			if m.Value(i) {
				return true
			}
		}
		return false
	}), nil
}

func (f *orMask) RequiredColumns() map[string]struct{} { return unionColumns(f.children) }

type notMask struct{ inner MaskFilter }

// NotMask selects exactly the rows inner rejects.
func NotMask(inner MaskFilter) MaskFilter {
	return &notMask{inner: inner}
}

func (f *notMask) Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	m, err := f.inner.Mask(ctx, alloc, batch)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	return helpers.NewMask(alloc, m.Len(), func(i int) bool { return !m.Value(i) }), nil
}

func (f *notMask) RequiredColumns() map[string]struct{} { return f.inner.RequiredColumns() }

type constMask bool

// IncludeAll selects every row.
func IncludeAll() MaskFilter { return constMask(true) }

// ExcludeAll selects no row.
func ExcludeAll() MaskFilter { return constMask(false) }

func (c constMask) Mask(_ context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	if c {
		return helpers.AllTrue(alloc, int(batch.NumRows())), nil
	}
	return helpers.AllFalse(alloc, int(batch.NumRows())), nil
}

func (constMask) RequiredColumns() map[string]struct{} { return map[string]struct{}{} }

// ── Expressions ─────────────────────────────────────────────────────

type exprFilter struct{ e expr.Expr }

// ExprFilter selects the rows an expression tree evaluates true on.
func ExprFilter(e expr.Expr) MaskFilter {
	return &exprFilter{e: e}
}

func (f *exprFilter) Mask(ctx context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	return expr.Evaluate(ctx, alloc, batch, f.e)
}

func (f *exprFilter) RequiredColumns() map[string]struct{} { return expr.RequiredColumns(f.e) }

func (f *exprFilter) String() string { return f.e.String() }
