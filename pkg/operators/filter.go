// Package operators implements the built-in pipeline operators applied to registry batches.
package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/regfilter/pkg/batchfilter"
	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
)

// Filter evaluates a mask filter against each batch and keeps only matching rows.
type Filter struct {
	filter batchfilter.MaskFilter
	ctx    *operator.Context
}

// NewFilter creates a Filter operator around f.
func NewFilter(f batchfilter.MaskFilter) *Filter {
	return &Filter{filter: f}
}

// NewExprFilter creates a Filter operator that keeps rows where e is true.
func NewExprFilter(e expr.Expr) *Filter {
	return NewFilter(batchfilter.ExprFilter(e))
}

// NewSQLFilter compiles a SQL condition into a Filter operator.
func NewSQLFilter(conditionSQL string) (*Filter, error) {
	e, err := expr.ParseSQL(conditionSQL)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return NewExprFilter(e), nil
}

func (f *Filter) Open(ctx *operator.Context) error {
	f.ctx = ctx
	return nil
}

func (f *Filter) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	f.ctx.Metrics.RowsIn.Add(batch.NumRows())
	result, err := batchfilter.Apply(f.ctx.Ctx, f.ctx.Alloc, f.filter, batch)
	if err != nil {
		return nil, err
	}

	if result.NumRows() == 0 {
		result.Release()
		return nil, nil
	}
	f.ctx.Metrics.RowsOut.Add(result.NumRows())
	return []arrow.Record{result}, nil
}

func (f *Filter) Close() error { return nil }

// String renders the filter condition for plans and logs.
func (f *Filter) String() string {
	if s, ok := f.filter.(fmt.Stringer); ok {
		return "filter(" + s.String() + ")"
	}
	return fmt.Sprintf("filter(%T)", f.filter)
}
