//go:build duckdb

package duckdb

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
)

// Filter is an operator that evaluates an expression in DuckDB by
// registering each batch as a view and selecting the matching rows.
type Filter struct {
	expr        expr.Expr
	query       string
	memoryLimit int64
	inst        *Instance
	ctx         *operator.Context
}

// NewFilter creates a DuckDB-backed filter for e.
func NewFilter(e expr.Expr) *Filter {
	return &Filter{expr: e, query: SelectSQL(e)}
}

// SetMemoryLimit sets the DuckDB memory limit in bytes.
func (f *Filter) SetMemoryLimit(limit int64) { f.memoryLimit = limit }

func (f *Filter) Open(ctx *operator.Context) error {
	inst, err := NewInstance(ctx.Alloc, f.memoryLimit)
	if err != nil {
		return fmt.Errorf("duckdb filter: %w", err)
	}
	f.inst = inst
	f.ctx = ctx
	ctx.Logger.Debug("duckdb filter ready", "query", f.query)
	return nil
}

func (f *Filter) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	f.ctx.Metrics.RowsIn.Add(batch.NumRows())
	if err := f.inst.RegisterView(batch, viewName); err != nil {
		return nil, err
	}
	result, err := f.inst.Query(f.ctx.Ctx, f.query)
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

func (f *Filter) Close() error {
	if f.inst != nil {
		return f.inst.Close()
	}
	return nil
}

func (f *Filter) String() string { return "duckdb(" + f.expr.String() + ")" }
