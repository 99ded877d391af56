//go:build !duckdb

// Package duckdb evaluates filter expressions in an embedded DuckDB database.
// Without the "duckdb" build tag every entry point returns ErrDuckDBNotAvailable.
package duckdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
)

// ErrDuckDBNotAvailable is returned when the binary was built without -tags duckdb.
var ErrDuckDBNotAvailable = errors.New("DuckDB execution requires building with -tags duckdb")

type Instance struct{}

func NewInstance(memory.Allocator, int64) (*Instance, error) { return nil, ErrDuckDBNotAvailable }

func (*Instance) Close() error { return nil }

func (*Instance) RegisterView(arrow.Record, string) error { return ErrDuckDBNotAvailable }

func (*Instance) Query(context.Context, string) (arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

// Filter is the operator stub; Open always fails.
type Filter struct{ expr expr.Expr }

func NewFilter(e expr.Expr) *Filter { return &Filter{expr: e} }

func (*Filter) SetMemoryLimit(int64) {}

func (*Filter) Open(*operator.Context) error {
	return fmt.Errorf("duckdb filter: %w", ErrDuckDBNotAvailable)
}

func (*Filter) ProcessBatch(arrow.Record) ([]arrow.Record, error) {
	return nil, ErrDuckDBNotAvailable
}

func (*Filter) Close() error { return nil }

func (f *Filter) String() string { return "duckdb(" + f.expr.String() + ")" }
