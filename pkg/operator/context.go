package operator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Metrics are per-operator counters, independent of the Prometheus registry.
type Metrics struct {
	BatchesProcessed atomic.Int64
	RowsIn           atomic.Int64
	RowsOut          atomic.Int64
	Errors           atomic.Int64
}

// Context is what the engine hands an operator, source or sink at Open.
type Context struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Metrics *Metrics

	// Alloc allocates every batch the operator produces.
	Alloc memory.Allocator

	// OperatorID is the unique identifier for this operator in the pipeline,
	// "<registry>/<index>:<kind>" for engine-built operators.
	OperatorID string

	// OperatorName is the operator kind, e.g. "select" or "add_year".
	OperatorName string

	// Registry is empty until ForRegistry binds the context.
	Registry string
}

// NewContext creates a context whose logger is tagged with the operator id and name.
func NewContext(ctx context.Context, alloc memory.Allocator, operatorID, operatorName string) *Context {
	return &Context{
		Ctx:          ctx,
		Logger:       slog.Default().With("operator", operatorID, "name", operatorName),
		Metrics:      &Metrics{},
		Alloc:        alloc,
		OperatorID:   operatorID,
		OperatorName: operatorName,
	}
}

// ForRegistry returns a copy of c bound to registry, with the logger annotated.
func (c *Context) ForRegistry(registry string) *Context {
	cp := *c
	cp.Registry = registry
	cp.Logger = c.Logger.With("registry", registry)
	return &cp
}

// WithContext returns a copy of c that runs under ctx.
func (c *Context) WithContext(ctx context.Context) *Context {
	cp := *c
	cp.Ctx = ctx
	return &cp
}

// Done is closed when the run is cancelled.
func (c *Context) Done() <-chan struct{} {
	return c.Ctx.Done()
}
