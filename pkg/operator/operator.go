// Package operator defines the interfaces implemented by pipeline operators,
// registry sources and sinks.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Operator transforms batches of one registry.
// The lifecycle is: Open -> ProcessBatch* -> Close.
type Operator interface {
	Open(ctx *Context) error

	// ProcessBatch returns the batches derived from batch; none means every
	// row was dropped. batch stays owned by the caller, so an operator keeping
	// any of its columns past the call must retain them. Returned batches are
	// owned by the caller.
	ProcessBatch(batch arrow.Record) ([]arrow.Record, error)

	Close() error
}

// Source reads the batches of one registry.
type Source interface {
	// Open initializes the source. After Open, Schema reports the schema of
	// every batch Run will produce.
	Open(ctx *Context) error

	Schema() *arrow.Schema

	// Run pushes batches to out until the input is exhausted, ctx.Done() is
	// signaled or an error occurs. The source MUST close out when it stops.
	Run(ctx *Context, out chan<- arrow.Record) error

	Close() error
}

// Sink consumes the filtered batches of one registry.
type Sink interface {
	Open(ctx *Context) error

	// WriteBatch persists batch. The caller releases batch afterwards.
	WriteBatch(batch arrow.Record) error

	// Close flushes buffered output.
	Close() error
}
