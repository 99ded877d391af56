package operators

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/sandboxws/regfilter/pkg/operator"
	"github.com/sandboxws/regfilter/pkg/transform"
)

// Transform applies a column transformer to every batch.
type Transform struct {
	name string
	fn   transform.Func
	ctx  *operator.Context
}

// NewTransform creates a Transform operator. name labels it in logs and plans.
func NewTransform(name string, fn transform.Func) *Transform {
	return &Transform{name: name, fn: fn}
}

func (t *Transform) Open(ctx *operator.Context) error {
	t.ctx = ctx
	return nil
}

func (t *Transform) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	t.ctx.Metrics.RowsIn.Add(batch.NumRows())
	out, err := t.fn(t.ctx.Ctx, t.ctx.Alloc, batch)
	if err != nil {
		return nil, err
	}
	t.ctx.Metrics.RowsOut.Add(out.NumRows())
	return []arrow.Record{out}, nil
}

func (t *Transform) Close() error { return nil }

func (t *Transform) String() string { return t.name }
