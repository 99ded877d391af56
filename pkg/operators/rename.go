package operators

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/regfilter/pkg/operator"
)

// Rename creates a new RecordBatch with renamed columns.
// Columns not in the rename map keep their names; a rename that would
// produce a duplicate column name is an error.
type Rename struct {
	columns map[string]string // old_name -> new_name
}

// NewRename creates a Rename operator.
func NewRename(columns map[string]string) *Rename {
	return &Rename{columns: columns}
}

func (r *Rename) Open(_ *operator.Context) error { return nil }

func (r *Rename) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	schema := batch.Schema()
	fields := make([]arrow.Field, schema.NumFields())
	seen := make(map[string]string, schema.NumFields())

	for i, f := range schema.Fields() {
		old := f.Name
		if newName, ok := r.columns[f.Name]; ok {
			f.Name = newName
		}
		if prev, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("rename: %q and %q both map to %q", prev, old, f.Name)
		}
		seen[f.Name] = old
		fields[i] = f
	}

	md := schema.Metadata()
	result := array.NewRecord(arrow.NewSchema(fields, &md), batch.Columns(), batch.NumRows())
	return []arrow.Record{result}, nil
}

func (r *Rename) Close() error { return nil }
