package operators

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/operator"
)

// Project keeps the listed columns, in the listed order.
type Project struct {
	columns []string
}

// NewProject creates a Project operator.
func NewProject(columns []string) *Project {
	return &Project{columns: columns}
}

func (p *Project) Open(_ *operator.Context) error { return nil }

func (p *Project) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	out, err := helpers.Project(batch, p.columns...)
	if err != nil {
		return nil, err
	}
	return []arrow.Record{out}, nil
}

func (p *Project) Close() error { return nil }

func (p *Project) String() string { return "project(" + strings.Join(p.columns, ", ") + ")" }

// Drop removes the listed columns. Names absent from a batch are ignored.
type Drop struct {
	columns map[string]bool
}

// NewDrop creates a Drop operator.
func NewDrop(columns []string) *Drop {
	set := make(map[string]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return &Drop{columns: set}
}

func (d *Drop) Open(_ *operator.Context) error { return nil }

func (d *Drop) ProcessBatch(batch arrow.Record) ([]arrow.Record, error) {
	schema := batch.Schema()
	var fields []arrow.Field
	var arrays []arrow.Array

	for i, f := range schema.Fields() {
		if d.columns[f.Name] {
			continue
		}
		fields = append(fields, f)
		arrays = append(arrays, batch.Column(i))
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("drop: no columns left in batch")
	}

	md := schema.Metadata()
	result := array.NewRecord(arrow.NewSchema(fields, &md), arrays, batch.NumRows())
	return []arrow.Record{result}, nil
}

func (d *Drop) Close() error { return nil }
