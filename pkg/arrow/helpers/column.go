package helpers

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ColumnKind enumerates the column types the engine evaluates against.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindDate32
	KindBool
	KindTimestamp
)

func (k ColumnKind) String() string {
	switch k {
	case KindString:
		return "utf8"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindDate32:
		return "date32"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column is a named column resolved to one of the supported concrete array types.
// The set of implementations is closed; switch on the concrete type to read values.
type Column interface {
	Name() string
	Kind() ColumnKind
	Len() int
	IsNull(i int) bool
	Array() arrow.Array
	column()
}

type StringColumn struct {
	*array.String
	name string
}

func (c StringColumn) Name() string       { return c.name }
func (StringColumn) Kind() ColumnKind     { return KindString }
func (c StringColumn) Array() arrow.Array { return c.String }
func (StringColumn) column()              {}

type Int32Column struct {
	*array.Int32
	name string
}

func (c Int32Column) Name() string       { return c.name }
func (Int32Column) Kind() ColumnKind     { return KindInt32 }
func (c Int32Column) Array() arrow.Array { return c.Int32 }
func (Int32Column) column()              {}

type Int64Column struct {
	*array.Int64
	name string
}

func (c Int64Column) Name() string       { return c.name }
func (Int64Column) Kind() ColumnKind     { return KindInt64 }
func (c Int64Column) Array() arrow.Array { return c.Int64 }
func (Int64Column) column()              {}

type Float64Column struct {
	*array.Float64
	name string
}

func (c Float64Column) Name() string       { return c.name }
func (Float64Column) Kind() ColumnKind     { return KindFloat64 }
func (c Float64Column) Array() arrow.Array { return c.Float64 }
func (Float64Column) column()              {}

// Date32Column holds days since 1970-01-01.
type Date32Column struct {
	*array.Date32
	name string
}

func (c Date32Column) Name() string       { return c.name }
func (Date32Column) Kind() ColumnKind     { return KindDate32 }
func (c Date32Column) Array() arrow.Array { return c.Date32 }
func (Date32Column) column()              {}

type BoolColumn struct {
	*array.Boolean
	name string
}

func (c BoolColumn) Name() string       { return c.name }
func (BoolColumn) Kind() ColumnKind     { return KindBool }
func (c BoolColumn) Array() arrow.Array { return c.Boolean }
func (BoolColumn) column()              {}

type TimestampColumn struct {
	*array.Timestamp
	name string
	Unit arrow.TimeUnit
}

func (c TimestampColumn) Name() string       { return c.name }
func (TimestampColumn) Kind() ColumnKind     { return KindTimestamp }
func (c TimestampColumn) Array() arrow.Array { return c.Timestamp }
func (TimestampColumn) column()              {}

// WrapColumn resolves an array into the Column union.
func WrapColumn(name string, arr arrow.Array) (Column, error) {
	switch a := arr.(type) {
	case *array.String:
		return StringColumn{String: a, name: name}, nil
	case *array.Int32:
		return Int32Column{Int32: a, name: name}, nil
	case *array.Int64:
		return Int64Column{Int64: a, name: name}, nil
	case *array.Float64:
		return Float64Column{Float64: a, name: name}, nil
	case *array.Date32:
		return Date32Column{Date32: a, name: name}, nil
	case *array.Boolean:
		return BoolColumn{Boolean: a, name: name}, nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return TimestampColumn{Timestamp: a, name: name, Unit: unit}, nil
	default:
		return nil, &UnsupportedTypeError{Column: name, Type: arr.DataType().String()}
	}
}

// ResolveColumn looks up a column by name and wraps it in the Column union.
func ResolveColumn(batch arrow.Record, name string) (Column, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		return nil, &ColumnNotFoundError{Column: name}
	}
	return WrapColumn(name, batch.Column(idx))
}

// GetColumn returns the named column verified to be of the given kind.
// A missing column yields (nil, false, nil) unless required is set, in which
// case it is a *ColumnNotFoundError. A column of any other type is a *TypeMismatchError.
func GetColumn(batch arrow.Record, name string, kind ColumnKind, required bool) (Column, bool, error) {
	idx := ColumnIndex(batch, name)
	if idx < 0 {
		if required {
			return nil, false, &ColumnNotFoundError{Column: name}
		}
		return nil, false, nil
	}

	arr := batch.Column(idx)
	col, err := WrapColumn(name, arr)
	if err != nil || col.Kind() != kind {
		return nil, false, &TypeMismatchError{Column: name, Expected: kind.String(), Actual: arr.DataType().String()}
	}
	return col, true, nil
}

// Require returns the named column as the concrete column type C.
func Require[C Column](batch arrow.Record, name string) (C, error) {
	var zero C
	col, _, err := GetColumn(batch, name, zero.Kind(), true)
	if err != nil {
		return zero, err
	}
	return col.(C), nil
}
