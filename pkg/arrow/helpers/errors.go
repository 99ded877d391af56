package helpers

import "fmt"

// ColumnNotFoundError reports a column name absent from a batch schema.
type ColumnNotFoundError struct {
	Column string
}

func (e *ColumnNotFoundError) Error() string {
	return fmt.Sprintf("column %q not found in schema", e.Column)
}

// TypeMismatchError reports a column whose Arrow type is not the one an operation needs.
type TypeMismatchError struct {
	Column   string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("column %q: expected %s, got %s", e.Column, e.Expected, e.Actual)
}

// UnsupportedTypeError reports a column type outside the supported column kinds.
type UnsupportedTypeError struct {
	Column string
	Type   string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("column %q has unsupported type %s", e.Column, e.Type)
}

// MaskLengthError reports a selection mask whose length differs from the batch row count.
type MaskLengthError struct {
	MaskLen int
	NumRows int64
}

func (e *MaskLengthError) Error() string {
	return fmt.Sprintf("mask length (%d) doesn't match batch row count (%d)", e.MaskLen, e.NumRows)
}
