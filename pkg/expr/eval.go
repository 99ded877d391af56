package expr

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// UnsupportedComparisonError reports an operator or literal that cannot be
// applied to a column's type.
type UnsupportedComparisonError struct {
	Column  string
	Op      string
	Details string
}

func (e *UnsupportedComparisonError) Error() string {
	return fmt.Sprintf("unsupported comparison %s on column %q: %s", e.Op, e.Column, e.Details)
}

// Evaluator evaluates expression trees against Arrow RecordBatches.
// It holds no per-call state and is safe for concurrent use.
type Evaluator struct {
	alloc memory.Allocator
}

// NewEvaluator creates an evaluator allocating masks from alloc.
func NewEvaluator(alloc memory.Allocator) *Evaluator {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Evaluator{alloc: alloc}
}

// Evaluate is shorthand for NewEvaluator(alloc).Eval.
func Evaluate(ctx context.Context, alloc memory.Allocator, batch arrow.Record, e Expr) (*array.Boolean, error) {
	return NewEvaluator(alloc).Eval(ctx, batch, e)
}

// Eval computes the selection mask of e over batch. The mask has one null-free
// entry per row; a row whose inspected column is null is never selected by a
// value comparison, including the derived forms !=, >=, <=, NOT IN and NOT.
// The caller must Release() the returned array.
func (ev *Evaluator) Eval(ctx context.Context, batch arrow.Record, e Expr) (*array.Boolean, error) {
	ctx = compute.WithAllocator(ctx, ev.alloc)
	return ev.eval(ctx, batch, e)
}

func (ev *Evaluator) eval(ctx context.Context, batch arrow.Record, e Expr) (*array.Boolean, error) {
	n := int(batch.NumRows())

	switch node := e.(type) {
	case *Comparison:
		return ev.evalComparison(ctx, batch, node)
	case *SetMembership:
		return ev.evalMembership(batch, node)
	case *NullTest:
		arr, err := helpers.ColumnArray(batch, node.Column)
		if err != nil {
			return nil, err
		}
		if node.Negated {
			return helpers.ValidityMask(ev.alloc, arr), nil
		}
		return helpers.NewMask(ev.alloc, n, arr.IsNull), nil
	case *StringMatch:
		return ev.evalStringMatch(batch, node)
	case *AndExpr:
		if len(node.Args) == 0 {
			return helpers.AllTrue(ev.alloc, n), nil
		}
		return ev.evalLogical(ctx, batch, "and", node.Args)
	case *OrExpr:
		if len(node.Args) == 0 {
			return helpers.AllFalse(ev.alloc, n), nil
		}
		return ev.evalLogical(ctx, batch, "or", node.Args)
	case *NotExpr:
		return ev.evalNot(ctx, batch, node)
	case *Constant:
		if node.Value {
			return helpers.AllTrue(ev.alloc, n), nil
		}
		return helpers.AllFalse(ev.alloc, n), nil
	case nil:
		return nil, fmt.Errorf("nil expression")
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", e)
	}
}

// ── Comparisons ─────────────────────────────────────────────────────

func (ev *Evaluator) evalComparison(ctx context.Context, batch arrow.Record, c *Comparison) (*array.Boolean, error) {
	col, err := helpers.ResolveColumn(batch, c.Column)
	if err != nil {
		return nil, err
	}
	if c.Value.IsNull() {
		return helpers.AllFalse(ev.alloc, col.Len()), nil
	}

	switch c.Op {
	case OpEq:
		return ev.compare(ctx, col, c.Op, "equal", c.Value)
	case OpGt:
		return ev.compare(ctx, col, c.Op, "greater", c.Value)
	case OpLt:
		return ev.compare(ctx, col, c.Op, "less", c.Value)
	}

	// The remaining operators are complements of a base comparison restricted
	// to non-null rows.
	var base *array.Boolean
	switch c.Op {
	case OpNotEq:
		base, err = ev.compare(ctx, col, c.Op, "equal", c.Value)
	case OpGtEq:
		base, err = ev.compare(ctx, col, c.Op, "less", c.Value)
	case OpLtEq:
		base, err = ev.compare(ctx, col, c.Op, "greater", c.Value)
	default:
		return nil, fmt.Errorf("unknown comparison operator %d", c.Op)
	}
	if err != nil {
		return nil, err
	}
	return ev.complement(base, col.Array()), nil
}

// compare runs a comparison kernel of col against lit and folds kernel nulls to false.
func (ev *Evaluator) compare(ctx context.Context, col helpers.Column, op Op, kernel string, lit Literal) (*array.Boolean, error) {
	if b, ok := col.(helpers.BoolColumn); ok {
		return ev.compareBool(b, op, kernel, lit)
	}

	left, right, err := comparisonOperands(ev.alloc, col, op, lit)
	if err != nil {
		return nil, err
	}
	defer left.Release()

	res, err := compute.CallFunction(ctx, kernel, nil,
		compute.NewDatumWithoutOwning(left), compute.NewDatum(right))
	if err != nil {
		return nil, fmt.Errorf("%s on column %q: %w", kernel, col.Name(), err)
	}
	arr, err := extractArray(res)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	mask, ok := arr.(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("%s on column %q produced %s", kernel, col.Name(), arr.DataType())
	}
	return ev.dropNulls(mask), nil
}

func (ev *Evaluator) compareBool(col helpers.BoolColumn, op Op, kernel string, lit Literal) (*array.Boolean, error) {
	if kernel != "equal" {
		return nil, &UnsupportedComparisonError{Column: col.Name(), Op: op.String(), Details: "ordering comparison on bool column"}
	}
	var want bool
	switch {
	case lit.Kind() == KindBool:
		want = lit.AsBool()
	case lit.Kind() == KindInt && (lit.AsInt() == 0 || lit.AsInt() == 1):
		want = lit.AsInt() == 1
	default:
		return nil, mismatch(col, op, lit)
	}
	return helpers.NewMask(ev.alloc, col.Len(), func(i int) bool {
		return col.IsValid(i) && col.Value(i) == want
	}), nil
}

// complement inverts base and clears every row where arr is null. base is released.
func (ev *Evaluator) complement(base *array.Boolean, arr arrow.Array) *array.Boolean {
	defer base.Release()
	return helpers.NewMask(ev.alloc, base.Len(), func(i int) bool {
		return !base.Value(i) && arr.IsValid(i)
	})
}

func (ev *Evaluator) dropNulls(mask *array.Boolean) *array.Boolean {
	if mask.NullN() == 0 {
		mask.Retain()
		return mask
	}
	return helpers.NewMask(ev.alloc, mask.Len(), func(i int) bool {
		return mask.IsValid(i) && mask.Value(i)
	})
}

// ── Set membership ──────────────────────────────────────────────────

func (ev *Evaluator) evalMembership(batch arrow.Record, s *SetMembership) (*array.Boolean, error) {
	col, err := helpers.ResolveColumn(batch, s.Column)
	if err != nil {
		return nil, err
	}
	op := "IN"
	if s.Negated {
		op = "NOT IN"
	}

	var mask *array.Boolean
	switch c := col.(type) {
	case helpers.StringColumn:
		set, err := literalSet(s.Values, col, op, func(l Literal) (string, bool) {
			return l.AsString(), l.Kind() == KindString
		})
		if err != nil {
			return nil, err
		}
		mask = memberMask(ev.alloc, c.Len(), c.IsValid, c.Value, set)
	case helpers.Int32Column:
		ints, floats, err := numericSets(s.Values, col, op)
		if err != nil {
			return nil, err
		}
		mask = helpers.NewMask(ev.alloc, c.Len(), func(i int) bool {
			return c.IsValid(i) && numericMember(int64(c.Value(i)), ints, floats)
		})
	case helpers.Int64Column:
		ints, floats, err := numericSets(s.Values, col, op)
		if err != nil {
			return nil, err
		}
		mask = helpers.NewMask(ev.alloc, c.Len(), func(i int) bool {
			return c.IsValid(i) && numericMember(c.Value(i), ints, floats)
		})
	case helpers.Float64Column:
		set, err := literalSet(s.Values, col, op, func(l Literal) (float64, bool) {
			return l.AsFloat(), l.isNumeric()
		})
		if err != nil {
			return nil, err
		}
		mask = memberMask(ev.alloc, c.Len(), c.IsValid, c.Value, set)
	case helpers.Date32Column:
		set, err := literalSet(s.Values, col, op, func(l Literal) (arrow.Date32, bool) {
			return arrow.Date32(l.Days()), l.Kind() == KindDate
		})
		if err != nil {
			return nil, err
		}
		mask = memberMask(ev.alloc, c.Len(), c.IsValid, c.Value, set)
	case helpers.TimestampColumn:
		// Second columns are matched in milliseconds so sub-second literals never match.
		value := func(i int) int64 { return int64(c.Value(i)) }
		if c.Unit == arrow.Second {
			value = func(i int) int64 { return int64(c.Value(i)) * 1000 }
		}
		set, err := literalSet(s.Values, col, op, func(l Literal) (int64, bool) {
			if c.Unit == arrow.Second {
				return l.Millis(), l.Kind() == KindTimestamp
			}
			ts, _ := millisToUnit(l.Millis(), c.Unit)
			return int64(ts), l.Kind() == KindTimestamp
		})
		if err != nil {
			return nil, err
		}
		mask = memberMask(ev.alloc, c.Len(), c.IsValid, value, set)
	case helpers.BoolColumn:
		set, err := literalSet(s.Values, col, op, func(l Literal) (bool, bool) {
			return l.AsBool(), l.Kind() == KindBool
		})
		if err != nil {
			return nil, err
		}
		mask = memberMask(ev.alloc, c.Len(), c.IsValid, c.Value, set)
	default:
		return nil, &UnsupportedComparisonError{Column: s.Column, Op: op, Details: "unsupported column kind " + col.Kind().String()}
	}

	if s.Negated {
		return ev.complement(mask, col.Array()), nil
	}
	return mask, nil
}

// literalSet converts the non-null literals of vs with conv. A non-null literal
// conv rejects is an *UnsupportedComparisonError.
func literalSet[T comparable](vs []Literal, col helpers.Column, op string, conv func(Literal) (T, bool)) (map[T]struct{}, error) {
	set := make(map[T]struct{}, len(vs))
	for _, v := range vs {
		if v.IsNull() {
			continue
		}
		key, ok := conv(v)
		if !ok {
			return nil, &UnsupportedComparisonError{
				Column:  col.Name(),
				Op:      op,
				Details: fmt.Sprintf("%s literal against %s column", v.Kind(), col.Kind()),
			}
		}
		set[key] = struct{}{}
	}
	return set, nil
}

func memberMask[T comparable](alloc memory.Allocator, n int, valid func(int) bool, value func(int) T, set map[T]struct{}) *array.Boolean {
	return helpers.NewMask(alloc, n, func(i int) bool {
		if !valid(i) {
			return false
		}
		_, ok := set[value(i)]
		return ok
	})
}

func numericSets(vs []Literal, col helpers.Column, op string) (map[int64]struct{}, map[float64]struct{}, error) {
	ints := make(map[int64]struct{}, len(vs))
	floats := make(map[float64]struct{})
	for _, v := range vs {
		switch v.Kind() {
		case KindNull:
		case KindInt:
			ints[v.AsInt()] = struct{}{}
		case KindFloat:
			floats[v.AsFloat()] = struct{}{}
		default:
			return nil, nil, &UnsupportedComparisonError{
				Column:  col.Name(),
				Op:      op,
				Details: fmt.Sprintf("%s literal against %s column", v.Kind(), col.Kind()),
			}
		}
	}
	return ints, floats, nil
}

func numericMember(v int64, ints map[int64]struct{}, floats map[float64]struct{}) bool {
	if _, ok := ints[v]; ok {
		return true
	}
	if len(floats) == 0 {
		return false
	}
	_, ok := floats[float64(v)]
	return ok
}

// ── String matching ─────────────────────────────────────────────────

func (ev *Evaluator) evalStringMatch(batch arrow.Record, m *StringMatch) (*array.Boolean, error) {
	col, err := helpers.ResolveColumn(batch, m.Column)
	if err != nil {
		return nil, err
	}
	s, ok := col.(helpers.StringColumn)
	if !ok {
		return nil, &UnsupportedComparisonError{Column: m.Column, Op: "LIKE", Details: "string match on " + col.Kind().String() + " column"}
	}

	var match func(string, string) bool
	switch m.Kind {
	case MatchPrefix:
		match = strings.HasPrefix
	case MatchSuffix:
		match = strings.HasSuffix
	default:
		match = strings.Contains
	}
	return helpers.NewMask(ev.alloc, s.Len(), func(i int) bool {
		return s.IsValid(i) && match(s.Value(i), m.Pattern)
	}), nil
}

// ── Logical ─────────────────────────────────────────────────────────

func (ev *Evaluator) evalLogical(ctx context.Context, batch arrow.Record, kernel string, args []Expr) (*array.Boolean, error) {
	acc, err := ev.eval(ctx, batch, args[0])
	if err != nil {
		return nil, fmt.Errorf("%s[0]: %w", kernel, err)
	}
	for i, arg := range args[1:] {
		next, err := ev.eval(ctx, batch, arg)
		if err != nil {
			acc.Release()
			return nil, fmt.Errorf("%s[%d]: %w", kernel, i+1, err)
		}
		combined, err := ev.combine(ctx, kernel, acc, next)
		acc.Release()
		next.Release()
		if err != nil {
			return nil, err
		}
		acc = combined
	}
	return acc, nil
}

// combine applies a binary boolean kernel to two null-free masks.
func (ev *Evaluator) combine(ctx context.Context, kernel string, a, b *array.Boolean) (*array.Boolean, error) {
	res, err := compute.CallFunction(ctx, kernel, nil,
		compute.NewDatumWithoutOwning(a), compute.NewDatumWithoutOwning(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kernel, err)
	}
	arr, err := extractArray(res)
	if err != nil {
		return nil, err
	}
	return arr.(*array.Boolean), nil
}

// evalNot inverts the inner mask and clears rows where any column the inner
// expression compares by value is null, so NOT never selects a row the inner
// comparison rejected only because of a null. An inner comparison against a
// Null literal clears every row.
func (ev *Evaluator) evalNot(ctx context.Context, batch arrow.Record, n *NotExpr) (*array.Boolean, error) {
	inner, err := ev.eval(ctx, batch, n.Arg)
	if err != nil {
		return nil, fmt.Errorf("not: %w", err)
	}
	defer inner.Release()
	if comparesNull(n.Arg) {
		return helpers.AllFalse(ev.alloc, inner.Len()), nil
	}

	var inspected []arrow.Array
	for _, name := range valueColumns(n.Arg) {
		arr, err := helpers.ColumnArray(batch, name)
		if err != nil {
			return nil, err
		}
		if arr.NullN() > 0 {
			inspected = append(inspected, arr)
		}
	}

	return helpers.NewMask(ev.alloc, inner.Len(), func(i int) bool {
		if inner.Value(i) {
			return false
		}
		for _, arr := range inspected {
			if arr.IsNull(i) {
				return false
			}
		}
		return true
	}), nil
}

// extractArray unwraps an array datum and releases the datum.
func extractArray(d compute.Datum) (arrow.Array, error) {
	defer d.Release()
	switch v := d.(type) {
	case *compute.ArrayDatum:
		return v.MakeArray(), nil
	default:
		return nil, fmt.Errorf("unexpected datum type: %T", d)
	}
}
