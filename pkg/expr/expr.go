// Package expr implements a predicate expression tree over Arrow RecordBatches and
// its vectorized evaluation into boolean selection masks.
//
// Expressions are built with the constructors in this file (Eq, In, And, ...), parsed
// from SQL with ParseSQL, or decoded from JSON with Unmarshal. Trees are never mutated
// after construction and may be shared between goroutines.
package expr

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Op is a comparison operator.
type Op uint8

const (
	OpEq Op = iota
	OpNotEq
	OpGt
	OpGtEq
	OpLt
	OpLtEq
)

func (op Op) String() string {
	switch op {
	case OpEq:
		return "="
	case OpNotEq:
		return "!="
	case OpGt:
		return ">"
	case OpGtEq:
		return ">="
	case OpLt:
		return "<"
	case OpLtEq:
		return "<="
	default:
		return "?"
	}
}

// mirror returns the operator to use when the operands are swapped.
func (op Op) mirror() Op {
	switch op {
	case OpGt:
		return OpLt
	case OpGtEq:
		return OpLtEq
	case OpLt:
		return OpGt
	case OpLtEq:
		return OpGtEq
	default:
		return op
	}
}

// MatchKind selects the substring test of a StringMatch.
type MatchKind uint8

const (
	MatchContains MatchKind = iota
	MatchPrefix
	MatchSuffix
)

// Expr is a predicate tree node.
type Expr interface {
	String() string
	node()
}

// Comparison compares a column against a literal. A Null literal makes the
// comparison unknown on every row: it selects nothing for any Op, and a Not
// enclosing it selects nothing either.
type Comparison struct {
	Op     Op
	Column string
	Value  Literal
}

// SetMembership tests a column against a set of literals.
type SetMembership struct {
	Column  string
	Values  []Literal
	Negated bool
}

// NullTest checks a column's validity.
type NullTest struct {
	Column  string
	Negated bool
}

// StringMatch tests a string column for a substring, prefix or suffix.
type StringMatch struct {
	Kind    MatchKind
	Column  string
	Pattern string
}

type AndExpr struct{ Args []Expr }

type OrExpr struct{ Args []Expr }

type NotExpr struct{ Arg Expr }

// Constant selects every row or no row.
type Constant struct{ Value bool }

func (*Comparison) node() {}
func (*SetMembership) node() {}
func (*NullTest) node() {}
func (*StringMatch) node() {}
func (*AndExpr) node() {}
func (*OrExpr) node() {}
func (*NotExpr) node() {}
func (*Constant) node() {}

// ── Constructors ────────────────────────────────────────────────────

func Eq(col string, v Literal) Expr { return &Comparison{Op: OpEq, Column: col, Value: v} }
func NotEq(col string, v Literal) Expr { return &Comparison{Op: OpNotEq, Column: col, Value: v} }
func Gt(col string, v Literal) Expr { return &Comparison{Op: OpGt, Column: col, Value: v} }
func GtEq(col string, v Literal) Expr { return &Comparison{Op: OpGtEq, Column: col, Value: v} }
func Lt(col string, v Literal) Expr { return &Comparison{Op: OpLt, Column: col, Value: v} }
func LtEq(col string, v Literal) Expr { return &Comparison{Op: OpLtEq, Column: col, Value: v} }

func In(col string, vs ...Literal) Expr {
	return &SetMembership{Column: col, Values: slices.Clone(vs)}
}

func NotIn(col string, vs ...Literal) Expr {
	return &SetMembership{Column: col, Values: slices.Clone(vs), Negated: true}
}

func IsNull(col string) Expr { return &NullTest{Column: col} }
func IsNotNull(col string) Expr { return &NullTest{Column: col, Negated: true} }

func Contains(col, substr string) Expr {
	return &StringMatch{Kind: MatchContains, Column: col, Pattern: substr}
}

func StartsWith(col, prefix string) Expr {
	return &StringMatch{Kind: MatchPrefix, Column: col, Pattern: prefix}
}

func EndsWith(col, suffix string) Expr {
	return &StringMatch{Kind: MatchSuffix, Column: col, Pattern: suffix}
}

func And(args ...Expr) Expr { return &AndExpr{Args: slices.Clone(args)} }
func Or(args ...Expr) Expr { return &OrExpr{Args: slices.Clone(args)} }
func Not(arg Expr) Expr { return &NotExpr{Arg: arg} }

func AlwaysTrue() Expr { return &Constant{Value: true} }
func AlwaysFalse() Expr { return &Constant{Value: false} }

// EqFilter is shorthand for Eq.
func EqFilter(col string, v Literal) Expr { return Eq(col, v) }

// InFilter is shorthand for In over a slice of literals.
func InFilter(col string, vs []Literal) Expr { return In(col, vs...) }

// IdentifierExpr selects rows whose "PNR" column is one of ids.
func IdentifierExpr(ids []string) Expr {
	vs := make([]Literal, len(ids))
	for i, id := range ids {
		vs[i] = String(id)
	}
	return &SetMembership{Column: "PNR", Values: vs}
}

// DateRangeExpr selects non-null dates in [start, end]. A nil bound is open.
func DateRangeExpr(col string, start, end *time.Time) Expr {
	var parts []Expr
	if start != nil {
		parts = append(parts, GtEq(col, Date(*start)))
	}
	if end != nil {
		parts = append(parts, LtEq(col, Date(*end)))
	}
	if len(parts) == 0 {
		return IsNotNull(col)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return And(parts...)
}

// ── Static analysis ─────────────────────────────────────────────────

// RequiredColumns returns the set of column names the expression references.
func RequiredColumns(e Expr) map[string]struct{} {
	cols := make(map[string]struct{})
	collectColumns(e, cols, true)
	return cols
}

// SortedColumns returns RequiredColumns in lexical order.
func SortedColumns(e Expr) []string {
	return slices.Sorted(maps.Keys(RequiredColumns(e)))
}

// valueColumns returns the columns whose values the expression inspects;
// columns only reached through IS [NOT] NULL tests are excluded.
func valueColumns(e Expr) []string {
	cols := make(map[string]struct{})
	collectColumns(e, cols, false)
	return slices.Sorted(maps.Keys(cols))
}

// comparesNull reports whether e contains a comparison against a Null literal.
func comparesNull(e Expr) bool {
	switch n := e.(type) {
	case *Comparison:
		return n.Value.IsNull()
	case *AndExpr:
		return slices.ContainsFunc(n.Args, comparesNull)
	case *OrExpr:
		return slices.ContainsFunc(n.Args, comparesNull)
	case *NotExpr:
		return comparesNull(n.Arg)
	}
	return false
}

func collectColumns(e Expr, cols map[string]struct{}, nullTests bool) {
	switch n := e.(type) {
	case *Comparison:
		cols[n.Column] = struct{}{}
	case *SetMembership:
		cols[n.Column] = struct{}{}
	case *NullTest:
		if nullTests {
			cols[n.Column] = struct{}{}
		}
	case *StringMatch:
		cols[n.Column] = struct{}{}
	case *AndExpr:
		for _, a := range n.Args {
			collectColumns(a, cols, nullTests)
		}
	case *OrExpr:
		for _, a := range n.Args {
			collectColumns(a, cols, nullTests)
		}
	case *NotExpr:
		collectColumns(n.Arg, cols, nullTests)
	}
}

// ── SQL rendering ───────────────────────────────────────────────────

func (c *Comparison) String() string {
	return quoteIdent(c.Column) + " " + c.Op.String() + " " + c.Value.String()
}

func (s *SetMembership) String() string {
	if len(s.Values) == 0 {
		if s.Negated {
			return quoteIdent(s.Column) + " IS NOT NULL"
		}
		return "FALSE"
	}
	vals := make([]string, len(s.Values))
	for i, v := range s.Values {
		vals[i] = v.String()
	}
	op := " IN ("
	if s.Negated {
		op = " NOT IN ("
	}
	return quoteIdent(s.Column) + op + strings.Join(vals, ", ") + ")"
}

func (n *NullTest) String() string {
	if n.Negated {
		return quoteIdent(n.Column) + " IS NOT NULL"
	}
	return quoteIdent(n.Column) + " IS NULL"
}

func (m *StringMatch) String() string {
	p := escapeLike(m.Pattern)
	switch m.Kind {
	case MatchPrefix:
		p += "%"
	case MatchSuffix:
		p = "%" + p
	default:
		p = "%" + p + "%"
	}
	s := quoteIdent(m.Column) + " LIKE " + quote(p)
	if strings.ContainsRune(p, likeEscape) {
		s += " ESCAPE '" + string(likeEscape) + "'"
	}
	return s
}

func (a *AndExpr) String() string { return joinArgs(a.Args, " AND ", "TRUE") }
func (o *OrExpr) String() string { return joinArgs(o.Args, " OR ", "FALSE") }
func (n *NotExpr) String() string { return "NOT (" + n.Arg.String() + ")" }

func (c *Constant) String() string {
	if c.Value {
		return "TRUE"
	}
	return "FALSE"
}

func joinArgs(args []Expr, sep, empty string) string {
	if len(args) == 0 {
		return empty
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const likeEscape = '!'

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
