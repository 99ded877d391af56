package expr

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	"github.com/pingcap/tidb/pkg/parser/test_driver"
)

// Compiler turns SQL boolean conditions into expression trees using TiDB's parser.
// Supported forms: comparisons between a column and a literal (either side),
// AND, OR, NOT, IS [NOT] NULL, [NOT] IN (...), [NOT] BETWEEN, LIKE patterns
// reducible to prefix, suffix or substring tests, bare boolean columns and
// DATE '...' / CAST('...' AS DATE) / epoch_ms(n) literals.
type Compiler struct {
	mu     sync.Mutex
	parser *parser.Parser
}

// NewCompiler creates a SQL condition compiler.
// Identifiers may be double-quoted and backslashes in string literals are literal.
func NewCompiler() *Compiler {
	p := parser.New()
	p.SetSQLMode(mysql.ModeANSIQuotes | mysql.ModeNoBackslashEscapes)
	return &Compiler{parser: p}
}

// ParseSQL compiles a SQL boolean condition with a fresh Compiler.
func ParseSQL(cond string) (Expr, error) {
	return NewCompiler().Compile(cond)
}

// Compile parses and compiles a SQL boolean condition.
func (c *Compiler) Compile(cond string) (Expr, error) {
	node, err := c.parseExpr(cond)
	if err != nil {
		return nil, err
	}
	e, err := compileNode(node)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", cond, err)
	}
	return e, nil
}

// parseExpr parses a standalone SQL expression by wrapping it in a SELECT statement.
func (c *Compiler) parseExpr(cond string) (ast.ExprNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt, err := c.parser.ParseOneStmt("SELECT "+cond, "", "")
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", cond, err)
	}
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok || sel.Fields == nil || len(sel.Fields.Fields) != 1 {
		return nil, fmt.Errorf("parse expression %q: expected a single expression", cond)
	}
	return sel.Fields.Fields[0].Expr, nil
}

func compileNode(node ast.ExprNode) (Expr, error) {
	switch n := node.(type) {
	case *ast.ParenthesesExpr:
		return compileNode(n.Expr)

	case *ast.BinaryOperationExpr:
		switch n.Op {
		case opcode.LogicAnd, opcode.LogicOr:
			l, err := compileNode(n.L)
			if err != nil {
				return nil, err
			}
			r, err := compileNode(n.R)
			if err != nil {
				return nil, err
			}
			if n.Op == opcode.LogicAnd {
				return &AndExpr{Args: flatten(true, l, r)}, nil
			}
			return &OrExpr{Args: flatten(false, l, r)}, nil
		case opcode.EQ, opcode.NE, opcode.GT, opcode.GE, opcode.LT, opcode.LE:
			return compileComparison(n)
		default:
			return nil, fmt.Errorf("unsupported operator %s", n.Op)
		}

	case *ast.UnaryOperationExpr:
		if n.Op != opcode.Not && n.Op != opcode.Not2 {
			return nil, fmt.Errorf("unsupported unary operator %s", n.Op)
		}
		inner, err := compileNode(n.V)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil

	case *ast.IsNullExpr:
		col, err := columnName(n.Expr)
		if err != nil {
			return nil, err
		}
		if n.Not {
			return IsNotNull(col), nil
		}
		return IsNull(col), nil

	case *ast.PatternInExpr:
		if n.Sel != nil {
			return nil, fmt.Errorf("IN subqueries are not supported")
		}
		col, err := columnName(n.Expr)
		if err != nil {
			return nil, err
		}
		vals := make([]Literal, 0, len(n.List))
		for _, item := range n.List {
			lit, err := literal(item)
			if err != nil {
				return nil, fmt.Errorf("IN list of %q: %w", col, err)
			}
			vals = append(vals, lit)
		}
		return &SetMembership{Column: col, Values: vals, Negated: n.Not}, nil

	case *ast.PatternLikeOrIlikeExpr:
		if !n.IsLike {
			return nil, fmt.Errorf("ILIKE is not supported")
		}
		col, err := columnName(n.Expr)
		if err != nil {
			return nil, err
		}
		pat, err := literal(n.Pattern)
		if err != nil || pat.Kind() != KindString {
			return nil, fmt.Errorf("LIKE on %q: pattern must be a string literal", col)
		}
		e, err := compileLike(col, pat.AsString(), n.Escape)
		if err != nil {
			return nil, err
		}
		if n.Not {
			return Not(e), nil
		}
		return e, nil

	case *ast.BetweenExpr:
		col, err := columnName(n.Expr)
		if err != nil {
			return nil, err
		}
		lo, err := literal(n.Left)
		if err != nil {
			return nil, err
		}
		hi, err := literal(n.Right)
		if err != nil {
			return nil, err
		}
		if n.Not {
			return Or(Lt(col, lo), Gt(col, hi)), nil
		}
		return And(GtEq(col, lo), LtEq(col, hi)), nil

	case *ast.ColumnNameExpr:
		return Eq(n.Name.Name.O, Bool(true)), nil

	case *test_driver.ValueExpr:
		lit, err := literal(n)
		if err != nil {
			return nil, err
		}
		switch {
		case lit.Kind() == KindInt && lit.AsInt() != 0:
			return AlwaysTrue(), nil
		case lit.Kind() == KindInt, lit.IsNull():
			return AlwaysFalse(), nil
		}
		return nil, fmt.Errorf("literal %s is not a condition", lit)

	default:
		return nil, fmt.Errorf("unsupported expression %T", node)
	}
}

// flatten merges directly nested nodes of the same logical kind.
func flatten(and bool, parts ...Expr) []Expr {
	var out []Expr
	for _, p := range parts {
		switch n := p.(type) {
		case *AndExpr:
			if and {
				out = append(out, n.Args...)
				continue
			}
		case *OrExpr:
			if !and {
				out = append(out, n.Args...)
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

var opcodeOps = map[opcode.Op]Op{
	opcode.EQ: OpEq, opcode.NE: OpNotEq,
	opcode.GT: OpGt, opcode.GE: OpGtEq,
	opcode.LT: OpLt, opcode.LE: OpLtEq,
}

func compileComparison(n *ast.BinaryOperationExpr) (Expr, error) {
	op := opcodeOps[n.Op]
	if col, err := columnName(n.L); err == nil {
		lit, err := literal(n.R)
		if err != nil {
			return nil, fmt.Errorf("comparison on %q: %w", col, err)
		}
		return &Comparison{Op: op, Column: col, Value: lit}, nil
	}
	if col, err := columnName(n.R); err == nil {
		lit, err := literal(n.L)
		if err != nil {
			return nil, fmt.Errorf("comparison on %q: %w", col, err)
		}
		return &Comparison{Op: op.mirror(), Column: col, Value: lit}, nil
	}
	return nil, fmt.Errorf("comparison %s needs a column operand", n.Op)
}

func columnName(node ast.ExprNode) (string, error) {
	switch n := node.(type) {
	case *ast.ColumnNameExpr:
		return n.Name.Name.O, nil
	case *ast.ParenthesesExpr:
		return columnName(n.Expr)
	default:
		return "", fmt.Errorf("expected column reference, got %T", node)
	}
}

func literal(node ast.ExprNode) (Literal, error) {
	switch n := node.(type) {
	case *test_driver.ValueExpr:
		d := n.Datum
		switch d.Kind() {
		case test_driver.KindInt64:
			return Int(d.GetInt64()), nil
		case test_driver.KindUint64:
			return Int(int64(d.GetUint64())), nil
		case test_driver.KindFloat64:
			return Float(d.GetFloat64()), nil
		case test_driver.KindFloat32:
			return Float(float64(d.GetFloat32())), nil
		case test_driver.KindString:
			return String(d.GetString()), nil
		case test_driver.KindNull:
			return Null(), nil
		case test_driver.KindMysqlDecimal:
			s, ok := d.GetValue().(fmt.Stringer)
			if !ok {
				return Literal{}, fmt.Errorf("unreadable decimal literal")
			}
			f, err := strconv.ParseFloat(s.String(), 64)
			if err != nil {
				return Literal{}, fmt.Errorf("decimal literal: %w", err)
			}
			return Float(f), nil
		default:
			return Literal{}, fmt.Errorf("unsupported literal kind %d", d.Kind())
		}

	case *ast.ParenthesesExpr:
		return literal(n.Expr)

	case *ast.UnaryOperationExpr:
		if n.Op != opcode.Minus {
			return Literal{}, fmt.Errorf("unsupported literal operator %s", n.Op)
		}
		inner, err := literal(n.V)
		if err != nil {
			return Literal{}, err
		}
		switch inner.Kind() {
		case KindInt:
			return Int(-inner.AsInt()), nil
		case KindFloat:
			return Float(-inner.AsFloat()), nil
		}
		return Literal{}, fmt.Errorf("cannot negate %s literal", inner.Kind())

	case *ast.FuncCastExpr:
		if n.Tp == nil || n.Tp.GetType() != mysql.TypeDate {
			return Literal{}, fmt.Errorf("only CAST(... AS DATE) is supported")
		}
		return dateArg(n.Expr)

	case *ast.FuncCallExpr:
		switch n.FnName.L {
		case ast.DateLiteral, "date":
			if len(n.Args) != 1 {
				return Literal{}, fmt.Errorf("date literal takes one argument")
			}
			return dateArg(n.Args[0])
		case ast.TimestampLiteral:
			if len(n.Args) != 1 {
				return Literal{}, fmt.Errorf("timestamp literal takes one argument")
			}
			return timestampArg(n.Args[0])
		case "epoch_ms":
			if len(n.Args) != 1 {
				return Literal{}, fmt.Errorf("epoch_ms takes one argument")
			}
			ms, err := literal(n.Args[0])
			if err != nil || ms.Kind() != KindInt {
				return Literal{}, fmt.Errorf("epoch_ms needs an integer argument")
			}
			return TimestampMillis(ms.AsInt()), nil
		}
		return Literal{}, fmt.Errorf("unsupported function %s", n.FnName.O)

	default:
		return Literal{}, fmt.Errorf("expected literal, got %T", node)
	}
}

func dateArg(node ast.ExprNode) (Literal, error) {
	lit, err := literal(node)
	if err != nil {
		return Literal{}, err
	}
	if lit.Kind() != KindString {
		return Literal{}, fmt.Errorf("date literal needs a string, got %s", lit.Kind())
	}
	return ParseDate(lit.AsString())
}

const timestampLayout = "2006-01-02 15:04:05.999999999"

// timestampArg reads a TIMESTAMP 'YYYY-MM-DD HH:MM:SS[.fff]' literal as UTC.
func timestampArg(node ast.ExprNode) (Literal, error) {
	lit, err := literal(node)
	if err != nil {
		return Literal{}, err
	}
	if lit.Kind() != KindString {
		return Literal{}, fmt.Errorf("timestamp literal needs a string, got %s", lit.Kind())
	}
	t, err := time.Parse(timestampLayout, lit.AsString())
	if err != nil {
		return Literal{}, fmt.Errorf("parse timestamp %q: %w", lit.AsString(), err)
	}
	return Timestamp(t), nil
}

// compileLike reduces a LIKE pattern to a prefix, suffix, substring or
// equality test. Patterns with interior wildcards are rejected.
func compileLike(col, pattern string, escape byte) (Expr, error) {
	if escape == 0 {
		escape = '\\'
	}

	var (
		body     strings.Builder
		leading  bool
		trailing bool
	)
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == escape && i+1 < len(pattern):
			i++
			body.WriteByte(pattern[i])
		case ch == '%' && i == 0:
			leading = true
		case ch == '%' && i == len(pattern)-1:
			trailing = true
		case ch == '%' || ch == '_':
			return nil, fmt.Errorf("LIKE pattern %q on %q: only leading and trailing %% are supported", pattern, col)
		default:
			body.WriteByte(ch)
		}
	}

	s := body.String()
	switch {
	case leading && trailing:
		return Contains(col, s), nil
	case trailing:
		return StartsWith(col, s), nil
	case leading:
		return EndsWith(col, s), nil
	default:
		return Eq(col, String(s)), nil
	}
}
