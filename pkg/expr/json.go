package expr

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// Expression trees serialize to a tagged JSON form:
//
//	{"op":"and","args":[
//	  {"op":"eq","column":"status","value":{"type":"string","value":"A"}},
//	  {"op":"in","column":"year","values":[{"type":"int","value":2019},{"type":"int","value":2020}]}
//	]}
//
// Dates are "YYYY-MM-DD" strings and timestamps are epoch milliseconds.

type wireExpr struct {
	Op      string        `json:"op"`
	Column  string        `json:"column,omitempty"`
	Value   *wireLiteral  `json:"value,omitempty"`
	Values  []wireLiteral `json:"values,omitempty"`
	Pattern string        `json:"pattern,omitempty"`
	Args    []wireExpr    `json:"args,omitempty"`
	Arg     *wireExpr     `json:"arg,omitempty"`
}

type wireLiteral struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

var compareOps = map[Op]string{
	OpEq: "eq", OpNotEq: "not_eq", OpGt: "gt", OpGtEq: "gt_eq", OpLt: "lt", OpLtEq: "lt_eq",
}

var matchOps = map[MatchKind]string{
	MatchContains: "contains", MatchPrefix: "starts_with", MatchSuffix: "ends_with",
}

// Marshal encodes an expression tree as JSON.
func Marshal(e Expr) ([]byte, error) {
	w, err := toWire(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Unmarshal decodes an expression tree from JSON.
func Unmarshal(data []byte) (Expr, error) {
	var w wireExpr
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode expression: %w", err)
	}
	return fromWire(w)
}

func toWire(e Expr) (wireExpr, error) {
	switch n := e.(type) {
	case *Comparison:
		lit, err := literalToWire(n.Value)
		if err != nil {
			return wireExpr{}, fmt.Errorf("column %q: %w", n.Column, err)
		}
		return wireExpr{Op: compareOps[n.Op], Column: n.Column, Value: &lit}, nil
	case *SetMembership:
		w := wireExpr{Op: "in", Column: n.Column}
		if n.Negated {
			w.Op = "not_in"
		}
		for _, v := range n.Values {
			lit, err := literalToWire(v)
			if err != nil {
				return wireExpr{}, fmt.Errorf("column %q: %w", n.Column, err)
			}
			w.Values = append(w.Values, lit)
		}
		return w, nil
	case *NullTest:
		if n.Negated {
			return wireExpr{Op: "is_not_null", Column: n.Column}, nil
		}
		return wireExpr{Op: "is_null", Column: n.Column}, nil
	case *StringMatch:
		return wireExpr{Op: matchOps[n.Kind], Column: n.Column, Pattern: n.Pattern}, nil
	case *AndExpr:
		args, err := argsToWire(n.Args)
		return wireExpr{Op: "and", Args: args}, err
	case *OrExpr:
		args, err := argsToWire(n.Args)
		return wireExpr{Op: "or", Args: args}, err
	case *NotExpr:
		arg, err := toWire(n.Arg)
		if err != nil {
			return wireExpr{}, err
		}
		return wireExpr{Op: "not", Arg: &arg}, nil
	case *Constant:
		if n.Value {
			return wireExpr{Op: "true"}, nil
		}
		return wireExpr{Op: "false"}, nil
	default:
		return wireExpr{}, fmt.Errorf("encode expression: unsupported node %T", e)
	}
}

func argsToWire(args []Expr) ([]wireExpr, error) {
	out := make([]wireExpr, 0, len(args))
	for _, a := range args {
		w, err := toWire(a)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func fromWire(w wireExpr) (Expr, error) {
	for op, name := range compareOps {
		if w.Op == name {
			if w.Value == nil {
				return nil, fmt.Errorf("%s on %q: missing value", w.Op, w.Column)
			}
			lit, err := literalFromWire(*w.Value)
			if err != nil {
				return nil, fmt.Errorf("%s on %q: %w", w.Op, w.Column, err)
			}
			return &Comparison{Op: op, Column: w.Column, Value: lit}, nil
		}
	}
	for kind, name := range matchOps {
		if w.Op == name {
			return &StringMatch{Kind: kind, Column: w.Column, Pattern: w.Pattern}, nil
		}
	}

	switch w.Op {
	case "in", "not_in":
		vals := make([]Literal, 0, len(w.Values))
		for _, v := range w.Values {
			lit, err := literalFromWire(v)
			if err != nil {
				return nil, fmt.Errorf("%s on %q: %w", w.Op, w.Column, err)
			}
			vals = append(vals, lit)
		}
		return &SetMembership{Column: w.Column, Values: vals, Negated: w.Op == "not_in"}, nil
	case "is_null":
		return IsNull(w.Column), nil
	case "is_not_null":
		return IsNotNull(w.Column), nil
	case "and", "or":
		args := make([]Expr, 0, len(w.Args))
		for _, a := range w.Args {
			e, err := fromWire(a)
			if err != nil {
				return nil, err
			}
			args = append(args, e)
		}
		if w.Op == "and" {
			return &AndExpr{Args: args}, nil
		}
		return &OrExpr{Args: args}, nil
	case "not":
		if w.Arg == nil {
			return nil, fmt.Errorf("not: missing arg")
		}
		inner, err := fromWire(*w.Arg)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	case "true":
		return AlwaysTrue(), nil
	case "false":
		return AlwaysFalse(), nil
	default:
		return nil, fmt.Errorf("unknown expression op %q", w.Op)
	}
}

func literalToWire(l Literal) (wireLiteral, error) {
	var v any
	switch l.Kind() {
	case KindNull:
		return wireLiteral{Type: "null"}, nil
	case KindBool:
		v = l.AsBool()
	case KindInt:
		v = l.AsInt()
	case KindFloat:
		if math.IsNaN(l.AsFloat()) || math.IsInf(l.AsFloat(), 0) {
			return wireLiteral{}, fmt.Errorf("float literal %v is not representable", l.AsFloat())
		}
		v = l.AsFloat()
	case KindString:
		v = l.AsString()
	case KindDate:
		v = l.Time().Format(dateLayout)
	case KindTimestamp:
		v = l.Millis()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return wireLiteral{}, err
	}
	return wireLiteral{Type: l.Kind().String(), Value: raw}, nil
}

func literalFromWire(w wireLiteral) (Literal, error) {
	switch w.Type {
	case "null":
		return Null(), nil
	case "bool":
		var v bool
		err := json.Unmarshal(w.Value, &v)
		return Bool(v), err
	case "int":
		var v int64
		err := json.Unmarshal(w.Value, &v)
		return Int(v), err
	case "float":
		var v float64
		err := json.Unmarshal(w.Value, &v)
		return Float(v), err
	case "string":
		var v string
		err := json.Unmarshal(w.Value, &v)
		return String(v), err
	case "date":
		var v string
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return Literal{}, err
		}
		return ParseDate(v)
	case "timestamp":
		var v int64
		err := json.Unmarshal(w.Value, &v)
		return TimestampMillis(v), err
	default:
		return Literal{}, fmt.Errorf("unknown literal type %q", w.Type)
	}
}
