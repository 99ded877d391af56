package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// LiteralKind tags the variant held by a Literal.
type LiteralKind uint8

const (
	KindNull LiteralKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindDate
	KindTimestamp
)

func (k LiteralKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

const dateLayout = "2006-01-02"

// Literal is an immutable comparison operand. Dates are days since 1970-01-01,
// timestamps are milliseconds since the epoch.
type Literal struct {
	kind LiteralKind
	b    bool
	i    int64
	f    float64
	s    string
}

func Null() Literal { return Literal{kind: KindNull} }
func Bool(v bool) Literal { return Literal{kind: KindBool, b: v} }
func Int(v int64) Literal { return Literal{kind: KindInt, i: v} }
func Float(v float64) Literal { return Literal{kind: KindFloat, f: v} }
func String(v string) Literal { return Literal{kind: KindString, s: v} }
func DateDays(d int32) Literal { return Literal{kind: KindDate, i: int64(d)} }
func TimestampMillis(ms int64) Literal { return Literal{kind: KindTimestamp, i: ms} }

// Date returns the calendar date of t (in UTC) as a date literal.
func Date(t time.Time) Literal {
	return DateDays(int32(arrow.Date32FromTime(t)))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Literal, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Literal{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date(t), nil
}

// Timestamp returns t truncated to milliseconds as a timestamp literal.
func Timestamp(t time.Time) Literal {
	return TimestampMillis(t.UnixMilli())
}

func (l Literal) Kind() LiteralKind { return l.kind }
func (l Literal) IsNull() bool { return l.kind == KindNull }
func (l Literal) AsBool() bool { return l.b }
func (l Literal) AsInt() int64 { return l.i }
func (l Literal) AsString() string { return l.s }

// AsFloat returns the numeric value of an int or float literal.
func (l Literal) AsFloat() float64 {
	if l.kind == KindInt {
		return float64(l.i)
	}
	return l.f
}

// Days returns the day count of a date literal.
func (l Literal) Days() int32 { return int32(l.i) }

// Millis returns the epoch milliseconds of a timestamp literal.
func (l Literal) Millis() int64 { return l.i }

// Time returns the instant a date or timestamp literal denotes.
func (l Literal) Time() time.Time {
	if l.kind == KindDate {
		return arrow.Date32(l.i).ToTime()
	}
	return time.UnixMilli(l.i).UTC()
}

func (l Literal) isNumeric() bool { return l.kind == KindInt || l.kind == KindFloat }

// String renders the literal as SQL.
func (l Literal) String() string {
	switch l.kind {
	case KindBool:
		if l.b {
			return "TRUE"
		}
		return "FALSE"
	case KindInt:
		return strconv.FormatInt(l.i, 10)
	case KindFloat:
		if math.Trunc(l.f) == l.f && !math.IsInf(l.f, 0) {
			return strconv.FormatFloat(l.f, 'f', 1, 64)
		}
		return strconv.FormatFloat(l.f, 'g', -1, 64)
	case KindString:
		return quote(l.s)
	case KindDate:
		return "DATE " + quote(l.Time().Format(dateLayout))
	case KindTimestamp:
		return fmt.Sprintf("epoch_ms(%d)", l.i)
	default:
		return "NULL"
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
