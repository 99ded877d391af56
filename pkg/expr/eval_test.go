package expr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// ── Test helpers ────────────────────────────────────────────────────

func makeBatch(names []string, arrays []arrow.Array) arrow.Record {
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrays[i].DataType(), Nullable: true}
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), arrays, int64(arrays[0].Len()))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func makeStringArr(alloc memory.Allocator, vals []string, valid []bool) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, valid)
	return bldr.NewArray()
}

func makeInt32Arr(alloc memory.Allocator, vals []int32, valid []bool) arrow.Array {
	bldr := array.NewInt32Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, valid)
	return bldr.NewArray()
}

func makeInt64Arr(alloc memory.Allocator, vals []int64, valid []bool) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, valid)
	return bldr.NewArray()
}

func makeFloat64Arr(alloc memory.Allocator, vals []float64, valid []bool) arrow.Array {
	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, valid)
	return bldr.NewArray()
}

func makeDateArr(alloc memory.Allocator, vals []string, valid []bool) arrow.Array {
	bldr := array.NewDate32Builder(alloc)
	defer bldr.Release()
	for i, v := range vals {
		if valid != nil && !valid[i] {
			bldr.AppendNull()
			continue
		}
		ts, _ := time.Parse("2006-01-02", v)
		bldr.Append(arrow.Date32FromTime(ts))
	}
	return bldr.NewArray()
}

func makeBoolArr(alloc memory.Allocator, vals []bool, valid []bool) arrow.Array {
	bldr := array.NewBooleanBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, valid)
	return bldr.NewArray()
}

// registryBatch holds five persons with one null in every column but PNR.
func registryBatch(alloc memory.Allocator) arrow.Record {
	return makeBatch(
		[]string{"PNR", "status", "age", "income", "birth_date", "active", "visits"},
		[]arrow.Array{
			makeStringArr(alloc, []string{"p1", "p2", "p3", "p4", "p5"}, nil),
			makeStringArr(alloc, []string{"A", "B", "", "A", "C"}, []bool{true, true, false, true, true}),
			makeInt32Arr(alloc, []int32{30, 0, 45, 60, 18}, []bool{true, false, true, true, true}),
			makeFloat64Arr(alloc, []float64{100.5, 200, 0, 50, 0}, []bool{true, true, false, true, true}),
			makeDateArr(alloc, []string{"2000-01-01", "1990-06-15", "", "1985-03-03", "2010-12-31"},
				[]bool{true, true, false, true, true}),
			makeBoolArr(alloc, []bool{true, false, false, true, false}, []bool{true, true, false, true, true}),
			makeInt64Arr(alloc, []int64{1, 2, 3, 0, 5}, []bool{true, true, true, false, true}),
		})
}

func evalMask(t *testing.T, alloc memory.Allocator, batch arrow.Record, e Expr) []bool {
	t.Helper()
	mask, err := NewEvaluator(alloc).Eval(context.Background(), batch, e)
	if err != nil {
		t.Fatalf("%s: %v", e, err)
	}
	defer mask.Release()

	if mask.Len() != int(batch.NumRows()) {
		t.Fatalf("%s: mask length %d, want %d", e, mask.Len(), batch.NumRows())
	}
	if mask.NullN() != 0 {
		t.Fatalf("%s: mask has %d nulls", e, mask.NullN())
	}
	out := make([]bool, mask.Len())
	for i := range out {
		out[i] = mask.Value(i)
	}
	return out
}

func assertBools(t *testing.T, name string, got, want []bool) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d values, want %d", name, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s [%d]: got %v, want %v", name, i, got[i], want[i])
		}
	}
}

// ── Comparisons ─────────────────────────────────────────────────────

func TestStatusEqualityAndComplement(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	assertBools(t, "status = A", evalMask(t, alloc, batch, Eq("status", String("A"))),
		[]bool{true, false, false, true, false})
	assertBools(t, "status != A", evalMask(t, alloc, batch, NotEq("status", String("A"))),
		[]bool{false, true, false, false, true})
}

func TestComparisons(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	birth, _ := ParseDate("1990-06-15")

	tests := []struct {
		name string
		expr Expr
		want []bool
	}{
		{"int32 gt", Gt("age", Int(30)), []bool{false, false, true, true, false}},
		{"int32 gteq", GtEq("age", Int(30)), []bool{true, false, true, true, false}},
		{"int32 lt", Lt("age", Int(30)), []bool{false, false, false, false, true}},
		{"int32 lteq", LtEq("age", Int(30)), []bool{true, false, false, false, true}},
		{"int32 eq widened", Eq("age", Int(1 << 40)), []bool{false, false, false, false, false}},
		{"int32 vs float", Gt("age", Float(44.5)), []bool{false, false, true, true, false}},
		{"int64 noteq", NotEq("visits", Int(2)), []bool{true, false, true, false, true}},
		{"float gt int literal", Gt("income", Int(60)), []bool{true, true, false, false, false}},
		{"float lteq", LtEq("income", Float(50)), []bool{false, false, false, true, true}},
		{"date lt", Lt("birth_date", birth), []bool{false, false, false, true, false}},
		{"date gteq", GtEq("birth_date", birth), []bool{true, true, false, false, true}},
		{"bool eq", Eq("active", Bool(true)), []bool{true, false, false, true, false}},
		{"bool noteq", NotEq("active", Bool(true)), []bool{false, true, false, false, true}},
		{"bool eq int", Eq("active", Int(0)), []bool{false, true, false, false, true}},
		{"null literal", Eq("status", Null()), []bool{false, false, false, false, false}},
		{"null literal noteq", NotEq("status", Null()), []bool{false, false, false, false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertBools(t, tt.name, evalMask(t, alloc, batch, tt.expr), tt.want)
		})
	}
}

func TestTimestampComparison(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	bldr := array.NewTimestampBuilder(alloc, &arrow.TimestampType{Unit: arrow.Microsecond})
	bldr.AppendValues([]arrow.Timestamp{1_000_000, 2_000_000, 3_000_000}, []bool{true, false, true})
	arr := bldr.NewArray()
	bldr.Release()

	batch := makeBatch([]string{"ts"}, []arrow.Array{arr})
	defer batch.Release()

	assertBools(t, "ts > 1.5s", evalMask(t, alloc, batch, Gt("ts", TimestampMillis(1500))),
		[]bool{false, false, true})
	assertBools(t, "ts in", evalMask(t, alloc, batch, In("ts", TimestampMillis(1000), TimestampMillis(2000))),
		[]bool{true, false, false})
}

func TestTimestampSecondsSubSecondLiteral(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	bldr := array.NewTimestampBuilder(alloc, &arrow.TimestampType{Unit: arrow.Second})
	bldr.AppendValues([]arrow.Timestamp{1, 2, 0, 3}, []bool{true, true, false, true})
	arr := bldr.NewArray()
	bldr.Release()

	batch := makeBatch([]string{"ts"}, []arrow.Array{arr})
	defer batch.Release()

	tests := []struct {
		name string
		e    Expr
		want []bool
	}{
		{"eq 1.5s", Eq("ts", TimestampMillis(1500)), []bool{false, false, false, false}},
		{"noteq 1.5s", NotEq("ts", TimestampMillis(1500)), []bool{true, true, false, true}},
		{"gteq 1.5s", GtEq("ts", TimestampMillis(1500)), []bool{false, true, false, true}},
		{"lt 1.5s", Lt("ts", TimestampMillis(1500)), []bool{true, false, false, false}},
		{"lt -0.5s", Lt("ts", TimestampMillis(-500)), []bool{false, false, false, false}},
		{"eq 2s", Eq("ts", TimestampMillis(2000)), []bool{false, true, false, false}},
		{"in", In("ts", TimestampMillis(1500), TimestampMillis(3000)), []bool{false, false, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertBools(t, tt.name, evalMask(t, alloc, batch, tt.e), tt.want)
		})
	}
}

// ── Membership, null tests, string matching ─────────────────────────

func TestMembership(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	tests := []struct {
		name string
		expr Expr
		want []bool
	}{
		{"string in", In("status", String("A"), String("C")), []bool{true, false, false, true, true}},
		{"string not in", NotIn("status", String("A")), []bool{false, true, false, false, true}},
		{"empty in", In("status"), []bool{false, false, false, false, false}},
		{"empty not in", NotIn("status"), []bool{true, true, false, true, true}},
		{"int32 in", In("age", Int(18), Int(45)), []bool{false, false, true, false, true}},
		{"int64 in float", In("visits", Float(5), Float(1.5)), []bool{false, false, false, false, true}},
		{"float in int", In("income", Int(50), Float(100.5)), []bool{true, false, false, true, false}},
		{"null literal ignored", In("status", Null(), String("B")), []bool{false, true, false, false, false}},
		{"identifier expr", IdentifierExpr([]string{"p2", "p4", "p9"}), []bool{false, true, false, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertBools(t, tt.name, evalMask(t, alloc, batch, tt.expr), tt.want)
		})
	}
}

func TestNullTests(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	assertBools(t, "is null", evalMask(t, alloc, batch, IsNull("age")),
		[]bool{false, true, false, false, false})
	assertBools(t, "is not null", evalMask(t, alloc, batch, IsNotNull("age")),
		[]bool{true, false, true, true, true})
	assertBools(t, "not is null", evalMask(t, alloc, batch, Not(IsNull("age"))),
		[]bool{true, false, true, true, true})
}

func TestStringMatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := makeBatch([]string{"diag"}, []arrow.Array{
		makeStringArr(alloc, []string{"DF32", "DF321", "F32", "", "DZ00"}, []bool{true, true, true, false, true}),
	})
	defer batch.Release()

	assertBools(t, "prefix", evalMask(t, alloc, batch, StartsWith("diag", "DF3")),
		[]bool{true, true, false, false, false})
	assertBools(t, "suffix", evalMask(t, alloc, batch, EndsWith("diag", "32")),
		[]bool{true, false, true, false, false})
	assertBools(t, "contains", evalMask(t, alloc, batch, Contains("diag", "F32")),
		[]bool{true, true, true, false, false})
	assertBools(t, "not contains", evalMask(t, alloc, batch, Not(Contains("diag", "F32"))),
		[]bool{false, false, false, false, true})
}

// ── Logical ─────────────────────────────────────────────────────────

func TestEmptyLogicalIdentities(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	assertBools(t, "and()", evalMask(t, alloc, batch, And()), []bool{true, true, true, true, true})
	assertBools(t, "or()", evalMask(t, alloc, batch, Or()), []bool{false, false, false, false, false})
	assertBools(t, "true", evalMask(t, alloc, batch, AlwaysTrue()), []bool{true, true, true, true, true})
	assertBools(t, "false", evalMask(t, alloc, batch, AlwaysFalse()), []bool{false, false, false, false, false})
}

func TestLogicalOperators(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	assertBools(t, "and", evalMask(t, alloc, batch, And(Eq("status", String("A")), Gt("age", Int(40)))),
		[]bool{false, false, false, true, false})
	assertBools(t, "or", evalMask(t, alloc, batch, Or(Eq("status", String("B")), Lt("age", Int(20)))),
		[]bool{false, true, false, false, true})
	assertBools(t, "nested", evalMask(t, alloc, batch,
		And(Or(Eq("status", String("A")), Eq("status", String("C"))), Not(Eq("age", Int(60))))),
		[]bool{true, false, false, false, true})
}

// ── Errors ──────────────────────────────────────────────────────────

func TestEvalErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()
	ev := NewEvaluator(alloc)

	t.Run("missing column", func(t *testing.T) {
		_, err := ev.Eval(context.Background(), batch, And(Eq("status", String("A")), Eq("nope", Int(1))))
		var nf *helpers.ColumnNotFoundError
		if !errors.As(err, &nf) || nf.Column != "nope" {
			t.Fatalf("expected ColumnNotFoundError for nope, got %v", err)
		}
	})

	t.Run("string literal against int column", func(t *testing.T) {
		_, err := ev.Eval(context.Background(), batch, Eq("age", String("30")))
		var uc *UnsupportedComparisonError
		if !errors.As(err, &uc) || uc.Column != "age" {
			t.Fatalf("expected UnsupportedComparisonError, got %v", err)
		}
	})

	t.Run("incompatible in literal", func(t *testing.T) {
		_, err := ev.Eval(context.Background(), batch, In("status", String("A"), Int(1)))
		var uc *UnsupportedComparisonError
		if !errors.As(err, &uc) {
			t.Fatalf("expected UnsupportedComparisonError, got %v", err)
		}
	})

	t.Run("ordering on bool", func(t *testing.T) {
		_, err := ev.Eval(context.Background(), batch, Gt("active", Bool(false)))
		var uc *UnsupportedComparisonError
		if !errors.As(err, &uc) {
			t.Fatalf("expected UnsupportedComparisonError, got %v", err)
		}
	})

	t.Run("string match on int", func(t *testing.T) {
		_, err := ev.Eval(context.Background(), batch, Contains("age", "3"))
		var uc *UnsupportedComparisonError
		if !errors.As(err, &uc) {
			t.Fatalf("expected UnsupportedComparisonError, got %v", err)
		}
	})
}

// ── Static analysis ─────────────────────────────────────────────────

func TestRequiredColumns(t *testing.T) {
	e := And(
		Eq("status", String("A")),
		Or(IsNull("age"), Not(In("region", String("84")))),
		AlwaysTrue(),
	)
	got := SortedColumns(e)
	want := []string{"age", "region", "status"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if cols := valueColumns(e); len(cols) != 2 {
		t.Errorf("value columns: got %v, want [region status]", cols)
	}
}

func TestDateRangeExpr(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	start := time.Date(1986, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	assertBools(t, "closed", evalMask(t, alloc, batch, DateRangeExpr("birth_date", &start, &end)),
		[]bool{true, true, false, false, false})
	assertBools(t, "open end", evalMask(t, alloc, batch, DateRangeExpr("birth_date", &start, nil)),
		[]bool{true, true, false, false, true})
	assertBools(t, "unbounded", evalMask(t, alloc, batch, DateRangeExpr("birth_date", nil, nil)),
		[]bool{true, true, false, true, true})
}

func TestExcludedMiddle(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	// Rows with a null in status or age: 1 and 2.
	complete := []bool{true, false, false, true, true}

	for _, e := range []Expr{
		And(Eq("status", String("A")), Gt("age", Int(20))),
		Or(In("status", String("B"), String("C")), LtEq("age", Int(30))),
		And(Not(Eq("status", String("C"))), GtEq("age", Int(18))),
	} {
		t.Run(e.String(), func(t *testing.T) {
			assertBools(t, "e and not e", evalMask(t, alloc, batch, And(e, Not(e))),
				[]bool{false, false, false, false, false})
			got := evalMask(t, alloc, batch, Or(e, Not(e)))
			for i, ok := range complete {
				if ok && !got[i] {
					t.Errorf("row %d: e or not e is false on a null-free row", i)
				}
			}
		})
	}

	e := And(Eq("status", String("A")), Gt("age", Int(20)))
	assertBools(t, "exact", evalMask(t, alloc, batch, Or(e, Not(e))), complete)
}

func TestNullLiteralUnderNot(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := registryBatch(alloc)
	defer batch.Release()

	none := []bool{false, false, false, false, false}
	for _, e := range []Expr{
		NotEq("status", Null()),
		Not(Eq("status", Null())),
		Not(Or(Eq("status", Null()), Eq("PNR", String("p1")))),
		Not(Not(Eq("age", Null()))),
	} {
		t.Run(e.String(), func(t *testing.T) {
			assertBools(t, e.String(), evalMask(t, alloc, batch, e), none)
		})
	}
}
