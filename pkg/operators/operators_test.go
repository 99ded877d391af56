package operators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/batchfilter"
	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
	"github.com/sandboxws/regfilter/pkg/transform"
)

// ── Test helpers ────────────────────────────────────────────────────

func newCtx(alloc memory.Allocator) *operator.Context {
	return operator.NewContext(context.Background(), alloc, "bef/0:test", "test")
}

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

func makeInt64Arr(alloc memory.Allocator, vals []int64) arrow.Array {
	bldr := array.NewInt64Builder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func makeStringArr(alloc memory.Allocator, vals []string) arrow.Array {
	bldr := array.NewStringBuilder(alloc)
	defer bldr.Release()
	bldr.AppendValues(vals, nil)
	return bldr.NewArray()
}

func personBatch(alloc memory.Allocator) arrow.Record {
	return makeBatch([]string{"PNR", "AGE", "POSTNR"}, []arrow.Array{
		makeStringArr(alloc, []string{"p1", "p2", "p3", "p4"}),
		makeInt64Arr(alloc, []int64{15, 42, 67, 30}),
		makeStringArr(alloc, []string{"2100", "8000", "5000", "9000"}),
	})
}

func stringCol(t *testing.T, rec arrow.Record, name string) []string {
	t.Helper()
	col, err := helpers.Require[helpers.StringColumn](rec, name)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}

// ── Filter tests ────────────────────────────────────────────────────

func TestFilter(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	f, err := NewSQLFilter(`"AGE" >= 18 AND "AGE" < 65`)
	if err != nil {
		t.Fatal(err)
	}
	ctx := newCtx(alloc)
	if err := f.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	results, err := f.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	if len(results) != 1 {
		t.Fatalf("expected 1 result batch, got %d", len(results))
	}
	got := stringCol(t, results[0], "PNR")
	if len(got) != 2 || got[0] != "p2" || got[1] != "p4" {
		t.Errorf("PNR = %v, want [p2 p4]", got)
	}
	if ctx.Metrics.RowsIn.Load() != 4 || ctx.Metrics.RowsOut.Load() != 2 {
		t.Errorf("rows in/out = %d/%d", ctx.Metrics.RowsIn.Load(), ctx.Metrics.RowsOut.Load())
	}
}

func TestFilterNoMatches(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	f := NewExprFilter(expr.Gt("AGE", expr.Int(100)))
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}

	results, err := f.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		releaseAll(results)
		t.Fatalf("expected no batches, got %d", len(results))
	}
}

func TestFilterIdentifiers(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	ids := batchfilter.NewIDSet([]string{"p3", "p1", "zz"})
	f := NewFilter(batchfilter.NewIdentifierFilter(ids, ""))
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}

	results, err := f.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	if got := stringCol(t, results[0], "PNR"); len(got) != 2 || got[0] != "p1" || got[1] != "p3" {
		t.Errorf("PNR = %v", got)
	}
}

func TestFilterErrors(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	if _, err := NewSQLFilter("AGE LIKE 'a%b'"); err == nil {
		t.Error("expected compile error for interior wildcard")
	}

	batch := personBatch(alloc)
	defer batch.Release()

	f := NewExprFilter(expr.Eq("missing", expr.Int(1)))
	if err := f.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	_, err := f.ProcessBatch(batch)
	var nf *helpers.ColumnNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ColumnNotFoundError", err)
	}
}

func TestFilterString(t *testing.T) {
	f := NewExprFilter(expr.Eq("KOM", expr.String("101")))
	if got := f.String(); got != `filter("KOM" = '101')` {
		t.Errorf("String() = %q", got)
	}
}

// ── Transform tests ─────────────────────────────────────────────────

func TestTransform(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	op := NewTransform("postal_region", transform.PostalRegionFunc("POSTNR"))
	if err := op.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}
	defer op.Close()

	results, err := op.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	got := stringCol(t, results[0], "region")
	want := []string{"Hovedstaden", "Østjylland", "Fyn", "Nordjylland"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("region[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if op.String() != "postal_region" {
		t.Errorf("String() = %q", op.String())
	}
}

func TestTransformDateRange(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	bldr := array.NewDate32Builder(alloc)
	for _, d := range []string{"1980-01-01", "1999-06-30", "2010-12-24"} {
		ts, _ := time.Parse(time.DateOnly, d)
		bldr.Append(arrow.Date32FromTime(ts))
	}
	dates := bldr.NewArray()
	bldr.Release()

	batch := makeBatch([]string{"PNR", "D_INDDTO"}, []arrow.Array{
		makeStringArr(alloc, []string{"a", "b", "c"}), dates,
	})
	defer batch.Release()

	start := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	op := NewTransform("date_range", transform.DateRangeFunc("D_INDDTO", &start, &end))
	if err := op.Open(newCtx(alloc)); err != nil {
		t.Fatal(err)
	}

	results, err := op.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	if results[0].NumRows() != 1 {
		t.Errorf("rows = %d, want 1", results[0].NumRows())
	}
}

// ── Project, Drop and Rename tests ──────────────────────────────────

func TestProject(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	p := NewProject([]string{"POSTNR", "PNR"})
	results, err := p.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	names := helpers.ColumnNames(results[0])
	if len(names) != 2 || names[0] != "POSTNR" || names[1] != "PNR" {
		t.Errorf("columns = %v", names)
	}

	if _, err := NewProject([]string{"nope"}).ProcessBatch(batch); err == nil {
		t.Error("expected error for missing column")
	}
}

func TestDrop(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	d := NewDrop([]string{"AGE", "absent"})
	results, err := d.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	names := helpers.ColumnNames(results[0])
	if len(names) != 2 || names[0] != "PNR" || names[1] != "POSTNR" {
		t.Errorf("columns = %v", names)
	}

	if _, err := NewDrop([]string{"PNR", "AGE", "POSTNR"}).ProcessBatch(batch); err == nil {
		t.Error("expected error when dropping every column")
	}
}

func TestRename(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	batch := personBatch(alloc)
	defer batch.Release()

	r := NewRename(map[string]string{"PNR": "person_id", "POSTNR": "postal_code"})
	results, err := r.ProcessBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseAll(results)

	names := helpers.ColumnNames(results[0])
	want := []string{"person_id", "AGE", "postal_code"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, names[i], want[i])
		}
	}

	if _, err := NewRename(map[string]string{"AGE": "PNR"}).ProcessBatch(batch); err == nil {
		t.Error("expected duplicate column error")
	}
}

// ── Leak checks ─────────────────────────────────────────────────────

// TestOperatorChainReleasesEverything pushes several batches through a filter,
// a transform and a projection, releasing intermediates as the engine does.
func TestOperatorChainReleasesEverything(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)
	defer alloc.AssertSize(t, 0)

	ops := []operator.Operator{
		NewExprFilter(expr.GtEq("AGE", expr.Int(18))),
		NewTransform("postal_region", transform.PostalRegionFunc("POSTNR")),
		NewProject([]string{"PNR", "region"}),
	}
	for _, op := range ops {
		if err := op.Open(newCtx(alloc)); err != nil {
			t.Fatal(err)
		}
	}

	var total int64
	for i := 0; i < 5; i++ {
		batches := []arrow.Record{personBatch(alloc)}
		for _, op := range ops {
			var next []arrow.Record
			for _, b := range batches {
				out, err := op.ProcessBatch(b)
				b.Release()
				if err != nil {
					t.Fatal(err)
				}
				next = append(next, out...)
			}
			batches = next
		}
		for _, b := range batches {
			total += b.NumRows()
			b.Release()
		}
	}
	if total != 15 {
		t.Errorf("rows = %d, want 15", total)
	}
}

// TestLeakDetectorCatchesUnreleasedBatch checks that CheckedAllocator notices
// a batch that was never released.
func TestLeakDetectorCatchesUnreleasedBatch(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.DefaultAllocator)

	batch := personBatch(alloc)
	if alloc.CurrentAlloc() == 0 {
		t.Fatal("expected non-zero allocation for unreleased batch")
	}

	batch.Release()
	alloc.AssertSize(t, 0)
}
