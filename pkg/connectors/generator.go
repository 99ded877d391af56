package connectors

import (
	"bufio"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/operator"
)

const defaultGeneratorBatch = 1024

// Synthetic registry names produced by Generator.
const (
	RegistryBEF     = "bef"
	RegistryLPRAdm  = "lpr_adm"
	RegistryLPRDiag = "lpr_diag"
)

// Cohort sizes a synthetic data set. Rows of lpr_adm reference BEF persons and
// rows of lpr_diag reference lpr_adm admissions, so the three registries form
// a direct, join and chained-join hierarchy.
type Cohort struct {
	People     int
	Admissions int
	Diagnoses  int
	Seed       uint64
}

// Rows returns the number of rows generated for registry.
func (c Cohort) Rows(registry string) int {
	switch registry {
	case RegistryBEF:
		return c.People
	case RegistryLPRAdm:
		return c.Admissions
	case RegistryLPRDiag:
		return c.Diagnoses
	}
	return 0
}

// PNR returns the synthetic identifier of person i.
func PNR(i int) string { return fmt.Sprintf("%010d", 1_000_000_000+i) }

// RecNum returns the synthetic admission key of admission i.
func RecNum(i int) string { return fmt.Sprintf("R%09d", i) }

var (
	municipalities = []string{"101", "147", "461", "751", "851"}
	diagnoses      = []string{"DE10", "DE11", "DI21", "DJ45", "DF32", "DC50"}
	epoch1940      = time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC)
	epoch2000      = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
)

// RegistrySchema returns the Arrow schema of a synthetic registry.
func RegistrySchema(registry string) (*arrow.Schema, error) {
	switch registry {
	case RegistryBEF:
		return arrow.NewSchema([]arrow.Field{
			{Name: "PNR", Type: arrow.BinaryTypes.String},
			{Name: "FOED_DAG", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
			{Name: "KOEN", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "KOM", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "POSTNR", Type: arrow.BinaryTypes.String, Nullable: true},
			{Name: "PERINDKIALT", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
			{Name: "AAR", Type: arrow.PrimitiveTypes.Int32},
		}, nil), nil
	case RegistryLPRAdm:
		return arrow.NewSchema([]arrow.Field{
			{Name: "PNR", Type: arrow.BinaryTypes.String},
			{Name: "RECNUM", Type: arrow.BinaryTypes.String},
			{Name: "D_INDDTO", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
			{Name: "C_ADIAG", Type: arrow.BinaryTypes.String, Nullable: true},
		}, nil), nil
	case RegistryLPRDiag:
		return arrow.NewSchema([]arrow.Field{
			{Name: "RECNUM", Type: arrow.BinaryTypes.String},
			{Name: "C_DIAG", Type: arrow.BinaryTypes.String},
			{Name: "C_DIAGTYPE", Type: arrow.BinaryTypes.String, Nullable: true},
		}, nil), nil
	}
	return nil, fmt.Errorf("generator: unknown registry %q", registry)
}

// Generator produces deterministic synthetic registry batches.
type Generator struct {
	registry  string
	cohort    Cohort
	batchSize int
	schema    *arrow.Schema
	alloc     memory.Allocator
}

// NewGenerator creates a Generator source for one registry of cohort.
func NewGenerator(registry string, cohort Cohort) *Generator {
	return &Generator{registry: registry, cohort: cohort, batchSize: defaultGeneratorBatch}
}

// SetBatchSize overrides the default of 1024 rows per batch.
func (g *Generator) SetBatchSize(n int) {
	if n > 0 {
		g.batchSize = n
	}
}

func (g *Generator) Open(ctx *operator.Context) error {
	schema, err := RegistrySchema(g.registry)
	if err != nil {
		return err
	}
	g.schema = schema
	g.alloc = ctx.Alloc
	return nil
}

func (g *Generator) Schema() *arrow.Schema { return g.schema }

func (g *Generator) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)

	// one stream per registry keeps registries independent of each other's sizes
	rng := rand.New(rand.NewPCG(g.cohort.Seed, uint64(len(g.registry))<<32|uint64(g.registry[0])))
	total := g.cohort.Rows(g.registry)

	for start := 0; start < total; start += g.batchSize {
		n := min(g.batchSize, total-start)
		batch := g.generateBatch(rng, start, n)
		select {
		case out <- batch:
			ctx.Metrics.BatchesProcessed.Add(1)
			ctx.Metrics.RowsOut.Add(int64(n))
		case <-ctx.Done():
			batch.Release()
			return nil
		}
	}
	return nil
}

func (g *Generator) Close() error { return nil }

func (g *Generator) generateBatch(rng *rand.Rand, start, n int) arrow.Record {
	bldr := array.NewRecordBuilder(g.alloc, g.schema)
	defer bldr.Release()

	for row := start; row < start+n; row++ {
		switch g.registry {
		case RegistryBEF:
			g.bef(bldr, rng, row)
		case RegistryLPRAdm:
			g.admission(bldr, rng, row)
		case RegistryLPRDiag:
			g.diagnosis(bldr, rng)
		}
	}
	return bldr.NewRecord()
}

func (g *Generator) bef(b *array.RecordBuilder, rng *rand.Rand, row int) {
	b.Field(0).(*array.StringBuilder).Append(PNR(row))
	appendDate(b.Field(1).(*array.Date32Builder), rng, epoch1940, 70*365, 0.01)
	appendChoice(b.Field(2).(*array.StringBuilder), rng, []string{"1", "2"}, 0.005)
	appendChoice(b.Field(3).(*array.StringBuilder), rng, municipalities, 0.02)

	postal := b.Field(4).(*array.StringBuilder)
	switch p := rng.Float64(); {
	case p < 0.02:
		postal.AppendNull()
	case p < 0.03:
		postal.Append("UKENDT")
	default:
		postal.Append(fmt.Sprintf("%04d", 1000+rng.IntN(9000)))
	}

	income := b.Field(5).(*array.Float64Builder)
	if rng.Float64() < 0.05 {
		income.AppendNull()
	} else {
		income.Append(float64(rng.IntN(900_000)) + rng.Float64())
	}
	b.Field(6).(*array.Int32Builder).Append(int32(2015 + rng.IntN(6)))
}

func (g *Generator) admission(b *array.RecordBuilder, rng *rand.Rand, row int) {
	b.Field(0).(*array.StringBuilder).Append(PNR(rng.IntN(max(g.cohort.People, 1))))
	b.Field(1).(*array.StringBuilder).Append(RecNum(row))
	appendDate(b.Field(2).(*array.Date32Builder), rng, epoch2000, 20*365, 0.005)
	appendChoice(b.Field(3).(*array.StringBuilder), rng, diagnoses, 0.01)
}

func (g *Generator) diagnosis(b *array.RecordBuilder, rng *rand.Rand) {
	b.Field(0).(*array.StringBuilder).Append(RecNum(rng.IntN(max(g.cohort.Admissions, 1))))
	b.Field(1).(*array.StringBuilder).Append(diagnoses[rng.IntN(len(diagnoses))])
	appendChoice(b.Field(2).(*array.StringBuilder), rng, []string{"A", "B", "+"}, 0.01)
}

func appendDate(b *array.Date32Builder, rng *rand.Rand, from time.Time, spanDays int, nullRate float64) {
	if rng.Float64() < nullRate {
		b.AppendNull()
		return
	}
	b.Append(arrow.Date32FromTime(from.AddDate(0, 0, rng.IntN(spanDays))))
}

func appendChoice(b *array.StringBuilder, rng *rand.Rand, choices []string, nullRate float64) {
	if rng.Float64() < nullRate {
		b.AppendNull()
		return
	}
	b.Append(choices[rng.IntN(len(choices))])
}

// WriteCohort generates every synthetic registry into dir as
// <registry>.parquet, plus ids.txt listing every stride-th BEF identifier.
// It returns the number of identifiers written.
func WriteCohort(ctx *operator.Context, dir string, cohort Cohort, stride int) (int, error) {
	for _, registry := range []string{RegistryBEF, RegistryLPRAdm, RegistryLPRDiag} {
		if err := writeRegistry(ctx, filepath.Join(dir, registry+".parquet"), registry, cohort); err != nil {
			return 0, err
		}
	}

	if stride <= 0 {
		stride = 1
	}
	f, err := os.Create(filepath.Join(dir, "ids.txt"))
	if err != nil {
		return 0, fmt.Errorf("generator: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	n := 0
	for i := 0; i < cohort.People; i += stride {
		fmt.Fprintln(w, PNR(i))
		n++
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("generator: write ids: %w", err)
	}
	return n, nil
}

func writeRegistry(ctx *operator.Context, path, registry string, cohort Cohort) error {
	gen := NewGenerator(registry, cohort)
	if err := gen.Open(ctx); err != nil {
		return err
	}
	defer gen.Close()

	sink := NewParquetSink(path)
	if err := sink.Open(ctx); err != nil {
		return err
	}

	out := make(chan arrow.Record, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- gen.Run(ctx, out) }()

	var writeErr error
	for batch := range out {
		if writeErr == nil {
			writeErr = sink.WriteBatch(batch)
		}
		batch.Release()
	}
	if err := <-errCh; err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	return writeErr
}
