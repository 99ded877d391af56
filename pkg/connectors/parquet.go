package connectors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/sandboxws/regfilter/pkg/operator"
)

// DefaultBatchSize is the number of rows per batch read from Parquet.
const DefaultBatchSize = 8192

// ParquetSource reads one registry from Parquet files matching a glob pattern.
// Files are read in lexical order; all files must carry the requested columns.
type ParquetSource struct {
	pattern   string
	columns   []string
	batchSize int64

	files  []string
	schema *arrow.Schema
	alloc  memory.Allocator
}

// NewParquetSource creates a source over pattern. columns selects a subset
// of columns in file order; nil reads every column.
func NewParquetSource(pattern string, columns []string) *ParquetSource {
	return &ParquetSource{pattern: pattern, columns: columns, batchSize: DefaultBatchSize}
}

// SetBatchSize overrides DefaultBatchSize.
func (p *ParquetSource) SetBatchSize(n int64) {
	if n > 0 {
		p.batchSize = n
	}
}

func (p *ParquetSource) Open(ctx *operator.Context) error {
	p.alloc = ctx.Alloc
	files, err := filepath.Glob(p.pattern)
	if err != nil {
		return fmt.Errorf("parquet source: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("parquet source: no files match %q", p.pattern)
	}
	slices.Sort(files)
	p.files = files

	// the schema of the first file stands for the registry
	pf, fr, err := p.openFile(files[0])
	if err != nil {
		return err
	}
	defer pf.Close()

	schema, err := fr.Schema()
	if err != nil {
		return fmt.Errorf("parquet source: schema of %s: %w", files[0], err)
	}
	indices, err := columnIndices(pf, p.columns)
	if err != nil {
		return fmt.Errorf("parquet source: %s: %w", files[0], err)
	}
	if indices != nil {
		fields := make([]arrow.Field, 0, len(indices))
		for _, f := range schema.Fields() {
			if slices.Contains(p.columns, f.Name) {
				fields = append(fields, f)
			}
		}
		md := schema.Metadata()
		schema = arrow.NewSchema(fields, &md)
	}
	p.schema = schema
	return nil
}

func (p *ParquetSource) Schema() *arrow.Schema { return p.schema }

// Files lists the files matched by Open.
func (p *ParquetSource) Files() []string { return slices.Clone(p.files) }

func (p *ParquetSource) Run(ctx *operator.Context, out chan<- arrow.Record) error {
	defer close(out)

	for _, path := range p.files {
		if err := p.readFile(ctx, path, out); err != nil {
			return err
		}
		if ctx.Ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (p *ParquetSource) readFile(ctx *operator.Context, path string, out chan<- arrow.Record) error {
	pf, fr, err := p.openFile(path)
	if err != nil {
		return err
	}
	defer pf.Close()

	indices, err := columnIndices(pf, p.columns)
	if err != nil {
		return fmt.Errorf("parquet source: %s: %w", path, err)
	}
	rr, err := fr.GetRecordReader(ctx.Ctx, indices, nil)
	if err != nil {
		return fmt.Errorf("parquet source: read %s: %w", path, err)
	}
	defer rr.Release()

	for rr.Next() {
		rec := rr.Record()
		rec.Retain()
		ctx.Metrics.BatchesProcessed.Add(1)
		ctx.Metrics.RowsOut.Add(rec.NumRows())
		select {
		case out <- rec:
		case <-ctx.Done():
			rec.Release()
			return nil
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parquet source: read %s: %w", path, err)
	}
	return nil
}

func (p *ParquetSource) openFile(path string) (*file.Reader, *pqarrow.FileReader, error) {
	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, nil, fmt.Errorf("parquet source: open %s: %w", path, err)
	}
	props := pqarrow.ArrowReadProperties{BatchSize: p.batchSize}
	fr, err := pqarrow.NewFileReader(pf, props, p.alloc)
	if err != nil {
		pf.Close()
		return nil, nil, fmt.Errorf("parquet source: open %s: %w", path, err)
	}
	return pf, fr, nil
}

// columnIndices maps column names to leaf column indices, in file order.
// A nil names slice yields nil, meaning every column.
func columnIndices(pf *file.Reader, names []string) ([]int, error) {
	if names == nil {
		return nil, nil
	}
	schema := pf.MetaData().Schema
	indices := make([]int, 0, len(names))
	for _, name := range names {
		idx := schema.ColumnIndexByName(name)
		if idx < 0 {
			return nil, fmt.Errorf("column %q not found", name)
		}
		indices = append(indices, idx)
	}
	slices.Sort(indices)
	return indices, nil
}

func (p *ParquetSource) Close() error { return nil }

// ParquetSink writes a registry's batches to a single Snappy-compressed
// Parquet file. The file is created on the first batch; a sink that receives
// no batches writes nothing.
type ParquetSink struct {
	path   string
	alloc  memory.Allocator
	f      *os.File
	writer *pqarrow.FileWriter
	rows   int64
}

// NewParquetSink creates a sink writing to path. Parent directories are created.
func NewParquetSink(path string) *ParquetSink {
	return &ParquetSink{path: path}
}

func (s *ParquetSink) Open(ctx *operator.Context) error {
	s.alloc = memory.DefaultAllocator
	if ctx != nil && ctx.Alloc != nil {
		s.alloc = ctx.Alloc
	}
	return nil
}

func (s *ParquetSink) WriteBatch(batch arrow.Record) error {
	if s.writer == nil {
		if err := s.create(batch.Schema()); err != nil {
			return err
		}
	}
	if err := s.writer.Write(batch); err != nil {
		return fmt.Errorf("parquet sink: write %s: %w", s.path, err)
	}
	s.rows += batch.NumRows()
	return nil
}

func (s *ParquetSink) create(schema *arrow.Schema) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("parquet sink: %w", err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(s.alloc),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema(), pqarrow.WithAllocator(s.alloc))
	w, err := pqarrow.NewFileWriter(schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		return fmt.Errorf("parquet sink: create writer for %s: %w", s.path, err)
	}
	s.f, s.writer = f, w
	return nil
}

// Rows returns the number of rows written so far.
func (s *ParquetSink) Rows() int64 { return s.rows }

func (s *ParquetSink) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	// the writer closes the file it wraps; a second close is harmless
	if cerr := s.f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
		err = cerr
	}
	s.writer = nil
	if err != nil {
		return fmt.Errorf("parquet sink: close %s: %w", s.path, err)
	}
	return nil
}
