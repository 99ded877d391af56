package connectors

import (
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/sandboxws/regfilter/pkg/operator"
)

// Console prints Arrow RecordBatches as formatted tables.
type Console struct {
	maxRows int
	writer  io.Writer
	count   int64
	title   string
}

// NewConsole creates a Console sink showing at most maxRows rows per batch.
// Zero means no limit.
func NewConsole(maxRows int) *Console {
	return &Console{maxRows: maxRows, writer: os.Stdout}
}

// SetWriter overrides the output writer (default: os.Stdout).
func (c *Console) SetWriter(w io.Writer) { c.writer = w }

func (c *Console) Open(ctx *operator.Context) error {
	if ctx != nil {
		c.title = ctx.Registry
	}
	return nil
}

func (c *Console) WriteBatch(batch arrow.Record) error {
	numRows := int(batch.NumRows())
	shown := numRows
	if c.maxRows > 0 && shown > c.maxRows {
		shown = c.maxRows
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(c.writer)
	tw.SetStyle(table.StyleLight)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault
	if c.title != "" {
		tw.SetTitle(c.title)
	}

	header := make(table.Row, 0, batch.NumCols())
	var align []table.ColumnConfig
	for i, f := range batch.Schema().Fields() {
		header = append(header, f.Name)
		if isNumeric(f.Type) {
			align = append(align, table.ColumnConfig{Number: i + 1, Align: text.AlignRight})
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(align)

	for row := 0; row < shown; row++ {
		r := make(table.Row, batch.NumCols())
		for col := range r {
			r[col] = formatValue(batch.Column(col), row)
		}
		tw.AppendRow(r)
	}
	if numRows > shown {
		tw.AppendFooter(table.Row{"... (" + strconv.Itoa(numRows-shown) + " more rows)"})
	}
	tw.Render()

	c.count += batch.NumRows()
	return nil
}

// Rows returns the number of rows written so far.
func (c *Console) Rows() int64 { return c.count }

func (c *Console) Close() error { return nil }

func isNumeric(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT16, arrow.INT32, arrow.INT64, arrow.FLOAT32, arrow.FLOAT64:
		return true
	}
	return false
}
