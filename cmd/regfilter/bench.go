package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/batchfilter"
	"github.com/sandboxws/regfilter/pkg/connectors"
	"github.com/sandboxws/regfilter/pkg/duckdb"
	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
)

const benchCondition = `"KOM" IN ('101', '147') AND "AAR" >= 2017 AND "PERINDKIALT" > 250000`

type benchCase struct {
	name string
	op   operator.Operator
	mf   batchfilter.MaskFilter
}

func newBenchCmd() *cobra.Command {
	var (
		rows      int
		ids       int
		batchSize int
		rounds    int
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time identifier filter strategies and expression evaluation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			counting := helpers.NewCountingAllocator(memory.DefaultAllocator)
			var alloc memory.Allocator = counting
			batches, err := benchBatches(cmd.Context(), alloc, rows, batchSize)
			if err != nil {
				return err
			}
			defer func() { helpers.ReleaseAll(batches) }()

			idList := make([]string, 0, ids)
			for i := 0; i < ids; i++ {
				idList = append(idList, connectors.PNR(i*max(rows/max(ids, 1), 1)))
			}
			set := batchfilter.NewIDSet(idList)

			cond, err := expr.ParseSQL(benchCondition)
			if err != nil {
				return err
			}
			cases := []benchCase{
				{name: "ids/direct", mf: &batchfilter.IdentifierFilter{IDs: set, Column: "PNR", Strategy: batchfilter.StrategyDirect}},
				{name: "ids/counted", mf: &batchfilter.IdentifierFilter{IDs: set, Column: "PNR", Strategy: batchfilter.StrategyCounted}},
				{name: "expr/arrow", mf: batchfilter.ExprFilter(cond)},
				{name: "expr/duckdb", op: duckdb.NewFilter(cond)},
			}

			slog.Info("starting benchmark", "rows", rows, "ids", set.Len(), "batch_size", batchSize, "rounds", rounds)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.SetTitle(fmt.Sprintf("%d rows x %d rounds", rows, rounds))
			t.AppendHeader(table.Row{"case", "rows out", "elapsed", "rows/sec", "allocated MB"})
			t.SetColumnConfigs([]table.ColumnConfig{
				{Number: 2, Align: text.AlignRight},
				{Number: 3, Align: text.AlignRight},
				{Number: 4, Align: text.AlignRight},
				{Number: 5, Align: text.AlignRight},
			})
			for _, c := range cases {
				before := counting.Allocated()
				out, elapsed, err := runBenchCase(cmd.Context(), alloc, c, batches, rounds)
				if errors.Is(err, duckdb.ErrDuckDBNotAvailable) {
					t.AppendRow(table.Row{c.name, "-", "not built", "-", "-"})
					continue
				}
				if err != nil {
					return fmt.Errorf("%s: %w", c.name, err)
				}
				rate := float64(rows*rounds) / elapsed.Seconds()
				mb := float64(counting.Allocated()-before) / (1 << 20)
				t.AppendRow(table.Row{c.name, out, elapsed.Round(time.Microsecond), fmt.Sprintf("%.0f", rate), fmt.Sprintf("%.1f", mb)})
			}
			t.Render()

			helpers.ReleaseAll(batches)
			batches = nil
			if err := counting.CheckReleased(); err != nil {
				slog.Warn("benchmark leaked arrow memory", "error", err, "peak_bytes", counting.Peak())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&rows, "rows", 1_000_000, "rows of generated bef data")
	cmd.Flags().IntVar(&ids, "ids", 50_000, "cohort size")
	cmd.Flags().IntVar(&batchSize, "batch-size", 8192, "rows per batch")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "passes over the data per case")
	return cmd
}

func benchBatches(ctx context.Context, alloc memory.Allocator, rows, batchSize int) ([]arrow.Record, error) {
	gen := connectors.NewGenerator(connectors.RegistryBEF, connectors.Cohort{People: rows, Seed: 42})
	gen.SetBatchSize(batchSize)
	opCtx := operator.NewContext(ctx, alloc, "bench/source", "generator")
	if err := gen.Open(opCtx); err != nil {
		return nil, err
	}
	defer gen.Close()

	ch := make(chan arrow.Record, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- gen.Run(opCtx, ch) }()

	var batches []arrow.Record
	for b := range ch {
		batches = append(batches, b)
	}
	if err := <-errCh; err != nil {
		helpers.ReleaseAll(batches)
		return nil, err
	}
	return batches, nil
}

// runBenchCase returns the number of selected rows of one round and the
// total time of all rounds.
func runBenchCase(ctx context.Context, alloc memory.Allocator, c benchCase, batches []arrow.Record, rounds int) (int64, time.Duration, error) {
	if c.op != nil {
		if err := c.op.Open(operator.NewContext(ctx, alloc, "bench/"+c.name, c.name)); err != nil {
			return 0, 0, err
		}
		defer c.op.Close()
	}

	var selected int64
	start := time.Now()
	for round := 0; round < rounds; round++ {
		var n int64
		for _, b := range batches {
			rows, err := benchBatch(ctx, alloc, c, b)
			if err != nil {
				return 0, 0, err
			}
			n += rows
		}
		selected = n
	}
	return selected, time.Since(start), nil
}

func benchBatch(ctx context.Context, alloc memory.Allocator, c benchCase, b arrow.Record) (int64, error) {
	if c.op != nil {
		outs, err := c.op.ProcessBatch(b)
		if err != nil {
			return 0, err
		}
		var n int64
		for _, o := range outs {
			n += o.NumRows()
		}
		helpers.ReleaseAll(outs)
		return n, nil
	}
	out, err := batchfilter.Apply(ctx, alloc, c.mf, b)
	if err != nil {
		return 0, err
	}
	defer out.Release()
	return out.NumRows(), nil
}
