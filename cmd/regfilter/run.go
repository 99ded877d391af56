package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/sandboxws/regfilter/pkg/engine"
	"github.com/sandboxws/regfilter/pkg/metrics"
)

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := engine.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				srv := metrics.ServeMetrics(metricsAddr)
				defer srv.Shutdown(context.Background())
				slog.Info("serving metrics", "addr", metricsAddr)
			}

			slog.Info("starting pipeline", "pipeline", cfg.Pipeline, "registries", len(cfg.Registries))
			res, err := engine.RunWithGracefulShutdown(cmd.Context(), engine.NewEngine(cfg, memory.DefaultAllocator), timeout)
			if res != nil {
				printSummary(res)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeline.yaml", "pipeline config file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&timeout, "shutdown-timeout", 30*time.Second, "grace period after SIGINT/SIGTERM")
	return cmd
}

func printSummary(res *engine.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("finished in %s", res.Elapsed.Round(time.Millisecond)))
	t.AppendHeader(table.Row{"registry", "mode", "read", "selected", "written", "skipped"})
	for _, name := range slices.Sorted(maps.Keys(res.Registries)) {
		s := res.Registries[name]
		t.AppendRow(table.Row{s.Registry, s.Mode, s.RowsRead, s.RowsSelected, s.RowsWritten, s.BatchesSkipped})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
}
