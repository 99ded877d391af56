package main

import (
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sandboxws/regfilter/pkg/engine"
)

func newPlanCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print how each registry is linked to the cohort",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := engine.LoadConfig(configPath)
			if err != nil {
				return err
			}
			plan, err := engine.NewEngine(cfg, memory.DefaultAllocator).Plan(cmd.Context())
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.SetTitle(cfg.Pipeline)
			t.AppendHeader(table.Row{"level", "registry", "mode", "on"})
			for i, level := range plan.Levels() {
				for _, name := range level {
					if col, ok := plan.IDColumn(name); ok {
						t.AppendRow(table.Row{i, name, "direct", col})
						continue
					}
					j, _ := plan.Join(name)
					t.AppendRow(table.Row{i, name, "join " + j.Parent, j.Column})
				}
			}
			for _, name := range plan.Unresolved() {
				t.AppendRow(table.Row{"-", name, "unresolved", ""})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeline.yaml", "pipeline config file")
	return cmd
}
