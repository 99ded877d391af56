package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/sandboxws/regfilter/pkg/connectors"
	"github.com/sandboxws/regfilter/pkg/operator"
)

// samplePipeline links the generated registries: bef by identifier, lpr_adm
// through bef and lpr_diag through lpr_adm.
const samplePipeline = `pipeline: synthetic
identifiers:
  file: ids.txt
on_error: abort
registries:
  - name: bef
    path: bef.parquet
    transforms:
      - {kind: add_year, column: FOED_DAG}
      - {kind: postal_region, column: POSTNR}
    sink: {kind: parquet, path: out/bef.parquet}
  - name: lpr_adm
    path: lpr_adm.parquet
    join: {parent: bef, column: PNR}
    where: "\"D_INDDTO\" >= DATE '2010-01-01'"
    sink: {kind: parquet, path: out/lpr_adm.parquet}
  - name: lpr_diag
    path: lpr_diag.parquet
    join: {parent: lpr_adm, column: RECNUM}
    sink: {kind: console, max_rows: 10}
`

func newGenerateCmd() *cobra.Command {
	var (
		out    string
		rows   int
		seed   uint64
		stride int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write synthetic bef, lpr_adm and lpr_diag registries as Parquet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rows <= 0 {
				return fmt.Errorf("--rows must be positive")
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}
			cohort := connectors.Cohort{People: rows, Admissions: rows * 3, Diagnoses: rows * 8, Seed: seed}
			slog.Info("generating registries", "dir", out, "people", cohort.People,
				"admissions", cohort.Admissions, "diagnoses", cohort.Diagnoses, "seed", seed)

			ctx := operator.NewContext(cmd.Context(), memory.DefaultAllocator, "generate", "generator")
			n, err := connectors.WriteCohort(ctx, out, cohort, stride)
			if err != nil {
				return err
			}

			cfgPath := filepath.Join(out, "pipeline.yaml")
			if err := os.WriteFile(cfgPath, []byte(samplePipeline), 0o644); err != nil {
				return err
			}
			slog.Info("generated", "ids", n, "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "data", "output directory")
	cmd.Flags().IntVar(&rows, "rows", 100_000, "number of persons in bef")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().IntVar(&stride, "stride", 10, "write every n-th person to ids.txt")
	return cmd
}
