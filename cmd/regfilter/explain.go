package main

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/sandboxws/regfilter/pkg/duckdb"
	"github.com/sandboxws/regfilter/pkg/expr"
)

func newExplainCmd() *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Compile a SQL condition and print its expression tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := expr.ParseSQL(where)
			if err != nil {
				return err
			}
			data, err := expr.Marshal(e)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "expression: %s\n", e)
			fmt.Fprintf(out, "columns:    %s\n", strings.Join(slices.Sorted(maps.Keys(expr.RequiredColumns(e))), ", "))
			fmt.Fprintf(out, "duckdb:     %s\n", duckdb.SelectSQL(e))
			fmt.Fprintf(out, "json:\n%s\n", pretty.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "SQL condition")
	_ = cmd.MarkFlagRequired("where")
	return cmd
}
