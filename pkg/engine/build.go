package engine

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/goccy/go-json"

	"github.com/sandboxws/regfilter/pkg/batchfilter"
	"github.com/sandboxws/regfilter/pkg/connectors"
	"github.com/sandboxws/regfilter/pkg/duckdb"
	"github.com/sandboxws/regfilter/pkg/expr"
	"github.com/sandboxws/regfilter/pkg/operator"
	"github.com/sandboxws/regfilter/pkg/operators"
	"github.com/sandboxws/regfilter/pkg/transform"
)

// SourceFactory creates the source of a registry.
type SourceFactory func(cfg *Config, r *RegistryConfig) (operator.Source, error)

// SinkFactory creates the sink of a registry.
type SinkFactory func(cfg *Config, r *RegistryConfig) (operator.Sink, error)

// DefaultSources reads synthetic registries from the generator and all
// others from Parquet.
func DefaultSources(cfg *Config, r *RegistryConfig) (operator.Source, error) {
	if r.Synthetic != nil {
		return connectors.NewGenerator(r.Name, *r.Synthetic), nil
	}
	return connectors.NewParquetSource(cfg.resolve(r.Path), r.Columns), nil
}

// DefaultSinks builds the sink named by r.Sink.Kind.
func DefaultSinks(cfg *Config, r *RegistryConfig) (operator.Sink, error) {
	s := r.Sink
	switch s.Kind {
	case "console":
		return connectors.NewConsole(s.MaxRows), nil
	case "parquet":
		return connectors.NewParquetSink(cfg.resolve(s.Path)), nil
	case "kafka":
		return connectors.NewKafkaSink(s.Topic, s.Brokers, s.Format, s.KeyBy)
	case "discard":
		return discard{}, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", s.Kind)
	}
}

type discard struct{}

func (discard) Open(*operator.Context) error { return nil }
func (discard) WriteBatch(arrow.Record) error { return nil }
func (discard) Close() error { return nil }

// Selection compiles the where condition and filter tree of r. Both are
// ANDed; nil means the registry has no selection beyond the cohort.
func Selection(r *RegistryConfig) (expr.Expr, error) {
	var parts []expr.Expr
	if r.Where != "" {
		e, err := expr.ParseSQL(r.Where)
		if err != nil {
			return nil, fmt.Errorf("registry %s: where: %w", r.Name, err)
		}
		parts = append(parts, e)
	}
	if len(r.Filter) > 0 {
		data, err := json.Marshal(r.Filter)
		if err != nil {
			return nil, fmt.Errorf("registry %s: filter: %w", r.Name, err)
		}
		e, err := expr.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("registry %s: filter: %w", r.Name, err)
		}
		parts = append(parts, e)
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return expr.And(parts...), nil
	}
}

// namedOperator pairs an operator with the label used in logs and metrics.
type namedOperator struct {
	kind string
	op   operator.Operator
}

// buildTransforms creates the operators for r.Transforms, in order.
func buildTransforms(cfg *Config, r *RegistryConfig) ([]namedOperator, error) {
	ops := make([]namedOperator, 0, len(r.Transforms))
	for i, t := range r.Transforms {
		op, err := buildTransform(cfg, t)
		if err != nil {
			return nil, fmt.Errorf("registry %s: transform[%d] (%s): %w", r.Name, i, t.Kind, err)
		}
		ops = append(ops, namedOperator{kind: t.Kind, op: op})
	}
	return ops, nil
}

func buildTransform(cfg *Config, t TransformConfig) (operator.Operator, error) {
	switch t.Kind {
	case "date_range":
		start, err := parseBound(t.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseBound(t.End)
		if err != nil {
			return nil, err
		}
		return operators.NewTransform(t.Kind, transform.DateRangeFunc(t.Column, start, end)), nil
	case "add_year":
		return operators.NewTransform(t.Kind, transform.AddYearFunc(t.Column)), nil
	case "postal_region":
		return operators.NewTransform(t.Kind, transform.PostalRegionFunc(t.Column)), nil
	case "remap":
		return operators.NewTransform(t.Kind, transform.RemapFunc(t.Column, t.Mapping)), nil
	case "scale":
		return operators.NewTransform(t.Kind, transform.ScaleFunc(t.Column, t.Factor)), nil
	case "cpi":
		if cfg.CPI == nil {
			return nil, fmt.Errorf("no cpi table configured")
		}
		return operators.NewTransform(t.Kind, transform.InflationFunc(t.Column, t.Year, cfg.CPI.Adjuster())), nil
	case "project":
		return operators.NewProject(t.Columns), nil
	case "drop":
		return operators.NewDrop(t.Columns), nil
	case "rename":
		return operators.NewRename(t.Mapping), nil
	case "require_complete":
		return operators.NewFilter(batchfilter.NewCompleteness(t.Columns...)), nil
	case "filter":
		return operators.NewSQLFilter(t.Where)
	case "duckdb_filter":
		e, err := expr.ParseSQL(t.Where)
		if err != nil {
			return nil, err
		}
		return duckdb.NewFilter(e), nil
	default:
		return nil, fmt.Errorf("unknown transform kind %q", t.Kind)
	}
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("date bound %q: %w", s, err)
	}
	return &t, nil
}
