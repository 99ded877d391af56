package engine

import (
	"fmt"
	"strings"
)

var transformKinds = map[string]func(t TransformConfig) error{
	"date_range": func(t TransformConfig) error {
		if t.Start == "" && t.End == "" {
			return fmt.Errorf("needs start or end")
		}
		return needColumn(t)
	},
	"add_year":      needColumn,
	"postal_region": needColumn,
	"remap": func(t TransformConfig) error {
		if len(t.Mapping) == 0 {
			return fmt.Errorf("needs mapping")
		}
		return needColumn(t)
	},
	"scale": func(t TransformConfig) error {
		if t.Factor == 0 {
			return fmt.Errorf("needs a non-zero factor")
		}
		return needColumn(t)
	},
	"cpi": func(t TransformConfig) error {
		if t.Year == "" {
			return fmt.Errorf("needs year column")
		}
		return needColumn(t)
	},
	"project":          needColumns,
	"drop":             needColumns,
	"require_complete": needColumns,
	"rename": func(t TransformConfig) error {
		if len(t.Mapping) == 0 {
			return fmt.Errorf("needs mapping")
		}
		return nil
	},
	"filter":        needWhere,
	"duckdb_filter": needWhere,
}

func needWhere(t TransformConfig) error {
	if t.Where == "" {
		return fmt.Errorf("needs where")
	}
	return nil
}

func needColumn(t TransformConfig) error {
	if t.Column == "" {
		return fmt.Errorf("needs column")
	}
	return nil
}

func needColumns(t TransformConfig) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("needs columns")
	}
	return nil
}

var sinkKinds = map[string]func(s SinkConfig) error{
	"console": func(SinkConfig) error { return nil },
	"discard": func(SinkConfig) error { return nil },
	"parquet": func(s SinkConfig) error {
		if s.Path == "" {
			return fmt.Errorf("needs path")
		}
		return nil
	},
	"kafka": func(s SinkConfig) error {
		if s.Topic == "" || len(s.Brokers) == 0 {
			return fmt.Errorf("needs topic and brokers")
		}
		switch s.Format {
		case "", "json", "proto":
			return nil
		}
		return fmt.Errorf("unknown format %q", s.Format)
	},
}

// ValidateConfig checks the pipeline definition for structural integrity.
func ValidateConfig(cfg *Config) error {
	if cfg.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if len(cfg.Registries) == 0 {
		return fmt.Errorf("pipeline must contain at least one registry")
	}
	if cfg.OnError != OnErrorAbort && cfg.OnError != OnErrorSkip {
		return fmt.Errorf("on_error must be %q or %q, got %q", OnErrorAbort, OnErrorSkip, cfg.OnError)
	}
	if cfg.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative")
	}
	if cfg.CPI != nil {
		if err := cfg.CPI.Adjuster().Validate(); err != nil {
			return err
		}
	}

	registries := make(map[string]*RegistryConfig, len(cfg.Registries))
	for i := range cfg.Registries {
		r := &cfg.Registries[i]
		if r.Name == "" {
			return fmt.Errorf("registry[%d] has empty name", i)
		}
		if _, exists := registries[r.Name]; exists {
			return fmt.Errorf("duplicate registry name: %s", r.Name)
		}
		registries[r.Name] = r

		if r.Path == "" && r.Synthetic == nil {
			return fmt.Errorf("registry %s: path is required", r.Name)
		}
		for j, t := range r.Transforms {
			check, ok := transformKinds[t.Kind]
			if !ok {
				return fmt.Errorf("registry %s: transform[%d]: unknown kind %q", r.Name, j, t.Kind)
			}
			if err := check(t); err != nil {
				return fmt.Errorf("registry %s: transform[%d] (%s): %w", r.Name, j, t.Kind, err)
			}
			if t.Kind == "cpi" && cfg.CPI == nil {
				return fmt.Errorf("registry %s: transform[%d]: cpi requires a cpi table", r.Name, j)
			}
		}
		check, ok := sinkKinds[r.Sink.Kind]
		if !ok {
			return fmt.Errorf("registry %s: unknown sink kind %q", r.Name, r.Sink.Kind)
		}
		if err := check(r.Sink); err != nil {
			return fmt.Errorf("registry %s: sink %s: %w", r.Name, r.Sink.Kind, err)
		}
	}

	// Joins must reference existing registries.
	for _, r := range cfg.Registries {
		if r.Join == nil {
			continue
		}
		if r.Join.Column == "" {
			return fmt.Errorf("registry %s: join column is required", r.Name)
		}
		if _, ok := registries[r.Join.Parent]; !ok {
			return fmt.Errorf("registry %s: join parent %q does not exist", r.Name, r.Join.Parent)
		}
		if r.Join.Parent == r.Name {
			return fmt.Errorf("registry %s: joins itself", r.Name)
		}
	}

	return detectCycles(cfg)
}

// detectCycles performs a DFS-based cycle check on the join graph.
func detectCycles(cfg *Config) error {
	adj := make(map[string][]string)
	for _, r := range cfg.Registries {
		if r.Join != nil {
			adj[r.Join.Parent] = append(adj[r.Join.Parent], r.Name)
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // visiting (in current path)
		black = 2 // done
	)

	color := make(map[string]int)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		path = append(path, node)

		for _, next := range adj[node] {
			switch color[next] {
			case gray:
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				cycle := append(path[cycleStart:], next)
				return fmt.Errorf("join cycle detected: %s", strings.Join(cycle, " -> "))
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for _, r := range cfg.Registries {
		if color[r.Name] == white {
			if err := dfs(r.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
