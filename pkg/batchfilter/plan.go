package batchfilter

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// JoinSpec links a registry to the parent registry it is filtered through.
type JoinSpec struct {
	Parent string
	Column string
}

// Plan decides, per registry, whether it is filtered directly by identifier or
// through a join with an already planned parent.
type Plan struct {
	direct     map[string]string
	joins      map[string]JoinSpec
	levels     [][]string
	unresolved []string
}

// BuildPlan classifies registries. A registry is direct when its identifier column
// is present in its schema. Join registries are added once their parent is in the
// plan, repeating until nothing changes, so chains of joins resolve. Joins that
// never resolve (missing parents, cycles) are reported by Unresolved.
func BuildPlan(schemas map[string]*arrow.Schema, joins map[string]JoinSpec, idColumns map[string]string) *Plan {
	p := &Plan{direct: make(map[string]string), joins: make(map[string]JoinSpec)}

	for name, schema := range schemas {
		col, ok := idColumns[name]
		if !ok {
			continue
		}
		if len(schema.FieldIndices(col)) > 0 {
			p.direct[name] = col
		}
	}
	if len(p.direct) > 0 {
		p.levels = append(p.levels, slices.Sorted(maps.Keys(p.direct)))
	}

	for {
		var level []string
		for name, j := range joins {
			if p.Has(name) {
				continue
			}
			if _, ok := schemas[name]; !ok {
				continue
			}
			if p.Has(j.Parent) {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			break
		}
		slices.Sort(level)
		// Registries found in the same pass may not depend on each other.
		for _, name := range level {
			p.joins[name] = joins[name]
		}
		p.levels = append(p.levels, level)
	}

	seen := make(map[string]struct{})
	for name := range schemas {
		seen[name] = struct{}{}
	}
	for name := range joins {
		seen[name] = struct{}{}
	}
	for name := range seen {
		if !p.Has(name) {
			p.unresolved = append(p.unresolved, name)
		}
	}
	slices.Sort(p.unresolved)
	return p
}

// Has reports whether a registry is part of the plan.
func (p *Plan) Has(name string) bool {
	if _, ok := p.direct[name]; ok {
		return true
	}
	_, ok := p.joins[name]
	return ok
}

func (p *Plan) IsDirect(name string) bool {
	_, ok := p.direct[name]
	return ok
}

// IDColumn returns the identifier column of a direct registry.
func (p *Plan) IDColumn(name string) (string, bool) {
	col, ok := p.direct[name]
	return col, ok
}

// Join returns the join of a join registry.
func (p *Plan) Join(name string) (JoinSpec, bool) {
	j, ok := p.joins[name]
	return j, ok
}

// Direct returns the direct registries in sorted order.
func (p *Plan) Direct() []string { return slices.Sorted(maps.Keys(p.direct)) }

// Levels returns registries grouped in application order: direct registries
// first, then each join level.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = slices.Clone(l)
	}
	return out
}

// Unresolved lists registries that could not be placed in the plan.
func (p *Plan) Unresolved() []string { return slices.Clone(p.unresolved) }

func (p *Plan) String() string {
	var b strings.Builder
	for i, level := range p.levels {
		for _, name := range level {
			if col, ok := p.direct[name]; ok {
				fmt.Fprintf(&b, "level %d: %s direct on %s\n", i, name, col)
				continue
			}
			j := p.joins[name]
			fmt.Fprintf(&b, "level %d: %s join %s on %s\n", i, name, j.Parent, j.Column)
		}
	}
	for _, name := range p.unresolved {
		fmt.Fprintf(&b, "unresolved: %s\n", name)
	}
	return b.String()
}

// ApplyPlan filters every planned registry. Direct registries are filtered by ids,
// then each join level is filtered through an index built from all surviving
// batches of its parent. Batches are processed in parallel; the first error cancels
// the remaining work and releases every output. Empty outputs are dropped and a
// registry with no surviving batches is absent from the result.
// The caller must release the returned records.
func ApplyPlan(ctx context.Context, alloc memory.Allocator, plan *Plan, batches map[string][]arrow.Record, ids *IDSet) (map[string][]arrow.Record, error) {
	results := make(map[string][]arrow.Record)
	releaseResults := func() {
		for _, recs := range results {
			helpers.ReleaseAll(recs)
		}
	}

	for _, level := range plan.levels {
		filters := make(map[string]MaskFilter, len(level))
		for _, name := range level {
			if col, ok := plan.direct[name]; ok {
				filters[name] = NewIdentifierFilter(ids, col)
				continue
			}
			j := plan.joins[name]
			parents, ok := results[j.Parent]
			if !ok {
				continue
			}
			idCol, direct := plan.direct[j.Parent]
			var members *IDSet
			if direct {
				members = ids
			}
			idx, err := BuildJoinIndex(parents, idCol, j.Column, members)
			if err != nil {
				releaseResults()
				return nil, fmt.Errorf("registry %s: join index on %s.%s: %w", name, j.Parent, j.Column, err)
			}
			filters[name] = idx.Filter(j.Column)
		}

		out, err := applyLevel(ctx, alloc, filters, batches)
		if err != nil {
			releaseResults()
			return nil, err
		}
		maps.Copy(results, out)
	}
	return results, nil
}

func applyLevel(ctx context.Context, alloc memory.Allocator, filters map[string]MaskFilter, batches map[string][]arrow.Record) (map[string][]arrow.Record, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	outputs := make(map[string][]arrow.Record, len(filters))
	for name := range filters {
		outputs[name] = make([]arrow.Record, len(batches[name]))
	}

	for name, f := range filters {
		slots := outputs[name]
		for i, batch := range batches[name] {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec, err := Apply(gctx, alloc, f, batch)
				if err != nil {
					return fmt.Errorf("registry %s batch %d: %w", name, i, err)
				}
				slots[i] = rec
				return nil
			})
		}
	}

	err := g.Wait()
	result := make(map[string][]arrow.Record, len(outputs))
	for name, slots := range outputs {
		if err != nil {
			helpers.ReleaseAll(slots)
			continue
		}
		kept := make([]arrow.Record, 0, len(slots))
		for _, rec := range slots {
			if rec.NumRows() == 0 {
				rec.Release()
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) > 0 {
			result[name] = kept
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
