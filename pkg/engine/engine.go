// Package engine runs registry pipelines defined by a YAML config: sources are
// read and selected in parallel, linked to the cohort through a filter plan,
// transformed and written to their sinks by goroutines wired with channels.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
	"github.com/sandboxws/regfilter/pkg/batchfilter"
	"github.com/sandboxws/regfilter/pkg/metrics"
	"github.com/sandboxws/regfilter/pkg/operator"
	"github.com/sandboxws/regfilter/pkg/operators"
)

const defaultChannelBuffer = 16

// RegistryStats summarizes one registry after a run.
type RegistryStats struct {
	Registry       string
	Mode           string // "direct", "join" or "unresolved"
	RowsRead       int64
	RowsSelected   int64
	RowsWritten    int64
	BatchesSkipped int64
}

// Result is the outcome of Engine.Run.
type Result struct {
	Plan       *batchfilter.Plan
	Registries map[string]*RegistryStats
	Elapsed    time.Duration
}

// Engine executes a pipeline config.
type Engine struct {
	cfg     *Config
	alloc   memory.Allocator
	sources SourceFactory
	sinks   SinkFactory
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewEngine creates an engine for cfg using the default Parquet/generator
// sources and config-selected sinks.
func NewEngine(cfg *Config, alloc memory.Allocator) *Engine {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	return &Engine{
		cfg:     cfg,
		alloc:   alloc,
		sources: DefaultSources,
		sinks:   DefaultSinks,
		logger:  slog.Default().With("pipeline", cfg.Pipeline),
	}
}

// WithSources replaces the source factory.
func (e *Engine) WithSources(f SourceFactory) *Engine {
	e.sources = f
	return e
}

// WithSinks replaces the sink factory.
func (e *Engine) WithSinks(f SinkFactory) *Engine {
	e.sinks = f
	return e
}

// stage is an operator bound to its context in one registry's chain.
type stage struct {
	op  operator.Operator
	ctx *operator.Context
}

// registryRun is the per-registry state of a run.
type registryRun struct {
	cfg    *RegistryConfig
	source operator.Source
	srcCtx *operator.Context
	pre    []stage
	post   []stage
	stats  *RegistryStats
}

// Plan opens every source to read its schema and returns the filter plan,
// without reading any data.
func (e *Engine) Plan(ctx context.Context) (*batchfilter.Plan, error) {
	if err := ValidateConfig(e.cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	runs, err := e.openSources(ctx)
	defer closeSources(runs)
	if err != nil {
		return nil, err
	}
	return e.buildPlan(runs), nil
}

// Run executes the pipeline. It blocks until every sink is closed, the
// context is cancelled or a batch fails under the abort policy.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	e.mu.Lock()
	ctx, e.cancel = context.WithCancel(ctx)
	cancel := e.cancel
	e.mu.Unlock()
	defer cancel()

	if err := ValidateConfig(e.cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	idList, err := e.cfg.LoadIdentifiers()
	if err != nil {
		return nil, err
	}
	ids := batchfilter.NewIDSet(idList)
	e.logger.Info("cohort loaded", "ids", ids.Len(), "fingerprint", fmt.Sprintf("%016x", ids.Fingerprint()))

	runs, err := e.openSources(ctx)
	defer closeSources(runs)
	if err != nil {
		return nil, err
	}

	plan := e.buildPlan(runs)
	result := &Result{Plan: plan, Registries: make(map[string]*RegistryStats, len(runs))}
	for name, run := range runs {
		run.stats.Mode = modeOf(plan, name)
		result.Registries[name] = run.stats
	}
	active := maps.Clone(runs)
	for _, name := range plan.Unresolved() {
		e.logger.Warn("registry not linked to the cohort, skipped", "registry", name)
		delete(active, name)
	}

	// write closes the transform stages; every earlier exit must do it here.
	closePost := func() {
		for _, run := range active {
			closeStages(run.post)
		}
	}
	for _, run := range active {
		if err := e.buildStages(ctx, run); err != nil {
			for _, r := range active {
				closeStages(r.pre)
			}
			closePost()
			return result, err
		}
	}

	batches, err := e.read(ctx, active)
	if err != nil {
		closePost()
		return result, err
	}

	selected, err := batchfilter.ApplyPlan(ctx, e.alloc, plan, batches, ids)
	for _, recs := range batches {
		helpers.ReleaseAll(recs)
	}
	if err != nil {
		closePost()
		return result, fmt.Errorf("apply filter plan: %w", err)
	}
	for name, recs := range selected {
		for _, r := range recs {
			active[name].stats.RowsSelected += r.NumRows()
		}
	}

	err = e.write(ctx, active, selected)
	result.Elapsed = time.Since(start)
	for _, name := range slices.Sorted(maps.Keys(result.Registries)) {
		s := result.Registries[name]
		e.logger.Info("registry done", "registry", name, "mode", s.Mode,
			"read", s.RowsRead, "selected", s.RowsSelected, "written", s.RowsWritten, "skipped_batches", s.BatchesSkipped)
	}
	return result, err
}

// Stop triggers a graceful shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func modeOf(plan *batchfilter.Plan, name string) string {
	switch {
	case plan.IsDirect(name):
		return "direct"
	case plan.Has(name):
		return "join"
	default:
		return "unresolved"
	}
}

func (e *Engine) openSources(ctx context.Context) (map[string]*registryRun, error) {
	runs := make(map[string]*registryRun, len(e.cfg.Registries))
	for i := range e.cfg.Registries {
		r := &e.cfg.Registries[i]
		src, err := e.sources(e.cfg, r)
		if err != nil {
			return runs, fmt.Errorf("create source for %s: %w", r.Name, err)
		}
		srcCtx := operator.NewContext(ctx, e.alloc, r.Name+"/source", "source").ForRegistry(r.Name)
		if err := src.Open(srcCtx); err != nil {
			return runs, fmt.Errorf("open source for %s: %w", r.Name, err)
		}
		runs[r.Name] = &registryRun{
			cfg:    r,
			source: src,
			srcCtx: srcCtx,
			stats:  &RegistryStats{Registry: r.Name},
		}
	}
	return runs, nil
}

func closeSources(runs map[string]*registryRun) {
	for _, run := range runs {
		if err := run.source.Close(); err != nil {
			run.srcCtx.Logger.Warn("source close failed", "error", err)
		}
	}
}

func (e *Engine) buildPlan(runs map[string]*registryRun) *batchfilter.Plan {
	schemas := make(map[string]*arrow.Schema, len(runs))
	joins := make(map[string]batchfilter.JoinSpec)
	idColumns := make(map[string]string)
	for name, run := range runs {
		schemas[name] = run.source.Schema()
		if run.cfg.IDColumn != "" {
			idColumns[name] = run.cfg.IDColumn
		}
		if j := run.cfg.Join; j != nil {
			joins[name] = batchfilter.JoinSpec{Parent: j.Parent, Column: j.Column}
		}
	}
	return batchfilter.BuildPlan(schemas, joins, idColumns)
}

// buildStages creates and opens the selection and transform operators of run.
func (e *Engine) buildStages(ctx context.Context, run *registryRun) error {
	name := run.cfg.Name
	sel, err := Selection(run.cfg)
	if err != nil {
		return err
	}
	if sel != nil {
		run.pre = append(run.pre, e.newStage(ctx, name, 0, "select", operators.NewExprFilter(sel)))
	}

	ops, err := buildTransforms(e.cfg, run.cfg)
	if err != nil {
		return err
	}
	for i, no := range ops {
		run.post = append(run.post, e.newStage(ctx, name, i+1, no.kind, no.op))
	}

	for _, st := range slices.Concat(run.pre, run.post) {
		if err := st.op.Open(st.ctx); err != nil {
			return fmt.Errorf("open operator %s: %w", st.ctx.OperatorID, err)
		}
	}
	return nil
}

func (e *Engine) newStage(ctx context.Context, registry string, idx int, kind string, op operator.Operator) stage {
	id := fmt.Sprintf("%s/%d:%s", registry, idx, kind)
	return stage{op: op, ctx: operator.NewContext(ctx, e.alloc, id, kind).ForRegistry(registry)}
}

func closeStages(stages []stage) {
	for _, st := range stages {
		if err := st.op.Close(); err != nil {
			st.ctx.Logger.Warn("operator close failed", "error", err)
		}
	}
}

// read runs every source and its selection chain. Each registry has a source
// goroutine feeding a channel drained by a chain goroutine.
func (e *Engine) read(ctx context.Context, runs map[string]*registryRun) (map[string][]arrow.Record, error) {
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(2 * e.cfg.Parallelism)
	}

	var mu sync.Mutex
	batches := make(map[string][]arrow.Record, len(runs))

	for name, run := range runs {
		ch := make(chan arrow.Record, defaultChannelBuffer)
		g.Go(func() error {
			if err := run.source.Run(run.srcCtx.WithContext(gctx), ch); err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			return nil
		})
		g.Go(func() error {
			defer closeStages(run.pre)
			// drain on every exit path so the source never blocks
			defer func() {
				for b := range ch {
					b.Release()
				}
			}()

			var kept []arrow.Record
			for batch := range ch {
				run.stats.RowsRead += batch.NumRows()
				outs, err := e.processChain(run, run.pre, batch)
				if err != nil {
					helpers.ReleaseAll(kept)
					return err
				}
				kept = append(kept, outs...)
			}
			mu.Lock()
			batches[name] = kept
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, recs := range batches {
			helpers.ReleaseAll(recs)
		}
		return nil, err
	}
	return batches, nil
}

// write pushes each registry's selected batches through its transform chain
// into its sink. The chain and the sink run in separate goroutines joined by a
// channel. Sinks are opened up front so no batch is written when any sink fails.
func (e *Engine) write(ctx context.Context, runs map[string]*registryRun, selected map[string][]arrow.Record) error {
	g, gctx := errgroup.WithContext(ctx)

	type opened struct {
		sink operator.Sink
		ctx  *operator.Context
	}
	sinks := make(map[string]opened, len(runs))
	abort := func(err error) error {
		for _, s := range sinks {
			_ = s.sink.Close()
		}
		for name, run := range runs {
			helpers.ReleaseAll(selected[name])
			closeStages(run.post)
		}
		return err
	}
	for name, run := range runs {
		sink, err := e.sinks(e.cfg, run.cfg)
		if err != nil {
			return abort(fmt.Errorf("create sink for %s: %w", name, err))
		}
		sinkCtx := operator.NewContext(gctx, e.alloc, name+"/sink", run.cfg.Sink.Kind).ForRegistry(name)
		if err := sink.Open(sinkCtx); err != nil {
			return abort(fmt.Errorf("open sink for %s: %w", name, err))
		}
		sinks[name] = opened{sink: sink, ctx: sinkCtx}
	}

	for name, run := range runs {
		recs := selected[name]
		sink, sinkCtx := sinks[name].sink, sinks[name].ctx

		ch := make(chan arrow.Record, defaultChannelBuffer)
		g.Go(func() error {
			defer close(ch)
			defer closeStages(run.post)
			for i, batch := range recs {
				if gctx.Err() != nil {
					helpers.ReleaseAll(recs[i:])
					return nil
				}
				outs, err := e.processChain(run, run.post, batch)
				if err != nil {
					helpers.ReleaseAll(recs[i+1:])
					return err
				}
				for _, out := range outs {
					select {
					case ch <- out:
					case <-gctx.Done():
						out.Release()
					}
				}
			}
			return nil
		})
		g.Go(func() error {
			var werr error
			for batch := range ch {
				if werr == nil {
					start := time.Now()
					if err := sink.WriteBatch(batch); err != nil {
						werr = fmt.Errorf("sink %s: %w", name, err)
						sinkCtx.Metrics.Errors.Add(1)
						metrics.Errors.WithLabelValues(name, sinkCtx.OperatorID).Inc()
					} else {
						n := batch.NumRows()
						run.stats.RowsWritten += n
						sinkCtx.Metrics.RowsIn.Add(n)
						metrics.Observe(name, sinkCtx.OperatorID, n, n, time.Since(start))
					}
				}
				batch.Release()
			}
			if err := sink.Close(); err != nil && werr == nil {
				werr = fmt.Errorf("close sink %s: %w", name, err)
			}
			return werr
		})
	}
	return g.Wait()
}

// processChain runs batch through stages in sequence and releases batch.
// Under the skip policy a failing batch is logged, counted and dropped.
func (e *Engine) processChain(run *registryRun, stages []stage, batch arrow.Record) ([]arrow.Record, error) {
	batches := []arrow.Record{batch}
	for _, st := range stages {
		var next []arrow.Record
		for i, b := range batches {
			start := time.Now()
			rowsIn := b.NumRows()
			outputs, err := st.op.ProcessBatch(b)
			b.Release()
			st.ctx.Metrics.BatchesProcessed.Add(1)
			if err != nil {
				st.ctx.Metrics.Errors.Add(1)
				metrics.Errors.WithLabelValues(run.cfg.Name, st.ctx.OperatorID).Inc()
				if e.cfg.OnError == OnErrorSkip {
					st.ctx.Logger.Warn("batch skipped", "error", err)
					run.stats.BatchesSkipped++
					continue
				}
				helpers.ReleaseAll(batches[i+1:])
				helpers.ReleaseAll(next)
				return nil, fmt.Errorf("%s: %w", st.ctx.OperatorID, err)
			}
			var rowsOut int64
			for _, o := range outputs {
				rowsOut += o.NumRows()
			}
			metrics.Observe(run.cfg.Name, st.ctx.OperatorID, rowsIn, rowsOut, time.Since(start))
			next = append(next, outputs...)
		}
		batches = next
	}
	return batches, nil
}
