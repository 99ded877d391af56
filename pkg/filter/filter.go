// Package filter provides composable accept/reject filters over arbitrary values.
//
// A filter either returns its (possibly transformed) input, rejects it with an
// *ExcludedError, or fails with any other error. Combinators treat the two error
// kinds differently: rejections drive the AND/OR/NOT logic, hard failures abort.
package filter

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Filter accepts or rejects a value of type T.
type Filter[T any] interface {
	Apply(item T) (T, error)
	RequiredResources() Resources
}

// ExcludedError signals that a filter rejected its input. It is not a failure.
type ExcludedError struct {
	Reason string
}

func (e *ExcludedError) Error() string {
	return "excluded: " + e.Reason
}

// Excluded returns an *ExcludedError with a formatted reason.
func Excluded(format string, args ...any) error {
	return &ExcludedError{Reason: fmt.Sprintf(format, args...)}
}

// IsExcluded reports whether err is, or wraps, an *ExcludedError.
func IsExcluded(err error) bool {
	var ex *ExcludedError
	return errors.As(err, &ex)
}

// Resources is the set of named inputs (columns, registries) a filter reads.
type Resources map[string]struct{}

func NewResources(names ...string) Resources {
	r := make(Resources, len(names))
	for _, n := range names {
		r[n] = struct{}{}
	}
	return r
}

// Union returns a new set holding r and every set in others.
func (r Resources) Union(others ...Resources) Resources {
	out := maps.Clone(r)
	if out == nil {
		out = make(Resources)
	}
	for _, o := range others {
		maps.Copy(out, o)
	}
	return out
}

func (r Resources) Has(name string) bool {
	_, ok := r[name]
	return ok
}

func (r Resources) Sorted() []string {
	return slices.Sorted(maps.Keys(r))
}

func unionOf[T any](filters []Filter[T]) Resources {
	out := make(Resources)
	for _, f := range filters {
		maps.Copy(out, f.RequiredResources())
	}
	return out
}

// ── Combinators ─────────────────────────────────────────────────────

type andFilter[T any] struct {
	children []Filter[T]
}

// And accepts when every child accepts. Each child sees the previous child's
// output; the first rejection or failure is returned as is.
func And[T any](children ...Filter[T]) Filter[T] {
	return &andFilter[T]{children: slices.Clone(children)}
}

func (f *andFilter[T]) Apply(item T) (T, error) {
	cur := item
	for _, c := range f.children {
		next, err := c.Apply(cur)
		if err != nil {
			var zero T
			return zero, err
		}
		cur = next
	}
	return cur, nil
}

func (f *andFilter[T]) RequiredResources() Resources { return unionOf(f.children) }

type orFilter[T any] struct {
	children []Filter[T]
}

// Or returns the output of the first accepting child. When every child rejects,
// the rejection lists each child's reason. A hard failure is returned immediately.
func Or[T any](children ...Filter[T]) Filter[T] {
	return &orFilter[T]{children: slices.Clone(children)}
}

func (f *orFilter[T]) Apply(item T) (T, error) {
	var zero T
	reasons := make([]string, 0, len(f.children))
	for _, c := range f.children {
		out, err := c.Apply(item)
		if err == nil {
			return out, nil
		}
		var ex *ExcludedError
		if !errors.As(err, &ex) {
			return zero, err
		}
		reasons = append(reasons, ex.Reason)
	}
	if len(reasons) == 0 {
		return zero, &ExcludedError{Reason: "no alternatives"}
	}
	return zero, &ExcludedError{Reason: "all alternatives rejected: " + strings.Join(reasons, "; ")}
}

func (f *orFilter[T]) RequiredResources() Resources { return unionOf(f.children) }

type notFilter[T any] struct {
	inner Filter[T]
}

// Not accepts the original input when inner rejects it, and rejects when inner accepts.
func Not[T any](inner Filter[T]) Filter[T] {
	return &notFilter[T]{inner: inner}
}

func (f *notFilter[T]) Apply(item T) (T, error) {
	var zero T
	_, err := f.inner.Apply(item)
	switch {
	case err == nil:
		return zero, &ExcludedError{Reason: "negated filter accepted"}
	case IsExcluded(err):
		return item, nil
	default:
		return zero, err
	}
}

func (f *notFilter[T]) RequiredResources() Resources { return f.inner.RequiredResources() }

type constFilter[T any] struct {
	accept bool
}

// IncludeAll accepts every input unchanged.
func IncludeAll[T any]() Filter[T] { return constFilter[T]{accept: true} }

// ExcludeAll rejects every input.
func ExcludeAll[T any]() Filter[T] { return constFilter[T]{} }

func (f constFilter[T]) Apply(item T) (T, error) {
	if f.accept {
		return item, nil
	}
	var zero T
	return zero, &ExcludedError{Reason: "exclude all"}
}

func (constFilter[T]) RequiredResources() Resources { return Resources{} }

// ── Predicates ──────────────────────────────────────────────────────

type predicate[T any] struct {
	reason    string
	fn        func(T) bool
	resources Resources
}

// Predicate accepts values for which fn returns true and rejects the rest with reason.
func Predicate[T any](reason string, fn func(T) bool, resources ...string) Filter[T] {
	return &predicate[T]{reason: reason, fn: fn, resources: NewResources(resources...)}
}

func (p *predicate[T]) Apply(item T) (T, error) {
	if p.fn(item) {
		return item, nil
	}
	var zero T
	return zero, &ExcludedError{Reason: p.reason}
}

func (p *predicate[T]) RequiredResources() Resources { return p.resources }

// ApplyAll runs f over items, keeping accepted outputs in order and dropping
// rejected items. The first hard failure stops the run.
func ApplyAll[T any](f Filter[T], items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, item := range items {
		v, err := f.Apply(item)
		if err != nil {
			if IsExcluded(err) {
				continue
			}
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
