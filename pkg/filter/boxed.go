package filter

// Boxed wraps any Filter[T] behind a concrete type with fluent combinators.
type Boxed[T any] struct {
	inner Filter[T]
}

// Box wraps f. Boxing a Boxed filter returns it unchanged.
func Box[T any](f Filter[T]) Boxed[T] {
	if b, ok := f.(Boxed[T]); ok {
		return b
	}
	return Boxed[T]{inner: f}
}

func (b Boxed[T]) Apply(item T) (T, error) { return b.inner.Apply(item) }
func (b Boxed[T]) RequiredResources() Resources { return b.inner.RequiredResources() }

// Unwrap returns the wrapped filter.
func (b Boxed[T]) Unwrap() Filter[T] { return b.inner }

func (b Boxed[T]) And(others ...Filter[T]) Boxed[T] {
	return Boxed[T]{inner: And(append([]Filter[T]{b.inner}, others...)...)}
}

func (b Boxed[T]) Or(others ...Filter[T]) Boxed[T] {
	return Boxed[T]{inner: Or(append([]Filter[T]{b.inner}, others...)...)}
}

func (b Boxed[T]) Not() Boxed[T] {
	return Boxed[T]{inner: Not(b.inner)}
}

// Builder accumulates filters and combines them in one step.
type Builder[T any] struct {
	filters []Filter[T]
}

func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{}
}

func (b *Builder[T]) Add(f Filter[T]) *Builder[T] {
	b.filters = append(b.filters, f)
	return b
}

func (b *Builder[T]) Len() int { return len(b.filters) }

// BuildAnd combines the added filters with And. An empty builder includes everything.
func (b *Builder[T]) BuildAnd() Boxed[T] {
	if len(b.filters) == 0 {
		return Box(IncludeAll[T]())
	}
	if len(b.filters) == 1 {
		return Box(b.filters[0])
	}
	return Box(And(b.filters...))
}

// BuildOr combines the added filters with Or. An empty builder excludes everything.
func (b *Builder[T]) BuildOr() Boxed[T] {
	if len(b.filters) == 0 {
		return Box(ExcludeAll[T]())
	}
	if len(b.filters) == 1 {
		return Box(b.filters[0])
	}
	return Box(Or(b.filters...))
}

// BuildNotAnd negates BuildAnd.
func (b *Builder[T]) BuildNotAnd() Boxed[T] {
	return b.BuildAnd().Not()
}
