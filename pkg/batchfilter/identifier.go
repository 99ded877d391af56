package batchfilter

import (
	"context"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// LargeSetThreshold is the set size above which an IDSet carries a bloom
// prefilter and identifier masks use a direct per-row lookup.
const LargeSetThreshold = 10_000

// DefaultIDColumn is the identifier column of registry batches.
const DefaultIDColumn = "PNR"

// IDSet is an immutable set of person identifiers.
type IDSet struct {
	members     map[string]struct{}
	bloom       *bloom.BloomFilter
	fingerprint uint64
}

// NewIDSet builds a set from ids. Duplicates are collapsed.
func NewIDSet(ids []string) *IDSet {
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	sorted := make([]string, 0, len(members))
	for id := range members {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)

	d := xxhash.New()
	for _, id := range sorted {
		_, _ = d.WriteString(id)
		_, _ = d.Write([]byte{0})
	}

	s := &IDSet{members: members, fingerprint: d.Sum64()}
	if len(members) > LargeSetThreshold {
		s.bloom = bloom.NewWithEstimates(uint(len(members)), 0.01)
		for _, id := range sorted {
			s.bloom.AddString(id)
		}
	}
	return s
}

// Contains reports membership. Large sets consult the bloom filter first.
func (s *IDSet) Contains(id string) bool {
	if s.bloom != nil && !s.bloom.TestString(id) {
		return false
	}
	_, ok := s.members[id]
	return ok
}

func (s *IDSet) Len() int { return len(s.members) }

// Large reports whether the set exceeds LargeSetThreshold.
func (s *IDSet) Large() bool { return len(s.members) > LargeSetThreshold }

// Fingerprint is an order-independent hash of the members, for logs.
func (s *IDSet) Fingerprint() uint64 { return s.fingerprint }

// IDs returns the members in sorted order.
func (s *IDSet) IDs() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *IDSet) String() string {
	return fmt.Sprintf("IDSet(n=%d, fp=%016x)", s.Len(), s.fingerprint)
}

// Strategy selects how an IdentifierFilter resolves rows.
type Strategy int

const (
	// StrategyAuto uses StrategyDirect for large sets and StrategyCounted otherwise.
	StrategyAuto Strategy = iota
	// StrategyDirect looks every row up in the set.
	StrategyDirect
	// StrategyCounted first collects the members present in the batch, then
	// resolves rows against that smaller map.
	StrategyCounted
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyCounted:
		return "counted"
	default:
		return "auto"
	}
}

// IdentifierFilter selects rows whose identifier column is in an IDSet.
// Null identifiers never match.
type IdentifierFilter struct {
	IDs      *IDSet
	Column   string
	Strategy Strategy
}

// NewIdentifierFilter filters on column, or on "PNR" when column is empty.
func NewIdentifierFilter(ids *IDSet, column string) *IdentifierFilter {
	if column == "" {
		column = DefaultIDColumn
	}
	return &IdentifierFilter{IDs: ids, Column: column}
}

// candidates lists the columns tried for identifiers, in order.
func (f *IdentifierFilter) candidates() []string {
	return []string{f.Column, DefaultIDColumn, "pnr"}
}

// resolveColumn finds the identifier column, falling back to "PNR" then "pnr".
func (f *IdentifierFilter) resolveColumn(batch arrow.Record) (helpers.StringColumn, error) {
	for _, name := range f.candidates() {
		if helpers.ColumnIndex(batch, name) < 0 {
			continue
		}
		col, _, err := helpers.GetColumn(batch, name, helpers.KindString, true)
		if err != nil {
			return helpers.StringColumn{}, err
		}
		return col.(helpers.StringColumn), nil
	}
	return helpers.StringColumn{}, &helpers.ColumnNotFoundError{Column: f.Column}
}

func (f *IdentifierFilter) Mask(_ context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	col, err := f.resolveColumn(batch)
	if err != nil {
		return nil, err
	}

	strategy := f.Strategy
	if strategy == StrategyAuto {
		strategy = StrategyCounted
		if f.IDs.Large() {
			strategy = StrategyDirect
		}
	}

	if strategy == StrategyDirect {
		return helpers.NewMask(alloc, col.Len(), func(i int) bool {
			return col.IsValid(i) && f.IDs.Contains(col.Value(i))
		}), nil
	}

	present := make(map[string][]uint32)
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		id := col.Value(i)
		rows, seen := present[id]
		switch {
		case !seen && f.IDs.Contains(id):
			present[id] = []uint32{uint32(i)}
		case !seen:
			present[id] = nil
		case rows != nil:
			present[id] = append(rows, uint32(i))
		}
	}
	rows := roaring.New()
	for _, r := range present {
		rows.AddMany(r)
	}
	return helpers.MaskFromBitmap(alloc, rows, col.Len()), nil
}

// RequiredColumns reports the identifier column and its fallbacks, since Mask
// may read any of them.
func (f *IdentifierFilter) RequiredColumns() map[string]struct{} {
	cols := make(map[string]struct{}, 3)
	for _, name := range f.candidates() {
		cols[name] = struct{}{}
	}
	return cols
}

// FilterByIdentifiers keeps the rows of batch whose identifier is in ids.
// An empty column name means "PNR".
func FilterByIdentifiers(ctx context.Context, alloc memory.Allocator, batch arrow.Record, ids *IDSet, column string) (arrow.Record, error) {
	return Apply(ctx, alloc, NewIdentifierFilter(ids, column), batch)
}
