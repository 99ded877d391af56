package batchfilter

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// JoinIndex maps join keys of a parent registry to the identifier of the row
// that carries them.
type JoinIndex struct {
	keys map[string]string
}

// BuildJoinIndex indexes joinColumn over all parent batches. Rows with a null key,
// or a null identifier when idColumn is set, are skipped. When ids is non-nil only
// rows whose identifier is a member are indexed. An empty idColumn indexes every
// non-null key, for parents that are already filtered.
func BuildJoinIndex(parents []arrow.Record, idColumn, joinColumn string, ids *IDSet) (*JoinIndex, error) {
	idx := &JoinIndex{keys: make(map[string]string)}
	for bi, batch := range parents {
		keys, err := helpers.Require[helpers.StringColumn](batch, joinColumn)
		if err != nil {
			return nil, fmt.Errorf("parent batch %d: %w", bi, err)
		}

		if idColumn == "" {
			for i := 0; i < keys.Len(); i++ {
				if keys.IsValid(i) {
					idx.keys[keys.Value(i)] = ""
				}
			}
			continue
		}

		pnrs, err := helpers.Require[helpers.StringColumn](batch, idColumn)
		if err != nil {
			return nil, fmt.Errorf("parent batch %d: %w", bi, err)
		}
		for i := 0; i < keys.Len(); i++ {
			if keys.IsNull(i) || pnrs.IsNull(i) {
				continue
			}
			pnr := pnrs.Value(i)
			if ids != nil && !ids.Contains(pnr) {
				continue
			}
			idx.keys[keys.Value(i)] = pnr
		}
	}
	return idx, nil
}

func (j *JoinIndex) Len() int { return len(j.keys) }

// Lookup returns the identifier indexed for key.
func (j *JoinIndex) Lookup(key string) (string, bool) {
	id, ok := j.keys[key]
	return id, ok
}

// Filter returns a MaskFilter selecting target rows whose joinColumn key is indexed.
func (j *JoinIndex) Filter(joinColumn string) MaskFilter {
	return &joinFilter{index: j, column: joinColumn}
}

type joinFilter struct {
	index  *JoinIndex
	column string
}

func (f *joinFilter) Mask(_ context.Context, alloc memory.Allocator, batch arrow.Record) (*array.Boolean, error) {
	keys, err := helpers.Require[helpers.StringColumn](batch, f.column)
	if err != nil {
		return nil, err
	}
	rows := roaring.New()
	for i := 0; i < keys.Len(); i++ {
		if keys.IsNull(i) {
			continue
		}
		if _, ok := f.index.keys[keys.Value(i)]; ok {
			rows.Add(uint32(i))
		}
	}
	return helpers.MaskFromBitmap(alloc, rows, keys.Len()), nil
}

func (f *joinFilter) RequiredColumns() map[string]struct{} {
	return map[string]struct{}{f.column: {}}
}

// JoinAndFilter keeps the target rows whose joinColumn key appears on a parent
// row with an identifier in ids (any identifier when ids is nil).
func JoinAndFilter(ctx context.Context, alloc memory.Allocator, parent arrow.Record, idColumn string, target arrow.Record, joinColumn string, ids *IDSet) (arrow.Record, error) {
	idx, err := BuildJoinIndex([]arrow.Record{parent}, idColumn, joinColumn, ids)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, alloc, idx.Filter(joinColumn), target)
}
