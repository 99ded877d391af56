package transform

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/sandboxws/regfilter/pkg/arrow/helpers"
)

// Adjuster supplies the factor that converts an amount from a given year into
// base-year value. ok is false when the year has no factor.
type Adjuster interface {
	Factor(year int32) (factor float64, ok bool)
}

// CPIIndex adjusts by the ratio of consumer price index values:
// Index[Base] / Index[year].
type CPIIndex struct {
	Base  int32
	Index map[int32]float64
}

func (c CPIIndex) Factor(year int32) (float64, bool) {
	base, ok := c.Index[c.Base]
	if !ok {
		return 0, false
	}
	v, ok := c.Index[year]
	if !ok || v == 0 {
		return 0, false
	}
	return base / v, true
}

// Validate checks that the base year is present and all index values are positive.
func (c CPIIndex) Validate() error {
	if _, ok := c.Index[c.Base]; !ok {
		return fmt.Errorf("cpi: base year %d missing from index", c.Base)
	}
	for y, v := range c.Index {
		if v <= 0 {
			return fmt.Errorf("cpi: index for %d must be positive, got %v", y, v)
		}
	}
	return nil
}

// NoAdjustment leaves every amount unchanged.
type NoAdjustment struct{}

func (NoAdjustment) Factor(int32) (float64, bool) { return 1, true }

// AdjustedSuffix is appended to the amount column name to form the output column.
const AdjustedSuffix = "_adjusted"

// AdjustForInflation appends a nullable Float64 "<amount>_adjusted" column holding
// amount * adj.Factor(year). Null amounts, null years and years without a factor
// give null.
func AdjustForInflation(alloc memory.Allocator, batch arrow.Record, amountColumn, yearColumn string, adj Adjuster) (arrow.Record, error) {
	amountCol, err := resolve(batch, amountColumn, "int32, int64 or float64")
	if err != nil {
		return nil, err
	}
	amount, ok := numericValue(amountCol)
	if !ok {
		return nil, &helpers.TypeMismatchError{Column: amountColumn, Expected: "int32, int64 or float64", Actual: amountCol.Array().DataType().String()}
	}

	yearCol, err := resolve(batch, yearColumn, "int32 or int64")
	if err != nil {
		return nil, err
	}
	year, ok := integerValue(yearCol)
	if !ok {
		return nil, &helpers.TypeMismatchError{Column: yearColumn, Expected: "int32 or int64", Actual: yearCol.Array().DataType().String()}
	}

	// factors are looked up once per distinct year
	factors := make(map[int64]float64)
	missing := make(map[int64]struct{})

	bldr := array.NewFloat64Builder(alloc)
	defer bldr.Release()
	bldr.Reserve(amountCol.Len())
	for i := 0; i < amountCol.Len(); i++ {
		if amountCol.IsNull(i) || yearCol.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		y := year(i)
		f, cached := factors[y]
		if !cached {
			if _, skip := missing[y]; !skip {
				var found bool
				if f, found = lookupFactor(adj, y); found {
					factors[y] = f
					cached = true
				} else {
					missing[y] = struct{}{}
				}
			}
		}
		if !cached {
			bldr.AppendNull()
			continue
		}
		bldr.Append(amount(i) * f)
	}
	adjusted := bldr.NewArray()
	defer adjusted.Release()

	field := arrow.Field{Name: amountColumn + AdjustedSuffix, Type: arrow.PrimitiveTypes.Float64, Nullable: true}
	return putColumn(batch, field, adjusted), nil
}

func lookupFactor(adj Adjuster, year int64) (float64, bool) {
	if year < -1<<31 || year > 1<<31-1 {
		return 0, false
	}
	return adj.Factor(int32(year))
}
