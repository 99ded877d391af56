package helpers

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewMask builds a null-free boolean mask of length n where row i is set when pred(i) is true.
// The caller must Release() the returned array.
func NewMask(alloc memory.Allocator, n int, pred func(i int) bool) *array.Boolean {
	buf := memory.NewResizableBuffer(alloc)
	buf.Resize(int(bitutil.BytesForBits(int64(n))))
	bits := buf.Bytes()
	clear(bits)
	for i := 0; i < n; i++ {
		if pred(i) {
			bitutil.SetBit(bits, i)
		}
	}
	return wrapBits(buf, n)
}

func wrapBits(buf *memory.Buffer, n int) *array.Boolean {
	data := array.NewData(arrow.FixedWidthTypes.Boolean, n, []*memory.Buffer{nil, buf}, nil, 0, 0)
	buf.Release()
	defer data.Release()
	return array.NewBooleanData(data)
}

// AllTrue returns a mask selecting every one of n rows.
func AllTrue(alloc memory.Allocator, n int) *array.Boolean {
	buf := memory.NewResizableBuffer(alloc)
	buf.Resize(int(bitutil.BytesForBits(int64(n))))
	bits := buf.Bytes()
	clear(bits)
	bitutil.SetBitsTo(bits, 0, int64(n), true)
	return wrapBits(buf, n)
}

// AllFalse returns a mask selecting none of n rows.
func AllFalse(alloc memory.Allocator, n int) *array.Boolean {
	return NewMask(alloc, n, func(int) bool { return false })
}

// CountTrue returns the number of selected rows. Null slots count as unselected.
func CountTrue(mask *array.Boolean) int {
	count := 0
	for i := 0; i < mask.Len(); i++ {
		if mask.IsValid(i) && mask.Value(i) {
			count++
		}
	}
	return count
}

// ValidityMask returns a mask that is true where arr is non-null.
func ValidityMask(alloc memory.Allocator, arr arrow.Array) *array.Boolean {
	if arr.NullN() == 0 {
		return AllTrue(alloc, arr.Len())
	}
	return NewMask(alloc, arr.Len(), arr.IsValid)
}

// MaskFromBitmap converts a set of selected row indices into a mask of length n.
func MaskFromBitmap(alloc memory.Allocator, bm *roaring.Bitmap, n int) *array.Boolean {
	buf := memory.NewResizableBuffer(alloc)
	buf.Resize(int(bitutil.BytesForBits(int64(n))))
	bits := buf.Bytes()
	clear(bits)
	it := bm.Iterator()
	for it.HasNext() {
		row := int(it.Next())
		if row >= n {
			break
		}
		bitutil.SetBit(bits, row)
	}
	return wrapBits(buf, n)
}

// BitmapFromMask collects the indices of selected rows.
func BitmapFromMask(mask *array.Boolean) *roaring.Bitmap {
	bm := roaring.New()
	for i := 0; i < mask.Len(); i++ {
		if mask.IsValid(i) && mask.Value(i) {
			bm.Add(uint32(i))
		}
	}
	return bm
}
