package bitmap

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Bitmap is a fixed-size bit vector. Unlike the underlying bitset it never
// grows: accesses past Size fail instead of extending the map.
type Bitmap struct {
	size uint
	bits *bitset.BitSet
}

// New returns a cleared bitmap holding size bits.
func New(size uint) *Bitmap {
	return &Bitmap{
		size: size,
		bits: bitset.New(size),
	}
}

// Size returns the number of addressable bits.
func (b *Bitmap) Size() uint {
	return b.size
}

// Get reports whether bit i is set.
func (b *Bitmap) Get(i uint) (bool, error) {
	if i >= b.size {
		return false, fmt.Errorf("bitmap: bit %d out of range (size %d)", i, b.size)
	}
	return b.bits.Test(i), nil
}

// IsSet is Get without the range error; out-of-range bits read as clear.
func (b *Bitmap) IsSet(i uint) bool {
	return i < b.size && b.bits.Test(i)
}

// Set sets bit i.
func (b *Bitmap) Set(i uint) error {
	if i >= b.size {
		return fmt.Errorf("bitmap: bit %d out of range (size %d)", i, b.size)
	}
	b.bits.Set(i)
	return nil
}

// Clear clears bit i.
func (b *Bitmap) Clear(i uint) error {
	if i >= b.size {
		return fmt.Errorf("bitmap: bit %d out of range (size %d)", i, b.size)
	}
	b.bits.Clear(i)
	return nil
}

// NextClear returns the index of the first clear bit strictly after pos, or
// -1 if there is none. Pass -1 to search from bit 0.
func (b *Bitmap) NextClear(pos int) int {
	start := pos + 1
	if start < 0 {
		start = 0
	}
	if uint(start) >= b.size {
		return -1
	}
	idx, ok := b.bits.NextClear(uint(start))
	if !ok || idx >= b.size {
		return -1
	}
	return int(idx)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint {
	return b.bits.Count()
}

// Full reports whether every bit is set.
func (b *Bitmap) Full() bool {
	return b.Count() == b.size
}
