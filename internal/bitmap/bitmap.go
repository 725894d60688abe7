// Package bitmap is a growable set of small non-negative integers, one bit each.
package bitmap

import (
	"database/sql/driver"
	"fmt"
)

var (
	tA = [8]byte{1, 2, 4, 8, 16, 32, 64, 128}
	tB = [8]byte{254, 253, 251, 247, 239, 223, 191, 127}
)

type Bitmap []byte

// Get returns whether i is in the set. Indexes past the end are not.
func (b *Bitmap) Get(i int) bool {
	if i < 0 {
		return false
	}
	si := i / 8
	if len(*b) <= si {
		return false
	}

	return (*b)[si]&tA[i%8] != 0
}

// Set sets bit i to v, growing the slice as needed, and reports whether the set changed.
func (b *Bitmap) Set(i int, v bool) bool {
	si := i / 8

	if len(*b) <= si {
		if !v {
			return false
		}
		*b = append(*b, make([]byte, si-len(*b)+1)...)
	}
	bit := i % 8
	prev := (*b)[si]
	if v {
		(*b)[si] = (*b)[si] | tA[bit]
	} else {
		(*b)[si] = (*b)[si] & tB[bit]
	}
	return prev != (*b)[si]
}

// Indexes lists the members in ascending order.
func (b Bitmap) Indexes() []int {
	var out []int
	for i := 0; i != len(b)*8; i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}

func (b Bitmap) Clone() Bitmap {
	return append(Bitmap{}, b...)
}

func (b *Bitmap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*b = nil
	case []byte:
		*b = append(Bitmap{}, v...)
	default:
		return fmt.Errorf("bitmap: cannot scan %T", src)
	}
	return nil
}

func (b Bitmap) Value() (driver.Value, error) {
	return append([]byte{}, b...), nil
}
