package relay

import "github.com/meow-io/go-receipts/internal/bitmap"

// acks tracks which sequence numbers of a mailbox have been acknowledged. Every number below next
// is acknowledged; sparse holds the acknowledged numbers above it.
type acks struct {
	next    uint64
	sparse  map[uint64]bool
	changed bool
}

// newAcksFromBitmap restores a tracker. Bit i of bm stands for next+1+i, next itself is never
// acknowledged.
func newAcksFromBitmap(next uint64, bm []byte) *acks {
	b := bitmap.Bitmap(bm)
	sparse := make(map[uint64]bool)
	for _, i := range b.Indexes() {
		sparse[next+uint64(i)+1] = true
	}
	a := &acks{next, sparse, false}
	a.compact()
	return a
}

func (a *acks) sparseBitmap() []byte {
	bm := bitmap.Bitmap{}
	for i := range a.sparse {
		bm.Set(int(i-a.next)-1, true)
	}
	return bm
}

// add acknowledges n and reports whether that was new.
func (a *acks) add(n uint64) bool {
	if n < a.next || a.sparse[n] {
		return false
	}
	a.sparse[n] = true
	a.changed = true
	a.compact()
	return true
}

func (a *acks) compact() {
	for a.sparse[a.next] {
		delete(a.sparse, a.next)
		a.next++
	}
}

func (a *acks) clone() *acks {
	sparse := make(map[uint64]bool, len(a.sparse))
	for n := range a.sparse {
		sparse[n] = true
	}
	return &acks{a.next, sparse, a.changed}
}

func (a *acks) acked(n uint64) bool {
	return n < a.next || a.sparse[n]
}
