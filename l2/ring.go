package l2

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/IvanBrykalov/blockcache/block"
)

// entry is one extent in a ring's write-ordered list. pending entries have
// their region reserved but are not yet visible to Lookup/Read.
type entry struct {
	key  block.Key
	ext  Extent
	ring *ring

	prev, next *entry

	pending bool
	dropped bool // evicted ahead of the hand while pending
}

// ring is the allocator of one device: a write hand moving forward through
// the device, the extents in write order (head = oldest) and a bitmap of
// occupied blocks. All fields are guarded by Tier.mu.
type ring struct {
	dev       Device
	blockSize int64
	hand      int64
	occupied  *roaring.Bitmap
	used      int64
	n         int

	head, tail *entry
}

func newRing(dev Device, blockSize int64) *ring {
	return &ring{dev: dev, blockSize: blockSize, occupied: roaring.New()}
}

func (r *ring) aligned(n int64) int64 {
	return (n + r.blockSize - 1) / r.blockSize * r.blockSize
}

func (r *ring) blocks(off, length int64) (uint64, uint64) {
	start := uint64(off / r.blockSize)
	return start, start + uint64(r.aligned(length)/r.blockSize)
}

// busy counts occupied blocks in [start, end).
func (r *ring) busy(start, end uint64) uint64 {
	if end == 0 || r.occupied.IsEmpty() {
		return 0
	}
	n := r.occupied.Rank(uint32(end - 1))
	if start > 0 {
		n -= r.occupied.Rank(uint32(start - 1))
	}
	return n
}

func (r *ring) push(e *entry) {
	e.ring = r
	e.prev, e.next = r.tail, nil
	if r.tail != nil {
		r.tail.next = e
	} else {
		r.head = e
	}
	r.tail = e
	r.n++
}

// unlink removes e from the list and frees its blocks.
func (r *ring) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		r.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		r.tail = e.prev
	}
	e.prev, e.next = nil, nil
	r.n--
	if e.ext.Length > 0 {
		start, end := r.blocks(e.ext.Offset, e.ext.Length)
		r.occupied.RemoveRange(start, end)
		r.used -= r.aligned(e.ext.Length)
	}
}

// alloc reserves n bytes at the write hand, wrapping to the start of the
// device when the tail is too short. Extents overlapping the region are
// evicted oldest-first and returned. ok is false when n cannot fit at all.
func (r *ring) alloc(n int64) (off int64, evicted []*entry, ok bool) {
	size := r.aligned(n)
	if size > r.dev.Size()/r.blockSize*r.blockSize {
		return 0, nil, false
	}
	if r.hand+size > r.dev.Size() {
		r.hand = 0
	}
	start, end := r.blocks(r.hand, size)
	for r.busy(start, end) > 0 && r.head != nil {
		e := r.head
		r.unlink(e)
		evicted = append(evicted, e)
	}
	r.occupied.AddRange(start, end)
	r.used += size
	off = r.hand
	r.hand += size
	return off, evicted, true
}
