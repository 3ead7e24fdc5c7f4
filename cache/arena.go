package cache

import (
	"sync"
	"sync/atomic"
)

const (
	chunkBits = 10
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1
)

type chunk [chunkSize]header

// arena is a slab of headers addressed by uint32 slots. Chunks never move,
// so a *header stays valid for the life of the arena. Slot 0 is reserved as
// the nil link.
type arena struct {
	mu     sync.Mutex
	chunks atomic.Pointer[[]*chunk]
	free   []uint32
	next   uint32
	live   atomic.Int64
}

func newArena() *arena {
	a := &arena{next: 1}
	cs := []*chunk{new(chunk)}
	a.chunks.Store(&cs)
	return a
}

func (a *arena) at(slot uint32) *header {
	cs := *a.chunks.Load()
	return &cs[slot>>chunkBits][slot&chunkMask]
}

// alloc returns a zeroed header with a fresh generation.
func (a *arena) alloc() (uint32, *header) {
	a.mu.Lock()
	var slot uint32
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		slot = a.next
		a.next++
		cs := *a.chunks.Load()
		if int(slot>>chunkBits) >= len(cs) {
			grown := make([]*chunk, len(cs)+1)
			copy(grown, cs)
			grown[len(cs)] = new(chunk)
			a.chunks.Store(&grown)
		}
	}
	a.mu.Unlock()

	a.live.Add(1)
	h := a.at(slot)
	h.gen++
	return slot, h
}

// release zeroes the header and returns slot to the free list. The caller
// holds the owning shard lock and has unlinked the header from every list.
func (a *arena) release(slot uint32) {
	h := a.at(slot)
	gen := h.gen
	*h = header{gen: gen}

	a.mu.Lock()
	a.free = append(a.free, slot)
	a.mu.Unlock()
	a.live.Add(-1)
}
