package cache

import (
	"sync/atomic"

	"github.com/IvanBrykalov/blockcache/block"
)

// Handle is a reference to a resident block. The block cannot be evicted
// while any handle to it is outstanding. Every handle must be released
// exactly once; Data must not be used or modified after Release.
type Handle struct {
	c        *Cache
	key      block.Key
	slot     uint32
	gen      uint32
	data     []byte
	diskSize int64
	state    State
	released atomic.Bool
}

func (c *Cache) newHandle(r fetchResult) *Handle {
	return &Handle{c: c, key: r.key, slot: r.slot, gen: r.gen, data: r.data, diskSize: r.diskSize, state: r.state}
}

// Key returns the block address.
func (h *Handle) Key() block.Key { return h.key }

// Data returns the block contents. The slice is shared and read-only.
func (h *Handle) Data() []byte { return h.data }

// Size returns len(Data()).
func (h *Handle) Size() int { return len(h.data) }

// DiskSize returns the physical size recorded with WithSize, or Size().
func (h *Handle) DiskSize() int64 { return h.diskSize }

// State returns the state of the block when the handle was acquired.
func (h *Handle) State() State { return h.state }

// Release is shorthand for h's cache Release.
func (h *Handle) Release() { h.c.Release(h) }

// Release drops the reference held by hd. Uncacheable blocks are destroyed
// with their last reference. Releasing a handle twice panics.
func (c *Cache) Release(hd *Handle) {
	if hd == nil {
		return
	}
	if hd.c != c {
		panic(invariantf("handle for %s released on a foreign cache", hd.key))
	}
	if !hd.released.CompareAndSwap(false, true) {
		panic(invariantf("double release of %s", hd.key))
	}

	s := c.dir.shardFor(hd.key)
	s.mu.Lock()
	defer s.mu.Unlock()

	h := c.arena.at(hd.slot)
	if h.gen != hd.gen || h.key != hd.key || h.refs <= 0 {
		panic(invariantf("release of %s: header reused or unreferenced", hd.key))
	}
	h.refs--
	if h.refs == 0 && h.state == Uncacheable {
		c.unlink(h, hd.slot)
		c.destroy(s, hd.slot)
	}
}
