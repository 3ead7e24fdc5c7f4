package cache

// access applies one reference to h: the recency/frequency state machine.
// data carries fresh contents when the reference completes a miss; it is
// ignored for headers that already hold data. Caller holds the shard lock.
func (c *Cache) access(h *header, slot uint32, ro readOpts, data []byte) {
	now := c.now()

	if ro.uncacheable && (h.state.ghost() || h.state == L2Only) {
		// The record is consumed without adapting; the block lives only
		// while referenced.
		c.unlink(h, slot)
		c.dropExtent(h)
		c.fill(h, data, ro)
		h.lastAccess = now
		c.link(h, slot, Uncacheable)
		return
	}

	switch h.state {
	case Anonymous:
		c.fill(h, data, ro)
		h.accessCount = 1
		h.lastAccess = now
		if ro.uncacheable {
			c.link(h, slot, Uncacheable)
			return
		}
		if ro.prefetch {
			h.flags |= flagPrefetch
		}
		c.link(h, slot, MRU)

	case MRU:
		if h.has(flagPrefetch) {
			// A demand read consumes the prefetch; neither promotes.
			if !ro.prefetch {
				h.flags &^= flagPrefetch
			}
			h.lastAccess = now
			return
		}
		promote := h.accessCount >= 2 || now-h.lastAccess > int64(c.opt.MinPromoteTime)
		h.accessCount = sat(h.accessCount + 1)
		if !promote {
			return
		}
		h.lastAccess = now
		c.unlink(h, slot)
		c.link(h, slot, MFU)

	case MFU:
		if !ro.prefetch {
			h.flags &^= flagPrefetch
		}
		h.accessCount = sat(h.accessCount + 1)
		h.lastAccess = now
		l := &c.lists[MFU]
		l.mu.Lock()
		l.remove(c.arena, slot)
		l.pushBack(c.arena, slot)
		l.mu.Unlock()

	case MRUGhost, MFUGhost:
		c.adapt(h.state, h.memSize)
		c.unlink(h, slot)
		c.fill(h, data, ro)
		h.accessCount = sat(h.accessCount + 1)
		h.lastAccess = now
		dst := MFU
		if ro.prefetch {
			h.flags |= flagPrefetch
			dst = MRU
		}
		c.link(h, slot, dst)

	case L2Only:
		c.unlink(h, slot)
		c.fill(h, data, ro)
		h.accessCount = sat(h.accessCount + 1)
		h.lastAccess = now
		c.link(h, slot, MFU)

	case Uncacheable:
		h.lastAccess = now
	}
}

// fill installs data on an unlinked header that holds none.
func (c *Cache) fill(h *header, data []byte, ro readOpts) {
	if data == nil {
		panic(invariantf("fill %s without data", h.key))
	}
	h.data = data
	h.memSize = int64(len(data))
	h.diskSize = h.memSize
	if ro.size > 0 {
		h.diskSize = ro.size
	}

	h.flags &^= flagCompressed | flagEncrypted | flagL2Cache | flagMetadata
	if h.diskSize < h.memSize {
		h.flags |= flagCompressed
	}
	if ro.encrypted {
		h.flags |= flagEncrypted
	}
	if ro.metadata {
		h.flags |= flagMetadata
	}
	if c.tier != nil && !ro.noL2 && !ro.uncacheable {
		h.flags |= flagL2Cache
	}
}

func sat(n uint32) uint32 {
	if n == 0 {
		return ^uint32(0)
	}
	return n
}
