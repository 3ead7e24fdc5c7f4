package cache

// checkInvariants stops the world and verifies the structural invariants:
// list membership matches state, counters match contents, ghosts and
// L2Only headers hold no data, and every directory entry is accounted for.
// It returns the first violation found.
func (c *Cache) checkInvariants() error {
	c.dir.lockAll()
	defer c.dir.unlockAll()
	for st := range c.lists {
		c.lists[st].mu.Lock()
		defer c.lists[st].mu.Unlock()
	}

	var listed int64
	for st := State(0); st < NumStates; st++ {
		l := &c.lists[st]
		var n, size, meta int64
		var prev uint32
		for slot := l.head; slot != 0; slot = c.arena.at(slot).next {
			h := c.arena.at(slot)
			if h.state != st {
				return invariantf("%s found on %s list", h.key, st)
			}
			if h.prev != prev {
				return invariantf("%s list broken at %s", st, h.key)
			}
			if (st.ghost() || st == L2Only) && h.data != nil {
				return invariantf("%s header %s holds data", st, h.key)
			}
			if st.live() && h.data == nil {
				return invariantf("%s header %s has no data", st, h.key)
			}
			if st == L2Only && h.l2 == nil && !h.has(flagIOInProgress) {
				return invariantf("l2_only header %s has no extent", h.key)
			}
			if h.refs < 0 {
				return invariantf("%s has negative refs", h.key)
			}
			if s := c.dir.shardFor(h.key); s.m[h.key] != slot {
				return invariantf("%s on %s list is not in the directory", h.key, st)
			}
			n++
			size += h.memSize
			if h.has(flagMetadata) {
				meta += h.memSize
			}
			prev = slot
		}
		if prev != l.tail {
			return invariantf("%s tail mismatch", st)
		}
		if n != l.count.Load() || size != l.size.Load() || meta != l.meta.Load() {
			return invariantf("%s counters: count %d/%d size %d/%d meta %d/%d",
				st, l.count.Load(), n, l.size.Load(), size, l.meta.Load(), meta)
		}
		listed += n
	}

	var anon int64
	for i := range c.dir.shards {
		for _, slot := range c.dir.shards[i].m {
			h := c.arena.at(slot)
			if h.state == Anonymous {
				if !h.has(flagIOInProgress) || h.fetch == nil {
					return invariantf("anonymous header %s without a fetch", h.key)
				}
				anon++
			}
		}
	}
	if live := c.arena.live.Load(); live != listed+anon {
		return invariantf("arena holds %d headers, lists %d, fetching %d", live, listed, anon)
	}
	return nil
}
