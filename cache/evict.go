package cache

import (
	"github.com/IvanBrykalov/blockcache/l2"
)

// evictable reports whether h may lose its data now. Caller holds the
// shard lock.
func (c *Cache) evictable(h *header, now int64) bool {
	if h.refs > 0 || h.has(flagIOInProgress) {
		return false
	}
	if h.has(flagPrefetch) && now-h.lastAccess < int64(c.opt.MinPrefetchLifetime) {
		return false
	}
	return true
}

// evictLive frees up to bytes from the head of live list st. Headers whose
// shard lock is contended, or that are pinned, are skipped; the scan visits
// at most EvictBatch headers. With metaOnly only metadata buffers are taken.
func (c *Cache) evictLive(st State, bytes int64, metaOnly bool) int64 {
	if bytes <= 0 {
		return 0
	}
	l := &c.lists[st]
	now := c.now()
	var freed int64

	l.mu.Lock()
	slot := l.head
	for scanned := 0; slot != 0 && freed < bytes && scanned < c.opt.EvictBatch; scanned++ {
		h := c.arena.at(slot)
		next := h.next
		s := c.dir.shardFor(h.key)
		if !s.mu.TryLock() {
			c.stats.evictSkipped.Add(1)
			slot = next
			continue
		}
		if !c.evictable(h, now) || metaOnly && !h.has(flagMetadata) {
			s.mu.Unlock()
			slot = next
			continue
		}
		freed += c.demote(l, st, h, slot, s)
		s.mu.Unlock()
		slot = next
	}
	l.mu.Unlock()

	if freed > 0 {
		c.warm.Store(true)
	}
	return freed
}

// demote drops the data of a live header: it becomes a ghost, or when the
// ghost list already holds twice GhostLimit it moves to L2Only (tier copy)
// or is destroyed.
// Caller holds l.mu and the shard lock.
func (c *Cache) demote(l *stateList, st State, h *header, slot uint32, s *shard) int64 {
	size := h.memSize
	if c.tier != nil && h.l2 == nil && h.flags&(flagL2Cache|flagL2Writing) == flagL2Cache {
		cand := l2.Candidate{Key: h.key, Data: h.data, Raw: h.has(flagEncrypted)}
		if c.tier.Offer(cand) {
			h.flags |= flagL2Writing
		}
	}

	l.remove(c.arena, slot)
	c.account(l, st, h, -1)
	h.state = Anonymous
	h.data = nil
	h.flags &^= flagPrefetch

	ev := Event{Key: h.key, Size: size, State: st}
	c.metrics.Evict(ev)
	c.stats.evictions.Add(1)
	c.stats.evictedBytes.Add(size)

	ghost := st.ghostOf()
	switch {
	case c.lists[ghost].count.Load() < 2*c.opt.GhostLimit:
		c.link(h, slot, ghost)
		c.metrics.Demote(ev)
	case h.l2 != nil:
		c.link(h, slot, L2Only)
	default:
		c.destroy(s, slot)
	}
	return size
}

// trimGhost drops the oldest entries of ghost list st until it holds at
// most GhostLimit headers. Entries with a tier copy move to L2Only.
func (c *Cache) trimGhost(st State) int {
	l := &c.lists[st]
	var dropped int

	l.mu.Lock()
	slot := l.head
	for scanned := 0; slot != 0 && l.count.Load() > c.opt.GhostLimit && scanned < c.opt.EvictBatch; scanned++ {
		h := c.arena.at(slot)
		next := h.next
		s := c.dir.shardFor(h.key)
		if !s.mu.TryLock() {
			c.stats.evictSkipped.Add(1)
			slot = next
			continue
		}
		if h.has(flagIOInProgress) {
			s.mu.Unlock()
			slot = next
			continue
		}
		l.remove(c.arena, slot)
		c.account(l, st, h, -1)
		h.state = Anonymous
		c.metrics.Evict(h.event(st))
		if h.l2 != nil {
			c.link(h, slot, L2Only)
		} else {
			c.destroy(s, slot)
		}
		s.mu.Unlock()
		dropped++
		slot = next
	}
	l.mu.Unlock()
	return dropped
}
