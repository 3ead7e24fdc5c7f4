package cache

import (
	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/l2"
)

// tierOwner is the cache as seen by the secondary tier.
type tierOwner struct{ c *Cache }

var _ l2.Owner = tierOwner{}

// Candidates scans MFU then MRU from the oldest end for resident blocks not
// yet on the tier. Blocks are marked as being written so they are offered
// only once.
func (o tierOwner) Candidates(want, scan int64) []l2.Candidate {
	c := o.c
	var out []l2.Candidate
	var have, scanned int64

	for _, st := range []State{MFU, MRU} {
		l := &c.lists[st]
		l.mu.Lock()
		for slot := l.head; slot != 0 && have < want && scanned < scan; {
			h := c.arena.at(slot)
			next := h.next
			s := c.dir.shardFor(h.key)
			if s.mu.TryLock() {
				scanned += h.memSize
				if h.data != nil && h.l2 == nil && h.flags&(flagL2Cache|flagL2Writing|flagIOInProgress) == flagL2Cache {
					h.flags |= flagL2Writing
					out = append(out, l2.Candidate{Key: h.key, Data: h.data, Raw: h.has(flagEncrypted)})
					have += h.memSize
				}
				s.mu.Unlock()
			}
			slot = next
		}
		l.mu.Unlock()
	}
	return out
}

// Written records the extent. Ghost headers whose data is already gone
// become L2Only. A write of bytes that were replaced meanwhile is refused.
func (o tierOwner) Written(k block.Key, ext l2.Extent) bool {
	c := o.c
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(k)
	if !ok {
		return false
	}
	h := c.arena.at(slot)
	stale := h.has(flagL2Stale)
	h.flags &^= flagL2Stale
	if !h.has(flagL2Writing) || !h.has(flagL2Cache) || stale {
		h.flags &^= flagL2Writing
		return false
	}
	h.flags &^= flagL2Writing
	h.l2 = &ext
	c.metrics.L2Write(Event{Key: k, Size: ext.LogicalSize, State: h.state})

	if h.state.ghost() && h.fetch == nil {
		c.unlink(h, slot)
		c.link(h, slot, L2Only)
	}
	return true
}

func (o tierOwner) Failed(k block.Key) {
	c := o.c
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.lookup(k); ok {
		c.arena.at(slot).flags &^= flagL2Writing | flagL2Stale
	}
}

// Evicted forgets the extent; L2Only headers are destroyed with it.
func (o tierOwner) Evicted(k block.Key) {
	c := o.c
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(k)
	if !ok {
		return
	}
	h := c.arena.at(slot)
	if h.l2 == nil {
		return
	}
	c.metrics.L2Evict(Event{Key: k, Size: h.l2.LogicalSize, State: h.state})
	h.l2 = nil
	if h.state == L2Only && h.fetch == nil && h.refs == 0 {
		c.unlink(h, slot)
		c.destroy(s, slot)
	}
}

func (o tierOwner) Warm() bool          { return o.c.warm.Load() }
func (o tierOwner) UnderPressure() bool { return o.c.underPressure() }
