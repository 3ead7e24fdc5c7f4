package cache

import "github.com/IvanBrykalov/blockcache/l2"

// Stats is an approximate snapshot of cache counters; fields are read
// without a global lock.
type Stats struct {
	Target    int64 // C
	Split     int64 // P
	MinTarget int64
	MaxTarget int64
	Resident  int64 // MRU + MFU bytes

	MetaLimit    int64 // Options.MetaLimit, capped by C
	MetaResident int64 // metadata part of Resident

	Size   [NumStates]int64 // bytes per state
	Meta   [NumStates]int64 // metadata bytes per state
	Count  [NumStates]int64 // headers per state
	Hits   [NumStates]int64 // hits by the state the block was in
	Misses [NumStates]int64 // misses by the state of the record (Anonymous = none)

	Headers      int64
	GhostHits    int64
	L2Hits       int64
	L2Misses     int64
	Evictions    int64
	EvictedBytes int64
	Deletions    int64
	EvictStuck   int64
	EvictSkipped int64
	IOErrors     int64
	Passes       int64

	// L2 is set when the secondary tier is enabled.
	L2 *l2.Stats
}

// HitRatio returns hits / (hits + misses) over all states.
func (s Stats) HitRatio() float64 {
	var hits, total int64
	for i := range s.Hits {
		hits += s.Hits[i]
		total += s.Hits[i] + s.Misses[i]
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Target:       c.sz.c.Load(),
		Split:        c.sz.p.Load(),
		MinTarget:    c.sz.cMin.Load(),
		MaxTarget:    c.sz.cMax.Load(),
		Resident:     c.resident(),
		MetaLimit:    c.metaLimit(),
		MetaResident: c.metaResident(),
		Headers:      c.arena.live.Load(),
		GhostHits:    c.stats.ghostHits.Load(),
		L2Hits:       c.stats.l2Hits.Load(),
		L2Misses:     c.stats.l2Misses.Load(),
		Evictions:    c.stats.evictions.Load(),
		EvictedBytes: c.stats.evictedBytes.Load(),
		Deletions:    c.stats.deletions.Load(),
		EvictStuck:   c.stats.evictStuck.Load(),
		EvictSkipped: c.stats.evictSkipped.Load(),
		IOErrors:     c.stats.ioErrors.Load(),
		Passes:       c.stats.passes.Load(),
	}
	for st := State(0); st < NumStates; st++ {
		s.Size[st] = c.lists[st].size.Load()
		s.Meta[st] = c.lists[st].meta.Load()
		s.Count[st] = c.lists[st].count.Load()
		s.Hits[st] = c.stats.hits[st].Load()
		s.Misses[st] = c.stats.misses[st].Load()
	}
	if c.tier != nil {
		ts := c.tier.Stats()
		s.L2 = &ts
	}
	return s
}
