package cache

import (
	"sync/atomic"
)

// sizing holds the adaptive targets: C (resident ceiling) and P (recency
// share of C). 0 <= P <= C and cMin <= C <= cMax hold at all times.
type sizing struct {
	c, p        atomic.Int64
	cMin, cMax  atomic.Int64
	noGrowUntil atomic.Int64 // UnixNano
}

func (s *sizing) init(c, cMin, cMax int64) {
	s.c.Store(c)
	s.p.Store(c / 2)
	s.cMin.Store(cMin)
	s.cMax.Store(cMax)
}

// addP moves P by delta, clamped to [0, C].
func (s *sizing) addP(delta int64) {
	for {
		old := s.p.Load()
		n := min(max(old+delta, 0), s.c.Load())
		if n == old || s.p.CompareAndSwap(old, n) {
			return
		}
	}
}

// setC stores a new C and clamps P into [0, C].
func (s *sizing) setC(c int64) {
	s.c.Store(c)
	for {
		p := s.p.Load()
		if p <= c || s.p.CompareAndSwap(p, c) {
			return
		}
	}
}

// adapt shifts P after a ghost hit of bytes on st. The step is scaled by
// how much larger the opposite ghost list is, capped by AdaptDampener.
func (c *Cache) adapt(st State, bytes int64) {
	mruGhost := c.lists[MRUGhost].size.Load()
	mfuGhost := c.lists[MFUGhost].size.Load()
	mult := int64(1)

	switch st {
	case MRUGhost:
		if mruGhost > 0 && mfuGhost > mruGhost {
			mult = mfuGhost / mruGhost
		}
		c.sz.addP(bytes * min(mult, c.opt.AdaptDampener))
	case MFUGhost:
		if mfuGhost > 0 && mruGhost > mfuGhost {
			mult = mruGhost / mfuGhost
		}
		c.sz.addP(-bytes * min(mult, c.opt.AdaptDampener))
	default:
		return
	}
	c.grow(bytes)
}

// grow raises C toward cMax while the cache is full and no memory pressure
// was reported within GrowRetry.
func (c *Cache) grow(bytes int64) {
	if c.underPressure() {
		return
	}
	for {
		cur := c.sz.c.Load()
		limit := c.sz.cMax.Load()
		if cur >= limit || c.resident() <= cur-c.opt.GrowMargin {
			return
		}
		if c.sz.c.CompareAndSwap(cur, min(cur+bytes, limit)) {
			return
		}
	}
}

func (c *Cache) underPressure() bool { return c.now() < c.sz.noGrowUntil.Load() }

// SetTarget sets C. The bounds widen to include it. P is clamped.
func (c *Cache) SetTarget(n int64) {
	if n <= 0 {
		return
	}
	if n > c.sz.cMax.Load() {
		c.sz.cMax.Store(n)
	}
	if n < c.sz.cMin.Load() {
		c.sz.cMin.Store(n)
	}
	c.sz.setC(n)
	c.metrics.Target(n, c.sz.p.Load(), c.metaLimit())
	c.wake(WakeSizeExceeded)
}

// LowMemory reports host memory pressure. C drops to target and by at
// least 1/32, never below the minimum; growth is suspended for GrowRetry
// and reclaim is woken. A target <= 0 asks for the minimum step.
func (c *Cache) LowMemory(target int64) {
	cur := c.sz.c.Load()
	step := cur - cur>>5
	if target <= 0 || target > step {
		target = step
	}
	c.sz.setC(max(target, c.sz.cMin.Load()))
	c.sz.noGrowUntil.Store(c.now() + int64(c.opt.GrowRetry))
	c.metrics.Target(c.sz.c.Load(), c.sz.p.Load(), c.metaLimit())
	c.log.Debug("low memory", "component", "reclaim", "target", c.sz.c.Load())
	c.wake(WakeLowMemory)
}

// Shrink lowers C by bytes (at least 1/32), as LowMemory does.
func (c *Cache) Shrink(bytes int64) {
	if bytes <= 0 {
		return
	}
	cur := c.sz.c.Load()
	c.LowMemory(max(cur-bytes, 1))
}
