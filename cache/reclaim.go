package cache

import (
	"strings"
	"time"
)

// WakeReason tells the reclaim task why it was woken. Reasons coalesce.
type WakeReason uint32

const (
	WakeSizeExceeded WakeReason = 1 << iota
	WakeLowMemory
	WakeTimer
	WakeShutdown
)

func (r WakeReason) String() string {
	var parts []string
	for _, x := range []struct {
		bit  WakeReason
		name string
	}{
		{WakeSizeExceeded, "size"},
		{WakeLowMemory, "lowmem"},
		{WakeTimer, "timer"},
		{WakeShutdown, "shutdown"},
	} {
		if r&x.bit != 0 {
			parts = append(parts, x.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// wake records r and nudges the reclaim task without blocking.
func (c *Cache) wake(r WakeReason) {
	c.wakeReasons.Or(uint32(r))
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Cache) reclaimLoop() {
	defer c.wg.Done()
	log := c.log.With("component", "reclaim")
	ticker := time.NewTicker(c.opt.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.wakeCh:
		case <-ticker.C:
			c.wakeReasons.Or(uint32(WakeTimer))
		}
		r := WakeReason(c.wakeReasons.Swap(0))
		if r&WakeShutdown != 0 {
			log.Debug("reclaim stopped")
			return
		}
		freed := c.reclaim(r)
		// Keep draining while passes make progress.
		if freed > 0 && c.resident() > c.sz.c.Load() {
			c.wake(WakeSizeExceeded)
		}
	}
}

// Reclaim runs one reclaim pass synchronously and returns the bytes freed.
func (c *Cache) Reclaim() int64 { return c.reclaim(0) }

// reclaim evicts toward the targets:
//  0. metadata from MRU, then MFU, while over the metadata limit;
//  1. MRU by min(resident-C, MRU-P);
//  2. MFU by whatever still exceeds C;
//  3. MRU again for any remainder;
//  4. ghost lists trimmed to GhostLimit entries.
func (c *Cache) reclaim(r WakeReason) int64 {
	c.stats.passes.Add(1)
	target := c.sz.c.Load()
	p := c.sz.p.Load()
	metaLimit := c.metaLimit()
	var freed, metaFreed int64

	if over := c.metaResident() - metaLimit; over > 0 {
		metaFreed += c.evictLive(MRU, min(over, c.lists[MRU].meta.Load()), true)
	}
	if over := c.metaResident() - metaLimit; over > 0 {
		metaFreed += c.evictLive(MFU, over, true)
	}
	freed += metaFreed

	if over := c.resident() - target; over > 0 {
		mruOver := c.lists[MRU].size.Load() - p
		freed += c.evictLive(MRU, min(over, mruOver), false)
	}
	if over := c.resident() - target; over > 0 {
		freed += c.evictLive(MFU, over, false)
	}
	if over := c.resident() - target; over > 0 {
		freed += c.evictLive(MRU, over, false)
	}
	ghosts := c.trimGhost(MRUGhost) + c.trimGhost(MFUGhost)

	resident := c.resident()
	if resident > target && freed == 0 {
		c.stuck(resident, target)
	}

	for st := State(0); st < NumStates; st++ {
		c.metrics.Size(st, c.lists[st].size.Load())
		c.metrics.MetaSize(st, c.lists[st].meta.Load())
	}
	c.metrics.Target(target, c.sz.p.Load(), metaLimit)
	if freed > 0 || ghosts > 0 {
		c.log.Debug("reclaim pass", "component", "reclaim", "reason", r.String(),
			"freed", freed, "meta_freed", metaFreed, "ghosts_dropped", ghosts,
			"resident", resident, "target", target)
	}
	return freed
}

// stuck records a pass that could not free anything while over target.
// Reclaim defers to the next wake; callers are never blocked.
func (c *Cache) stuck(resident, target int64) {
	c.stats.evictStuck.Add(1)
	c.metrics.EvictStuck()

	now := c.now()
	last := c.lastStuckLog.Load()
	if now-last < int64(c.opt.StuckLogInterval) && last != 0 {
		return
	}
	if c.lastStuckLog.CompareAndSwap(last, now) {
		c.log.Warn("eviction stuck: resident blocks are pinned", "component", "reclaim",
			"resident", resident, "target", target, "stuck_passes", c.stats.evictStuck.Load())
	}
}
