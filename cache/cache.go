package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/internal/util"
	"github.com/IvanBrykalov/blockcache/l2"
)

// Cache is an adaptive block cache. All methods are safe for concurrent
// use by multiple goroutines.
type Cache struct {
	opt     Options
	log     *slog.Logger
	clock   Clock
	metrics Metrics

	dir   *directory
	arena *arena
	lists [NumStates]stateList
	sz    sizing
	tier  *l2.Tier

	warm      atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	wakeCh      chan struct{}
	wakeReasons atomic.Uint32
	wg          sync.WaitGroup

	lastStuckLog atomic.Int64
	stats        counters
}

type counters struct {
	hits, misses [NumStates]util.PaddedCounter
	ghostHits    util.PaddedCounter
	l2Hits       util.PaddedCounter
	l2Misses     util.PaddedCounter
	evictions    util.PaddedCounter
	evictedBytes util.PaddedCounter
	deletions    util.PaddedCounter
	evictStuck   util.PaddedCounter
	evictSkipped util.PaddedCounter
	ioErrors     util.PaddedCounter
	passes       util.PaddedCounter
}

// New constructs a Cache. Options.Target must be positive.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Logger   -> discard
//   - Shards <= 0  -> auto, rounded up to the next power of two
func New(opt Options) (*Cache, error) {
	if opt.Target <= 0 {
		return nil, fmt.Errorf("cache: Target must be > 0, got %d", opt.Target)
	}
	opt.applyDefaults()

	c := &Cache{
		opt:     opt,
		log:     opt.Logger,
		clock:   opt.Clock,
		metrics: opt.Metrics,
		dir:     newDirectory(opt.Shards),
		arena:   newArena(),
		wakeCh:  make(chan struct{}, 1),
	}
	c.sz.init(opt.Target, opt.MinTarget, opt.MaxTarget)

	if opt.L2 != nil {
		cfg := *opt.L2
		if cfg.Logger == nil {
			cfg.Logger = opt.Logger
		}
		if opt.NoBackground {
			cfg.NoBackground = true
		}
		t, err := l2.New(cfg, tierOwner{c})
		if err != nil {
			return nil, fmt.Errorf("cache: secondary tier: %w", err)
		}
		c.tier = t
	}

	if !opt.NoBackground {
		c.wg.Add(1)
		go c.reclaimLoop()
	}
	return c, nil
}

// MustNew is like New but panics on invalid options.
func MustNew(opt Options) *Cache {
	c, err := New(opt)
	if err != nil {
		panic(err)
	}
	return c
}

// Close stops the reclaim task and the secondary tier. Handles already
// returned stay readable. Close is idempotent.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.wake(WakeShutdown)
		c.wg.Wait()
		if c.tier != nil {
			err = c.tier.Close()
		}
	})
	return err
}

// Tier returns the secondary tier, or nil when it is disabled.
func (c *Cache) Tier() *l2.Tier { return c.tier }

// Target returns the current resident-size ceiling C.
func (c *Cache) Target() int64 { return c.sz.c.Load() }

// Split returns the current recency target P (0 <= P <= C).
func (c *Cache) Split() int64 { return c.sz.p.Load() }

// StateSize returns the aggregate byte size accounted to st.
func (c *Cache) StateSize(st State) int64 {
	if st >= NumStates {
		return 0
	}
	return c.lists[st].size.Load()
}

// Len returns the number of headers in the directory, ghosts included.
func (c *Cache) Len() int { return c.dir.len() }

// Write persists data through Options.Sink and then caches it at the MRU
// tail. Any record of k is updated in place: resident bytes are replaced,
// ghost and L2Only records become resident again, and the secondary-tier
// copy is invalidated. Handles acquired earlier keep the bytes they were
// given. A read in flight for k is waited for first. With NoCache an
// unreferenced record is dropped instead. The cache takes ownership of data.
func (c *Cache) Write(ctx context.Context, k block.Key, data []byte, opts ...ReadOption) error {
	if err := c.check(k); err != nil {
		return err
	}
	if c.opt.Sink == nil {
		return ErrNoSink
	}
	if err := c.opt.Sink.WriteBlock(ctx, k, data); err != nil {
		return fmt.Errorf("cache: write %s: %w", k, err)
	}
	if data == nil {
		data = []byte{}
	}
	ro := buildReadOpts(opts)
	s := c.dir.shardFor(k)

	for {
		s.mu.Lock()
		slot, ok := s.lookup(k)
		if !ok {
			if !ro.uncacheable {
				slot, h := c.arena.alloc()
				h.key = k
				s.insert(k, slot)
				c.access(h, slot, ro, data)
			}
			s.mu.Unlock()
			return nil
		}
		h := c.arena.at(slot)
		if call := h.fetch; call != nil {
			s.mu.Unlock()
			select {
			case <-call.Done():
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.overwrite(s, h, slot, ro, data)
		s.mu.Unlock()
		return nil
	}
}

// overwrite replaces the contents of an existing record. Caller holds the
// shard lock and h has no fetch.
func (c *Cache) overwrite(s *shard, h *header, slot uint32, ro readOpts, data []byte) {
	c.unlink(h, slot)
	c.dropExtent(h)
	h.data = nil
	if ro.uncacheable {
		if h.refs == 0 {
			c.destroy(s, slot)
			return
		}
		c.fill(h, data, ro)
		c.link(h, slot, Uncacheable)
		return
	}
	c.fill(h, data, ro)
	h.flags &^= flagPrefetch
	h.accessCount = 1
	h.lastAccess = c.now()
	c.link(h, slot, MRU)
}

// Remove drops every record of k, including its secondary-tier copy, as
// when the block is freed. It returns ErrReferenced while the block is
// pinned by a handle or being fetched. Removing an unknown key is a no-op.
func (c *Cache) Remove(k block.Key) error {
	if err := c.check(k); err != nil {
		return err
	}
	s := c.dir.shardFor(k)
	s.mu.Lock()
	slot, ok := s.lookup(k)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	h := c.arena.at(slot)
	if h.refs > 0 || h.fetch != nil {
		s.mu.Unlock()
		return ErrReferenced
	}
	onTier := h.l2 != nil || h.has(flagL2Writing)
	c.unlink(h, slot)
	c.destroy(s, slot)
	s.mu.Unlock()

	c.stats.deletions.Add(1)
	if onTier && c.tier != nil {
		c.tier.Invalidate(k)
	}
	return nil
}

func (c *Cache) check(k block.Key) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if k.IsZero() {
		return ErrInvalidKey
	}
	return nil
}

func (c *Cache) now() int64 { return c.clock.NowUnixNano() }

// resident is MRU.size + MFU.size.
func (c *Cache) resident() int64 {
	return c.lists[MRU].size.Load() + c.lists[MFU].size.Load()
}

// ---- list bookkeeping (shard lock held) ----

// link appends h to the tail of st and accounts its size.
func (c *Cache) link(h *header, slot uint32, st State) {
	if st == Anonymous {
		panic(invariantf("link %s into anonymous", h.key))
	}
	if h.data != nil && (st.ghost() || st == L2Only) {
		panic(invariantf("%s header %s holds data", st, h.key))
	}
	l := &c.lists[st]
	l.mu.Lock()
	l.pushBack(c.arena, slot)
	l.mu.Unlock()
	h.state = st
	c.account(l, st, h, 1)

	if st.live() && (c.resident() > c.sz.c.Load() ||
		h.has(flagMetadata) && c.metaResident() > c.metaLimit()) {
		c.wake(WakeSizeExceeded)
	}
}

// unlink removes h from its list; h becomes Anonymous.
func (c *Cache) unlink(h *header, slot uint32) {
	if h.state == Anonymous {
		return
	}
	l := &c.lists[h.state]
	l.mu.Lock()
	l.remove(c.arena, slot)
	l.mu.Unlock()
	c.account(l, h.state, h, -1)
	h.state = Anonymous
}

// account adds (n = 1) or removes (n = -1) h from the counters of l.
func (c *Cache) account(l *stateList, st State, h *header, n int64) {
	if l.size.Add(h.memSize*n) < 0 || l.count.Add(n) < 0 {
		panic(invariantf("negative %s counters", st))
	}
	if h.has(flagMetadata) && l.meta.Add(h.memSize*n) < 0 {
		panic(invariantf("negative %s metadata size", st))
	}
}

// metaResident is the metadata part of MRU + MFU.
func (c *Cache) metaResident() int64 {
	return c.lists[MRU].meta.Load() + c.lists[MFU].meta.Load()
}

// metaLimit is Options.MetaLimit, never above C.
func (c *Cache) metaLimit() int64 {
	return min(c.opt.MetaLimit, c.sz.c.Load())
}

// dropExtent forgets h's tier copy and invalidates it on the tier. A tier
// write still in flight is discarded when it completes. Caller holds the
// shard lock; the tier never calls back into the cache under its own lock.
func (c *Cache) dropExtent(h *header) {
	if h.has(flagL2Writing) {
		h.flags |= flagL2Stale
	}
	if h.l2 == nil {
		return
	}
	h.l2 = nil
	if c.tier != nil {
		c.tier.Invalidate(h.key)
	}
}

// destroy drops an unlinked header from the directory and frees its slot.
func (c *Cache) destroy(s *shard, slot uint32) {
	h := c.arena.at(slot)
	if h.refs != 0 {
		panic(invariantf("destroy %s with %d refs", h.key, h.refs))
	}
	if h.state != Anonymous {
		panic(invariantf("destroy %s still in %s", h.key, h.state))
	}
	s.remove(h.key)
	c.arena.release(slot)
}
