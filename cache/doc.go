// Package cache implements an adaptive block cache with an optional flash
// secondary tier.
//
// Design
//
//   - Directory: keys map to headers through a sharded hash table. The
//     shard mutex is the lock of every header hashed to it. Headers live in
//     an arena and are addressed by uint32 slots; lists link slots, not
//     pointers.
//
//   - States: a block is in exactly one of MRU, MFU (resident), MRUGhost,
//     MFUGhost (evicted, metadata only), L2Only (copy on the secondary tier
//     only) or Uncacheable. Headers being fetched for the first time are
//     Anonymous and in no list.
//
//   - Adaptation: a hit on a ghost shifts the recency target P toward the
//     list that scored it. The resident ceiling C grows on ghost hits up to
//     Options.MaxTarget and is lowered by LowMemory and Shrink.
//
//   - Reclaim: one background task, woken when resident size exceeds C,
//     on LowMemory, or by a timer, evicts from the head of MRU/MFU toward
//     P and C - P. It never waits for a contended header; pinned blocks are
//     skipped and reported through Stats.EvictStuck.
//
//   - Misses: concurrent misses on one key share a single read. The read
//     tries the secondary tier first when it holds a copy and falls back to
//     Options.Source.
//
//   - Secondary tier: blocks about to be evicted, and the oldest resident
//     blocks, are written asynchronously to flash devices (package l2).
//
// Basic usage
//
//	c, err := cache.New(cache.Options{Target: 256 << 20, Source: store})
//	if err != nil { ... }
//	defer c.Close()
//
//	h, err := c.Get(ctx, key)
//	if err != nil { ... }
//	use(h.Data())
//	h.Release()
//
// With a flash tier
//
//	dev, _ := l2.OpenFile("/var/cache/blocks.l2", 8<<30, 0)
//	c, _ := cache.New(cache.Options{
//	    Target: 256 << 20,
//	    Source: store,
//	    L2:     &l2.Config{Devices: []l2.Device{dev}},
//	})
//
// Exporting metrics
//
//	m := prom.New(nil, "blockcache", "arc", nil) // implements Metrics
//	c, _ := cache.New(cache.Options{Target: 64 << 20, Source: store, Metrics: m})
package cache
