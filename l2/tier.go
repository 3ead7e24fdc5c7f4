// Package l2 implements the secondary (flash) tier of the block cache:
// a set of devices written as rings, fed asynchronously with blocks the
// primary cache is about to drop, and read back on a primary miss.
package l2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/blockcache/block"
)

var (
	// ErrClosed is returned by operations on a closed Tier.
	ErrClosed = errors.New("l2: tier closed")
	// ErrNotCached is returned by Read when the key has no extent.
	ErrNotCached = errors.New("l2: not cached")
	// ErrChecksum is returned by Read when stored bytes fail verification.
	ErrChecksum = errors.New("l2: checksum mismatch")
)

// Candidate is a block offered for writing. Data must not be modified
// after it is handed to the tier.
type Candidate struct {
	Key  block.Key
	Data []byte
	// Raw stores the block without compression.
	Raw bool
}

// Owner is the primary cache seen from the tier. The tier never holds its
// own locks while calling Owner methods.
type Owner interface {
	// Candidates returns up to want bytes of blocks eligible for writing,
	// scanning at most scan bytes of the owner's lists.
	Candidates(want, scan int64) []Candidate
	// Written reports a completed write. false means the owner no longer
	// knows the key and the extent is invalidated.
	Written(k block.Key, ext Extent) bool
	// Failed reports a candidate that was accepted but not written.
	Failed(k block.Key)
	// Evicted reports an extent dropped by the tier.
	Evicted(k block.Key)
	// Warm reports whether the owner has started evicting.
	Warm() bool
	// UnderPressure reports recent memory pressure; feeding is skipped.
	UnderPressure() bool
}

// Tier is the secondary cache tier. All methods are safe for concurrent use.
type Tier struct {
	cfg     Config
	owner   Owner
	log     *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	rings  []*ring
	index  map[block.Key]*entry
	queued map[block.Key]struct{}
	next   int
	closed bool

	queue  chan Candidate
	feedMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

type counters struct {
	hits, misses          atomic.Int64
	writes, bytesWritten  atomic.Int64
	evictions             atomic.Int64
	checksumFailures      atomic.Int64
	ioErrors              atomic.Int64
	feeds, feedsSkipped   atomic.Int64
	rejected, invalidated atomic.Int64
}

// Stats is a snapshot of tier counters.
type Stats struct {
	Hits, Misses     int64
	Writes           int64
	BytesWritten     int64
	Evictions        int64
	ChecksumFailures int64
	IOErrors         int64
	Feeds            int64
	FeedsSkipped     int64
	Rejected         int64
	Invalidated      int64
	Entries          int
	UsedBytes        int64
	CapacityBytes    int64
}

// New builds a Tier over cfg.Devices. Unless cfg.NoBackground is set a feed
// goroutine runs until Close.
func New(cfg Config, owner Owner) (*Tier, error) {
	if owner == nil {
		return nil, errors.New("l2: nil owner")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	burst := int(cfg.WriteMax + cfg.WriteBoost)
	if cfg.WriteRateBytes > 0 {
		limit = rate.Limit(cfg.WriteRateBytes)
		if int64(burst) < cfg.WriteRateBytes {
			burst = int(min(cfg.WriteRateBytes, math.MaxInt32))
		}
	}

	t := &Tier{
		cfg:     cfg,
		owner:   owner,
		log:     cfg.Logger.With("component", "l2"),
		limiter: rate.NewLimiter(limit, burst),
		index:   make(map[block.Key]*entry),
		queued:  make(map[block.Key]struct{}),
		queue:   make(chan Candidate, cfg.QueueDepth),
	}
	for _, d := range cfg.Devices {
		t.rings = append(t.rings, newRing(d, cfg.BlockSize))
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if !cfg.NoBackground {
		t.wg.Add(1)
		go t.run()
	}
	return t, nil
}

// Offer queues c for a later feed cycle. It never blocks; false means the
// tier declined (closed, already cached or queued, or queue full).
func (t *Tier) Offer(c Candidate) bool {
	if len(c.Data) == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, ok := t.index[c.Key]; ok {
		return false
	}
	if _, ok := t.queued[c.Key]; ok {
		return false
	}
	select {
	case t.queue <- c:
		t.queued[c.Key] = struct{}{}
		return true
	default:
		t.stats.rejected.Add(1)
		return false
	}
}

// Lookup returns the extent of k if the tier holds a readable copy.
func (t *Tier) Lookup(k block.Key) (Extent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.index[k]
	if !ok {
		return Extent{}, false
	}
	return e.ext, true
}

// Read returns the decoded bytes of k. A checksum mismatch returns
// ErrChecksum; the caller decides whether to Invalidate.
func (t *Tier) Read(ctx context.Context, k block.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := t.index[k]
	t.mu.Unlock()
	if !ok {
		t.stats.misses.Add(1)
		return nil, ErrNotCached
	}
	ext := e.ext

	var stored []byte
	if ext.Codec != CodecEmpty {
		stored = make([]byte, ext.Length)
		if _, err := e.ring.dev.ReadAt(stored, ext.Offset); err != nil {
			t.stats.ioErrors.Add(1)
			return nil, fmt.Errorf("l2: read %s from %s: %w", k, ext.Device, err)
		}
	}

	// The region may have been reused after the read was issued.
	t.mu.Lock()
	still := t.index[k] == e
	t.mu.Unlock()
	if !still {
		t.stats.misses.Add(1)
		return nil, ErrNotCached
	}

	if ext.Codec != CodecEmpty && checksum(stored) != ext.Checksum {
		t.stats.checksumFailures.Add(1)
		t.log.Warn("checksum mismatch", "key", k, "device", ext.Device, "offset", ext.Offset)
		return nil, fmt.Errorf("%w: %s", ErrChecksum, k)
	}
	data, err := decode(ext.Codec, stored, ext.LogicalSize)
	if err != nil {
		t.stats.checksumFailures.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	t.stats.hits.Add(1)
	return data, nil
}

// Invalidate drops the extent of k, if any. The owner is not notified.
func (t *Tier) Invalidate(k block.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.index[k]
	if !ok {
		return
	}
	delete(t.index, k)
	e.ring.unlink(e)
	t.stats.invalidated.Add(1)
}

// Stats returns a snapshot of the tier counters.
func (t *Tier) Stats() Stats {
	s := Stats{
		Hits:             t.stats.hits.Load(),
		Misses:           t.stats.misses.Load(),
		Writes:           t.stats.writes.Load(),
		BytesWritten:     t.stats.bytesWritten.Load(),
		Evictions:        t.stats.evictions.Load(),
		ChecksumFailures: t.stats.checksumFailures.Load(),
		IOErrors:         t.stats.ioErrors.Load(),
		Feeds:            t.stats.feeds.Load(),
		FeedsSkipped:     t.stats.feedsSkipped.Load(),
		Rejected:         t.stats.rejected.Load(),
		Invalidated:      t.stats.invalidated.Load(),
	}
	t.mu.Lock()
	s.Entries = len(t.index)
	for _, r := range t.rings {
		s.UsedBytes += r.used
		s.CapacityBytes += r.dev.Size()
	}
	t.mu.Unlock()
	return s
}

// Close stops the feed goroutine and closes every device. Queued
// candidates are discarded.
func (t *Tier) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.feedMu.Lock()
	defer t.feedMu.Unlock()

	var errs []error
	for _, r := range t.rings {
		errs = append(errs, r.dev.Close())
	}
	return errors.Join(errs...)
}
