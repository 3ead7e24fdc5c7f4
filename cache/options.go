package cache

import (
	"io"
	"log/slog"
	"time"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/l2"
)

// Event describes one observable cache action. State is the list the
// block came from.
type Event struct {
	Key   block.Key
	Size  int64
	State State
}

// Metrics exposes cache-level observability hooks. Implementations must be
// safe for concurrent use; hooks may fire under internal locks, so keep them
// cheap. A NoopMetrics implementation is used by default.
type Metrics interface {
	Hit(Event)
	Miss(Event)
	Evict(Event)
	Demote(Event)
	L2Hit(Event)
	L2Miss(Event)
	L2Write(Event)
	L2Evict(Event)
	EvictStuck()
	Size(st State, bytes int64)
	MetaSize(st State, bytes int64)
	Target(c, p, metaLimit int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// Options configures a Cache. Only Target is required; other zero values
// select defaults in New.
type Options struct {
	// Target is the initial resident-size ceiling C in bytes.
	Target int64
	// MinTarget is the floor C shrinks to under memory pressure (default Target/16).
	MinTarget int64
	// MaxTarget is the ceiling C may grow to (default Target).
	MaxTarget int64

	// Shards is the directory shard count, rounded up to a power of two
	// (0 = 4*GOMAXPROCS).
	Shards int

	// Source resolves misses. Sink receives write-through writes.
	Source block.Reader
	Sink   block.Writer
	// Verify validates bytes read back from the secondary tier. A non-nil
	// error is treated as a tier miss.
	Verify func(block.Key, []byte) error

	// L2 enables the secondary tier when non-nil.
	L2 *l2.Config

	// MinPromoteTime is how long after its last access an MRU block must be
	// hit again to be promoted on that hit alone (default 125ms).
	MinPromoteTime time.Duration
	// MinPrefetchLifetime protects fresh prefetched blocks from eviction (default 1s).
	MinPrefetchLifetime time.Duration
	// AdaptDampener caps the ghost-size ratio applied to a split change (default 10).
	AdaptDampener int64
	// MetaLimit bounds resident metadata bytes (default MaxTarget/4, never
	// above C). Reclaim evicts metadata first while over it.
	MetaLimit int64
	// GhostLimit caps each ghost list by entry count (default Target/4 KiB,
	// at least 256). Reclaim trims the oldest entries beyond it; evictions
	// skip the ghost list once it holds twice the limit.
	GhostLimit int64
	// EvictBatch bounds how many headers one list scan visits (default 1024).
	EvictBatch int
	// GrowMargin: C grows on ghost hits only while resident size is within
	// this many bytes of C (default 256 KiB).
	GrowMargin int64
	// GrowRetry is the no-grow window after memory pressure (default 5s).
	GrowRetry time.Duration

	// ReclaimInterval is the periodic reclaim wake-up (default 1s).
	ReclaimInterval time.Duration
	// StuckLogInterval rate-limits the stuck-eviction warning (default 10s).
	StuckLogInterval time.Duration
	// NoBackground disables the reclaim goroutine (and the tier feed);
	// callers drive Reclaim and Tier().Feed themselves.
	NoBackground bool

	Metrics Metrics
	Logger  *slog.Logger
	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

func (o *Options) applyDefaults() {
	if o.MaxTarget < o.Target {
		o.MaxTarget = o.Target
	}
	if o.MinTarget <= 0 {
		o.MinTarget = o.Target / 16
	}
	if o.MinTarget > o.Target {
		o.MinTarget = o.Target
	}
	if o.MinPromoteTime <= 0 {
		o.MinPromoteTime = 125 * time.Millisecond
	}
	if o.MinPrefetchLifetime <= 0 {
		o.MinPrefetchLifetime = time.Second
	}
	if o.AdaptDampener <= 0 {
		o.AdaptDampener = 10
	}
	if o.MetaLimit <= 0 {
		o.MetaLimit = o.MaxTarget / 4
	}
	if o.GhostLimit <= 0 {
		o.GhostLimit = max(o.Target/4096, 256)
	}
	if o.EvictBatch <= 0 {
		o.EvictBatch = 1024
	}
	if o.GrowMargin <= 0 {
		o.GrowMargin = 256 << 10
	}
	if o.GrowRetry <= 0 {
		o.GrowRetry = 5 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Second
	}
	if o.StuckLogInterval <= 0 {
		o.StuckLogInterval = 10 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
}

// ReadOption adjusts one Get or InsertAfterFetch call.
type ReadOption func(*readOpts)

type readOpts struct {
	prefetch    bool
	noL2        bool
	uncacheable bool
	encrypted   bool
	metadata    bool
	size        int64
}

func buildReadOpts(opts []ReadOption) readOpts {
	var ro readOpts
	for _, o := range opts {
		o(&ro)
	}
	return ro
}

// Prefetch marks a speculative read: the block stays in MRU until a demand
// read touches it and is briefly protected from eviction.
func Prefetch() ReadOption { return func(r *readOpts) { r.prefetch = true } }

// NoL2 keeps the block out of the secondary tier and skips tier reads.
func NoL2() ReadOption { return func(r *readOpts) { r.noL2 = true } }

// NoCache returns the block without retaining it: it is held in the
// Uncacheable state, never counted toward C, and dropped when the last
// handle is released.
func NoCache() ReadOption { return func(r *readOpts) { r.uncacheable = true } }

// Metadata marks the block as a metadata buffer. Resident metadata is
// bounded by Options.MetaLimit and evicted first when over it.
func Metadata() ReadOption { return func(r *readOpts) { r.metadata = true } }

// Encrypted marks the block as ciphertext; the tier stores it uncompressed.
func Encrypted() ReadOption { return func(r *readOpts) { r.encrypted = true } }

// WithSize records the on-disk (physical) size of the block when it
// differs from its in-memory size.
func WithSize(n int64) ReadOption { return func(r *readOpts) { r.size = n } }
