package cache

import (
	"context"

	"github.com/IvanBrykalov/blockcache/block"
)

// BlockCache is the consumer-facing surface of Cache. All methods are safe
// for concurrent use by multiple goroutines.
//
// Hits cost one shard lock and one list lock; misses may suspend the caller
// until the shared read for that key completes.
type BlockCache interface {
	// Get returns a pinned handle, reading the block on a miss.
	Get(ctx context.Context, k block.Key, opts ...ReadOption) (*Handle, error)

	// Lookup returns a pinned handle only on a hit; it never waits on I/O.
	Lookup(k block.Key) (*Handle, bool)

	// InsertAfterFetch caches bytes the caller read itself.
	InsertAfterFetch(k block.Key, data []byte, opts ...ReadOption) (*Handle, error)

	// Write persists a block through the sink and caches it.
	Write(ctx context.Context, k block.Key, data []byte, opts ...ReadOption) error

	// Release drops a handle's reference.
	Release(h *Handle)

	// Remove forgets a freed block; ErrReferenced while it is pinned.
	Remove(k block.Key) error

	// Stats returns approximate counters.
	Stats() Stats

	// Close stops background work.
	Close() error
}

var _ BlockCache = (*Cache)(nil)
