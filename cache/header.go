package cache

import (
	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/internal/singleflight"
	"github.com/IvanBrykalov/blockcache/l2"
)

type flags uint16

const (
	flagCompressed   flags = 1 << iota // on-disk size smaller than in-memory size
	flagEncrypted                      // ciphertext; stored raw on the tier
	flagPrefetch                       // speculative read not yet demanded
	flagIOInProgress                   // a fetch owns the header
	flagL2Cache                        // eligible for the secondary tier
	flagL2Writing                      // handed to the tier, write not completed
	flagL2Stale                        // the in-flight tier write carries replaced bytes
	flagMetadata                       // metadata buffer, bounded by Options.MetaLimit
)

// fetchResult is what every waiter of one fetch receives.
type fetchResult struct {
	key      block.Key
	slot     uint32
	gen      uint32
	data     []byte
	diskSize int64
	state    State
}

type fetchCall = singleflight.Call[fetchResult]

// header is the bookkeeping record of one block. It lives in the arena and
// is addressed by slot.
//
// Fields other than prev/next are guarded by the lock of the shard owning
// key; prev/next are guarded by the lock of the list named by state.
type header struct {
	key      block.Key
	diskSize int64
	memSize  int64
	state    State
	flags    flags

	// data is exclusively owned by the header and never mutated once set;
	// nil for ghost and L2Only headers.
	data []byte

	accessCount uint32
	lastAccess  int64 // UnixNano

	refs int32

	l2    *l2.Extent
	fetch *fetchCall

	prev, next uint32

	// gen is bumped whenever the slot is reused.
	gen uint32
}

func (h *header) has(f flags) bool { return h.flags&f != 0 }

func (h *header) event(st State) Event {
	return Event{Key: h.key, Size: h.memSize, State: st}
}

func (h *header) result(slot uint32) fetchResult {
	return fetchResult{key: h.key, slot: slot, gen: h.gen, data: h.data, diskSize: h.diskSize, state: h.state}
}
