// Package util contains internal helpers shared by the cache and the
// secondary tier (shard sizing, padded counters).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the assumed CPU cache line width.
const CacheLineSize = 64

// CacheLinePad separates groups of hot fields onto distinct cache lines.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedCounter is an atomic int64 occupying a full cache line, for
// counters bumped concurrently by many goroutines.
type PaddedCounter struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedCounter{}))]byte

// NextPow2 returns the smallest power of two >= x (1 for x <= 1),
// clamped to 1<<63 on overflow.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ShardCount normalizes a requested shard count: n <= 0 selects
// nextPow2(4*GOMAXPROCS), anything else is rounded up to a power of two.
// The result is clamped to [1, 1024].
func ShardCount(n int) int {
	if n <= 0 {
		p := runtime.GOMAXPROCS(0)
		if p < 1 {
			p = 1
		}
		n = 4 * p
	}
	s := int(NextPow2(uint64(n)))
	if s > 1024 {
		s = 1024
	}
	return s
}

// ShardIndex maps a hash onto one of shards buckets; shards must be a power of two.
func ShardIndex(hash uint64, shards int) int {
	return int(hash & uint64(shards-1))
}
