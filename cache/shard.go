package cache

import (
	"sync"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/internal/util"
)

// shard is one partition of the buffer directory. Its mutex is the hash
// lock of every header whose key maps here.
type shard struct {
	mu sync.Mutex
	m  map[block.Key]uint32
	_  util.CacheLinePad
}

// directory maps keys to arena slots.
type directory struct {
	shards []shard
}

func newDirectory(n int) *directory {
	n = util.ShardCount(n)
	d := &directory{shards: make([]shard, n)}
	for i := range d.shards {
		d.shards[i].m = make(map[block.Key]uint32)
	}
	return d
}

// shardFor picks a shard by hashing the key and masking with len-1.
func (d *directory) shardFor(k block.Key) *shard {
	return &d.shards[util.ShardIndex(k.Hash(), len(d.shards))]
}

// ---- shard operations (mu held) ----

func (s *shard) lookup(k block.Key) (uint32, bool) {
	slot, ok := s.m[k]
	return slot, ok
}

func (s *shard) insert(k block.Key, slot uint32) { s.m[k] = slot }

func (s *shard) remove(k block.Key) { delete(s.m, k) }

// lockAll locks every shard in index order.
func (d *directory) lockAll() {
	for i := range d.shards {
		d.shards[i].mu.Lock()
	}
}

func (d *directory) unlockAll() {
	for i := range d.shards {
		d.shards[i].mu.Unlock()
	}
}

func (d *directory) len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
