// Package memstore implements an in-memory block.Store with read accounting
// and fault injection, used by tests and the bench driver.
package memstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/blockcache/block"
)

// ErrInjected is the error returned for injected read/write failures.
var ErrInjected = errors.New("memstore: injected failure")

// Store keeps blocks in a map. The zero value is not usable; call New.
type Store struct {
	mu     sync.RWMutex
	blocks map[block.Key][]byte

	// Gen generates contents for keys that were never written.
	// nil means such reads return block.ErrNotFound.
	gen func(block.Key) []byte

	delay     time.Duration
	failReads atomic.Int64 // remaining injected transient read failures
	permanent atomic.Bool  // injected failures are permanent instead of transient
	gate      chan struct{}

	reads  atomic.Int64
	writes atomic.Int64
	perKey sync.Map // block.Key -> *atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator synthesizes contents for unknown keys.
func WithGenerator(gen func(block.Key) []byte) Option {
	return func(s *Store) { s.gen = gen }
}

// WithDelay adds a fixed latency to every read.
func WithDelay(d time.Duration) Option {
	return func(s *Store) { s.delay = d }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{blocks: make(map[block.Key][]byte)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put stores data under k without counting a write.
func (s *Store) Put(k block.Key, data []byte) {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.blocks[k] = cp
	s.mu.Unlock()
}

// FailReads makes the next n reads fail. Failures are transient unless
// permanent is set.
func (s *Store) FailReads(n int64, permanent bool) {
	s.permanent.Store(permanent)
	s.failReads.Store(n)
}

// Block makes every read wait until Unblock is called (or ctx ends).
func (s *Store) Block() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

// Unblock releases reads held by Block.
func (s *Store) Unblock() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
}

// ReadBlock implements block.Reader.
func (s *Store) ReadBlock(ctx context.Context, k block.Key) ([]byte, error) {
	s.reads.Add(1)
	s.counter(k).Add(1)

	s.mu.RLock()
	gate := s.gate
	s.mu.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	if s.failReads.Load() > 0 && s.failReads.Add(-1) >= 0 {
		if s.permanent.Load() {
			return nil, ErrInjected
		}
		return nil, block.Transient("read", k, ErrInjected)
	}

	s.mu.RLock()
	data, ok := s.blocks[k]
	s.mu.RUnlock()
	if !ok {
		if s.gen == nil {
			return nil, block.ErrNotFound
		}
		data = s.gen(k)
	}
	return append([]byte(nil), data...), nil
}

// WriteBlock implements block.Writer.
func (s *Store) WriteBlock(_ context.Context, k block.Key, data []byte) error {
	s.writes.Add(1)
	s.Put(k, data)
	return nil
}

// Reads returns the total number of ReadBlock calls.
func (s *Store) Reads() int64 { return s.reads.Load() }

// Writes returns the total number of WriteBlock calls.
func (s *Store) Writes() int64 { return s.writes.Load() }

// ReadsOf returns the number of ReadBlock calls for k.
func (s *Store) ReadsOf(k block.Key) int64 { return s.counter(k).Load() }

func (s *Store) counter(k block.Key) *atomic.Int64 {
	if c, ok := s.perKey.Load(k); ok {
		return c.(*atomic.Int64)
	}
	c, _ := s.perKey.LoadOrStore(k, new(atomic.Int64))
	return c.(*atomic.Int64)
}

var _ block.Store = (*Store)(nil)
