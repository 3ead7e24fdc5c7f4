package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/internal/singleflight"
	"github.com/IvanBrykalov/blockcache/l2"
)

// Get returns a handle to the block at k, reading it on a miss.
//
// Concurrent misses on the same key share one read: the first caller
// starts it and later callers wait for the same result. The read runs on a
// context detached from the caller; it is cancelled only when every waiter
// has gone. A waiter whose ctx ends returns ctx.Err() while the read goes on
// for the others.
//
// On a miss the secondary tier is tried first when it holds a copy; a
// failed or unverifiable tier read falls back to Options.Source. Read
// errors reach every waiter unchanged (wrapped) and leave no trace in the
// cache.
func (c *Cache) Get(ctx context.Context, k block.Key, opts ...ReadOption) (*Handle, error) {
	if err := c.check(k); err != nil {
		return nil, err
	}
	ro := buildReadOpts(opts)
	s := c.dir.shardFor(k)

	for {
		s.mu.Lock()
		slot, ok := s.lookup(k)
		var h *header
		if ok {
			h = c.arena.at(slot)
			if call := h.fetch; call != nil {
				joined := call.Join()
				s.mu.Unlock()
				if joined {
					return c.wait(ctx, call)
				}
				// Abandoned by all its waiters; let it settle and retry.
				select {
				case <-call.Done():
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if h.data != nil {
				hd := c.hit(h, slot, ro)
				s.mu.Unlock()
				return hd, nil
			}
		} else {
			slot, h = c.arena.alloc()
			h.key = k
			s.insert(k, slot)
		}

		call := c.startFetch(ctx, h, slot, ro)
		s.mu.Unlock()
		return c.wait(ctx, call)
	}
}

// Lookup returns a handle only if k is resident. It never waits on I/O.
func (c *Cache) Lookup(k block.Key) (*Handle, bool) {
	if c.check(k) != nil {
		return nil, false
	}
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.lookup(k)
	if ok {
		h := c.arena.at(slot)
		if h.data != nil && h.fetch == nil {
			return c.hit(h, slot, readOpts{}), true
		}
		c.stats.misses[h.state].Add(1)
		c.metrics.Miss(h.event(h.state))
		return nil, false
	}
	c.stats.misses[Anonymous].Add(1)
	c.metrics.Miss(Event{Key: k, State: Anonymous})
	return nil, false
}

// InsertAfterFetch caches data read by the caller and returns a handle to
// the resident block. If k is already resident the existing block is
// returned; ghost and L2Only records take their usual hit transition. The
// cache takes ownership of data.
func (c *Cache) InsertAfterFetch(k block.Key, data []byte, opts ...ReadOption) (*Handle, error) {
	if err := c.check(k); err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	ro := buildReadOpts(opts)
	s := c.dir.shardFor(k)

	for {
		s.mu.Lock()
		slot, ok := s.lookup(k)
		var h *header
		if ok {
			h = c.arena.at(slot)
			if call := h.fetch; call != nil {
				joined := call.Join()
				s.mu.Unlock()
				if joined {
					if hd, err := c.wait(context.Background(), call); err == nil {
						return hd, nil
					}
				} else {
					<-call.Done()
				}
				continue
			}
			if h.data != nil {
				hd := c.hit(h, slot, ro)
				s.mu.Unlock()
				return hd, nil
			}
			c.recordMiss(h, h.state)
		} else {
			slot, h = c.arena.alloc()
			h.key = k
			s.insert(k, slot)
			c.recordMiss(h, Anonymous)
		}

		c.access(h, slot, ro, data)
		h.refs++
		hd := c.newHandle(h.result(slot))
		s.mu.Unlock()
		return hd, nil
	}
}

// hit pins a resident header. Caller holds the shard lock.
func (c *Cache) hit(h *header, slot uint32, ro readOpts) *Handle {
	st := h.state
	c.stats.hits[st].Add(1)
	c.metrics.Hit(h.event(st))
	c.access(h, slot, ro, nil)
	h.refs++
	return c.newHandle(h.result(slot))
}

func (c *Cache) recordMiss(h *header, st State) {
	c.stats.misses[st].Add(1)
	if st.ghost() {
		c.stats.ghostHits.Add(1)
	}
	c.metrics.Miss(h.event(st))
}

// startFetch makes the caller the leader of a read for h. Caller holds the
// shard lock.
func (c *Cache) startFetch(ctx context.Context, h *header, slot uint32, ro readOpts) *fetchCall {
	prev := h.state
	c.recordMiss(h, prev)

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	call := singleflight.New[fetchResult](cancel)
	h.fetch = call
	h.flags |= flagIOInProgress
	tryL2 := h.l2 != nil && c.tier != nil && !ro.noL2
	k := h.key

	go func() {
		defer cancel()
		data, l2Failed, err := c.readBlock(fctx, k, prev, tryL2)
		c.complete(k, slot, call, ro, data, l2Failed, err)
	}()
	return call
}

// readBlock reads k from the tier (when tryL2) and falls back to Source.
func (c *Cache) readBlock(ctx context.Context, k block.Key, prev State, tryL2 bool) (data []byte, l2Failed bool, err error) {
	if tryL2 {
		data, err = c.tier.Read(ctx, k)
		if err == nil && c.opt.Verify != nil {
			if verr := c.opt.Verify(k, data); verr != nil {
				err = fmt.Errorf("%w: %v", l2.ErrChecksum, verr)
			}
		}
		if err == nil {
			c.stats.l2Hits.Add(1)
			c.metrics.L2Hit(Event{Key: k, Size: int64(len(data)), State: prev})
			return data, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		c.stats.l2Misses.Add(1)
		c.metrics.L2Miss(Event{Key: k, State: prev})
		if !errors.Is(err, l2.ErrNotCached) {
			c.log.Warn("secondary tier read failed, using primary", "component", "l2", "key", k, "err", err)
			c.tier.Invalidate(k)
		}
		l2Failed = true
	}

	if c.opt.Source == nil {
		return nil, l2Failed, ErrNoSource
	}
	data, err = c.opt.Source.ReadBlock(ctx, k)
	if err != nil {
		c.stats.ioErrors.Add(1)
		return nil, l2Failed, fmt.Errorf("cache: read %s: %w", k, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, l2Failed, nil
}

// complete publishes the outcome of a fetch to the header and its waiters.
func (c *Cache) complete(k block.Key, slot uint32, call *fetchCall, ro readOpts, data []byte, l2Failed bool, err error) {
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	h := c.arena.at(slot)
	if h.fetch != call || h.key != k {
		panic(invariantf("fetch of %s lost its header", k))
	}
	h.fetch = nil
	h.flags &^= flagIOInProgress
	if l2Failed {
		h.l2 = nil
	}

	if err != nil {
		// No access happened: new headers vanish, reused records keep
		// their previous state.
		switch {
		case h.state == Anonymous:
			c.destroy(s, slot)
		case h.state == L2Only && h.l2 == nil:
			c.unlink(h, slot)
			c.destroy(s, slot)
		}
		call.Resolve(fetchResult{}, err)
		return
	}

	c.access(h, slot, ro, data)
	n := call.Resolve(h.result(slot), nil)
	h.refs += int32(n)
	if h.refs == 0 && h.state == Uncacheable {
		c.unlink(h, slot)
		c.destroy(s, slot)
	}
}

// wait blocks on a fetch and turns its result into a handle.
func (c *Cache) wait(ctx context.Context, call *fetchCall) (*Handle, error) {
	res, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return c.newHandle(res), nil
}
