package l2

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/blockcache/block"
)

type job struct {
	cand   Candidate
	stored []byte
	codec  Codec
	e      *entry
	err    error
}

// Feed runs one feed cycle and returns the number of logical bytes written.
// It is safe to call concurrently with the background loop; cycles serialize.
func (t *Tier) Feed(ctx context.Context) (int64, error) {
	t.feedMu.Lock()
	defer t.feedMu.Unlock()
	if t.isClosed() {
		return 0, ErrClosed
	}
	wrote, _, err := t.feed(ctx)
	return wrote, err
}

func (t *Tier) run() {
	defer t.wg.Done()
	log := t.log.With("component", "l2feed")
	timer := time.NewTimer(t.cfg.FeedInterval)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-timer.C:
		}

		t.feedMu.Lock()
		wrote, target, err := t.feed(t.ctx)
		t.feedMu.Unlock()
		if err != nil && t.ctx.Err() == nil {
			log.Warn("feed cycle failed", "err", err)
		}

		next := t.cfg.FeedInterval
		if wrote > target/2 {
			next = t.cfg.FeedMinInterval
		}
		timer.Reset(next)
	}
}

func (t *Tier) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// feed collects candidates, encodes them, reserves ring space and writes
// the batch. Caller holds feedMu.
func (t *Tier) feed(ctx context.Context) (wrote, target int64, err error) {
	if t.owner.UnderPressure() {
		t.stats.feedsSkipped.Add(1)
		return 0, 0, nil
	}
	t.stats.feeds.Add(1)

	target = t.cfg.WriteMax
	if !t.owner.Warm() {
		target += t.cfg.WriteBoost
	}

	cands, have := t.drain(target)
	if have < target {
		want := target - have
		cands = append(cands, t.owner.Candidates(want, want*t.cfg.Headroom)...)
	}
	if len(cands) == 0 {
		return 0, target, nil
	}

	var failed []block.Key
	jobs := make([]*job, 0, len(cands))
	var batch int64
	for _, c := range cands {
		if batch >= target {
			failed = append(failed, c.Key)
			continue
		}
		codec := t.cfg.Codec
		if c.Raw {
			codec = CodecRaw
		}
		stored, used, encErr := encode(codec, c.Data, t.cfg.CompressMinSize)
		if encErr != nil {
			t.log.Warn("encode failed", "key", c.Key, "err", encErr)
			failed = append(failed, c.Key)
			continue
		}
		jobs = append(jobs, &job{cand: c, stored: stored, codec: used})
		batch += int64(len(stored))
	}

	r, evicted := t.reserve(jobs, &failed)
	t.notifyEvicted(evicted)

	var g errgroup.Group
	g.SetLimit(t.cfg.WriteConcurrency)
	for _, j := range jobs {
		if j.e == nil || j.e.dropped || j.codec == CodecEmpty {
			continue
		}
		g.Go(func() error {
			n := min(len(j.stored), t.limiter.Burst())
			if j.err = t.limiter.WaitN(ctx, n); j.err != nil {
				return nil
			}
			_, j.err = r.dev.WriteAt(j.stored, j.e.ext.Offset)
			return nil
		})
	}
	_ = g.Wait()

	published := t.publish(jobs, &failed)
	for _, j := range published {
		wrote += j.e.ext.LogicalSize
		if !t.owner.Written(j.cand.Key, j.e.ext) {
			t.Invalidate(j.cand.Key)
		}
	}
	for _, k := range failed {
		t.owner.Failed(k)
	}
	return wrote, target, nil
}

// drain pulls queued candidates until want bytes are collected.
func (t *Tier) drain(want int64) ([]Candidate, int64) {
	var out []Candidate
	var have int64
	for have < want {
		select {
		case c := <-t.queue:
			t.mu.Lock()
			delete(t.queued, c.Key)
			t.mu.Unlock()
			out = append(out, c)
			have += int64(len(c.Data))
		default:
			return out, have
		}
	}
	return out, have
}

// reserve picks the next ring and allocates a pending entry per job.
func (t *Tier) reserve(jobs []*job, failed *[]block.Key) (*ring, []*entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.rings[t.next%len(t.rings)]
	t.next++

	var evicted []*entry
	for _, j := range jobs {
		if _, ok := t.index[j.cand.Key]; ok {
			*failed = append(*failed, j.cand.Key)
			continue
		}
		ext := Extent{
			Device:      r.dev.ID(),
			Length:      int64(len(j.stored)),
			LogicalSize: int64(len(j.cand.Data)),
			Codec:       j.codec,
		}
		if j.codec != CodecEmpty {
			off, ev, ok := r.alloc(ext.Length)
			if !ok {
				*failed = append(*failed, j.cand.Key)
				continue
			}
			evicted = append(evicted, ev...)
			ext.Offset = off
			ext.Checksum = checksum(j.stored)
		}
		j.e = &entry{key: j.cand.Key, ext: ext, pending: true}
		r.push(j.e)
	}

	// Ahead-of-hand eviction may hit entries of this very batch.
	for _, e := range evicted {
		if e.pending {
			e.dropped = true
		}
	}
	return r, evicted
}

// publish makes written entries visible and releases failed reservations.
func (t *Tier) publish(jobs []*job, failed *[]block.Key) []*job {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*job
	for _, j := range jobs {
		if j.e == nil {
			continue
		}
		switch {
		case j.e.dropped:
			*failed = append(*failed, j.cand.Key)
		case j.err != nil || t.closed:
			if j.err != nil {
				t.stats.ioErrors.Add(1)
				t.log.Warn("device write failed", "key", j.cand.Key, "device", j.e.ext.Device, "err", j.err)
			}
			j.e.ring.unlink(j.e)
			*failed = append(*failed, j.cand.Key)
		default:
			j.e.pending = false
			t.index[j.cand.Key] = j.e
			t.stats.writes.Add(1)
			t.stats.bytesWritten.Add(j.e.ext.Length)
			out = append(out, j)
		}
	}
	return out
}

// notifyEvicted removes published entries dropped by allocation and tells
// the owner.
func (t *Tier) notifyEvicted(evicted []*entry) {
	var keys []block.Key
	t.mu.Lock()
	for _, e := range evicted {
		if e.pending {
			continue
		}
		if t.index[e.key] == e {
			delete(t.index, e.key)
			keys = append(keys, e.key)
		}
	}
	t.mu.Unlock()

	t.stats.evictions.Add(int64(len(keys)))
	for _, k := range keys {
		t.owner.Evicted(k)
	}
}
