package cache

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/block/memstore"
)

type fakeClock struct{ t atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.t.Store(int64(time.Hour))
	return c
}

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

const blockSize = 1024

func key(i int) block.Key {
	return block.Key{Pool: 0xfeed, Vdev: 1, Offset: uint64(i+1) << 12, Birth: 7}
}

// contents is the generator behind the test store: compressible, distinct per key.
func contents(k block.Key) []byte {
	b := make([]byte, blockSize)
	seed := byte(k.Offset >> 12)
	for i := range b {
		b[i] = seed + byte(i%13)
	}
	return b
}

type env struct {
	c     *Cache
	store *memstore.Store
	clk   *fakeClock
}

// newEnv builds a cache without background tasks over a generating store;
// tests drive Reclaim and the tier feed themselves.
func newEnv(t testing.TB, target int64, mut func(*Options)) *env {
	t.Helper()
	store := memstore.New(memstore.WithGenerator(contents))
	clk := newFakeClock()
	opt := Options{
		Target:       target,
		Shards:       4,
		Source:       store,
		Sink:         store,
		Clock:        clk,
		NoBackground: true,
	}
	if mut != nil {
		mut(&opt)
	}
	c, err := New(opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &env{c: c, store: store, clk: clk}
}

// get reads k, copies its data and releases the handle.
func (e *env) get(t testing.TB, k block.Key, opts ...ReadOption) []byte {
	t.Helper()
	h, err := e.c.Get(context.Background(), k, opts...)
	if err != nil {
		t.Fatalf("Get %s: %v", k, err)
	}
	data := append([]byte(nil), h.Data()...)
	h.Release()
	return data
}

func (e *env) fill(t testing.TB, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		e.get(t, key(i))
	}
}

// peek reports the state of k without touching it.
func (c *Cache) peek(k block.Key) (st State, hasData, ok bool) {
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.lookup(k)
	if !ok {
		return Anonymous, false, false
	}
	h := c.arena.at(slot)
	return h.state, h.data != nil, true
}

// waiters reports how many callers wait on the in-flight fetch of k.
func (c *Cache) waiters(k block.Key) int {
	s := c.dir.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.lookup(k)
	if !ok {
		return 0
	}
	if call := c.arena.at(slot).fetch; call != nil {
		return call.Waiters()
	}
	return 0
}

func mustState(t testing.TB, c *Cache, k block.Key, want State, wantData bool) {
	t.Helper()
	st, has, ok := c.peek(k)
	if !ok {
		t.Fatalf("%s: no header, want %s", k, want)
	}
	if st != want || has != wantData {
		t.Fatalf("%s: state=%s data=%v, want %s data=%v", k, st, has, want, wantData)
	}
}

func mustInvariants(t testing.TB, c *Cache) {
	t.Helper()
	if err := c.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// A miss reads the block once and inserts it into MRU; the next read hits.
func TestCache_MissThenHit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)

	h, err := e.c.Get(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != MRU || !bytes.Equal(h.Data(), contents(k)) {
		t.Fatalf("first Get: state=%s, data ok=%v", h.State(), bytes.Equal(h.Data(), contents(k)))
	}
	if h.Key() != k || h.Size() != blockSize || h.DiskSize() != blockSize {
		t.Fatalf("handle key=%s size=%d disk=%d", h.Key(), h.Size(), h.DiskSize())
	}
	h.Release()

	if got := e.get(t, k); !bytes.Equal(got, contents(k)) {
		t.Fatal("hit returned different bytes")
	}
	if n := e.store.ReadsOf(k); n != 1 {
		t.Fatalf("source reads = %d, want 1", n)
	}
	st := e.c.Stats()
	if st.Hits[MRU] != 1 || st.Misses[Anonymous] != 1 || st.Resident != blockSize {
		t.Fatalf("stats hits=%d misses=%d resident=%d", st.Hits[MRU], st.Misses[Anonymous], st.Resident)
	}
	if r := st.HitRatio(); r != 0.5 {
		t.Fatalf("hit ratio = %v, want 0.5", r)
	}
	mustInvariants(t, e.c)
}

// MRU blocks are promoted on a third reference in quick succession, or on a
// second reference after MinPromoteTime.
func TestCache_Promotion(t *testing.T) {
	t.Parallel()

	t.Run("quick re-references", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 64<<10, nil)
		k := key(0)
		e.get(t, k)
		e.get(t, k)
		mustState(t, e.c, k, MRU, true)
		e.get(t, k)
		mustState(t, e.c, k, MFU, true)
	})

	t.Run("late re-reference", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, 64<<10, nil)
		k := key(0)
		e.get(t, k)
		e.clk.add(200 * time.Millisecond)
		e.get(t, k)
		mustState(t, e.c, k, MFU, true)
	})
}

// A prefetched block stays in MRU until a demand read; the demand read
// itself does not promote.
func TestCache_PrefetchThenDemand(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)

	e.get(t, k, Prefetch())
	e.clk.add(time.Second)
	e.get(t, k, Prefetch())
	mustState(t, e.c, k, MRU, true)

	e.get(t, k)
	mustState(t, e.c, k, MRU, true)

	e.clk.add(200 * time.Millisecond)
	e.get(t, k)
	mustState(t, e.c, k, MFU, true)
}

// Uncacheable reads never count as resident and vanish on the last release.
func TestCache_UncacheableDestroyedOnRelease(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)

	h, err := e.c.Get(context.Background(), k, NoCache())
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != Uncacheable {
		t.Fatalf("state = %s", h.State())
	}
	if e.c.Stats().Resident != 0 || e.c.StateSize(Uncacheable) != blockSize {
		t.Fatalf("resident=%d uncacheable=%d", e.c.Stats().Resident, e.c.StateSize(Uncacheable))
	}
	mustInvariants(t, e.c)
	h.Release()

	if e.c.Len() != 0 || e.c.StateSize(Uncacheable) != 0 {
		t.Fatalf("len=%d uncacheable=%d after release", e.c.Len(), e.c.StateSize(Uncacheable))
	}
	mustInvariants(t, e.c)
}

// Releasing a handle twice is a caller bug and panics.
func TestCache_DoubleReleasePanics(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)

	h, err := e.c.Get(context.Background(), key(0))
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	defer func() {
		r := recover()
		if _, ok := r.(*InvariantError); !ok {
			t.Fatalf("recover() = %v, want *InvariantError", r)
		}
	}()
	h.Release()
}

func TestCache_Remove(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)

	h, err := e.c.Get(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.c.Remove(k); !errors.Is(err, ErrReferenced) {
		t.Fatalf("Remove pinned: %v, want ErrReferenced", err)
	}
	h.Release()

	if err := e.c.Remove(k); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.c.peek(k); ok {
		t.Fatal("header survived Remove")
	}
	if err := e.c.Remove(key(99)); err != nil {
		t.Fatalf("Remove unknown: %v", err)
	}
	if err := e.c.Remove(block.Key{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Remove zero key: %v", err)
	}
	if d := e.c.Stats().Deletions; d != 1 {
		t.Fatalf("deletions = %d", d)
	}
	mustInvariants(t, e.c)
}

// Write goes through the sink and leaves the block resident.
func TestCache_Write(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)
	data := bytes.Repeat([]byte("w"), 700)

	if err := e.c.Write(context.Background(), k, data); err != nil {
		t.Fatal(err)
	}
	if e.store.Writes() != 1 {
		t.Fatalf("sink writes = %d", e.store.Writes())
	}
	h, ok := e.c.Lookup(k)
	if !ok {
		t.Fatal("written block not resident")
	}
	defer h.Release()
	if !bytes.Equal(h.Data(), data) || h.State() != MRU {
		t.Fatalf("state=%s len=%d", h.State(), h.Size())
	}
	if e.store.Reads() != 0 {
		t.Fatal("write-through read the source")
	}
}

func TestCache_WriteWithoutSink(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, func(o *Options) { o.Sink = nil })
	if err := e.c.Write(context.Background(), key(0), []byte("x")); !errors.Is(err, ErrNoSink) {
		t.Fatalf("err = %v, want ErrNoSink", err)
	}
}

// Writing a cached key replaces its bytes; handles taken earlier keep the
// bytes they were given.
func TestCache_WriteReplacesCachedBytes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)
	a := bytes.Repeat([]byte("a"), 600)
	b := bytes.Repeat([]byte("b"), 900)

	old, err := e.c.Get(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.c.Write(context.Background(), k, a); err != nil {
		t.Fatal(err)
	}
	if got := e.get(t, k); !bytes.Equal(got, a) {
		t.Fatalf("after first write got %d bytes, want %d of a", len(got), len(a))
	}
	if err := e.c.Write(context.Background(), k, b); err != nil {
		t.Fatal(err)
	}
	if got := e.get(t, k); !bytes.Equal(got, b) {
		t.Fatalf("after second write got %d bytes, want %d of b", len(got), len(b))
	}
	if !bytes.Equal(old.Data(), contents(k)) {
		t.Fatal("earlier handle saw the overwrite")
	}
	old.Release()

	mustState(t, e.c, k, MRU, true)
	if r := e.c.Stats().Resident; r != int64(len(b)) {
		t.Fatalf("resident = %d, want %d", r, len(b))
	}
	if e.store.Writes() != 2 || e.store.ReadsOf(k) != 1 {
		t.Fatalf("sink writes=%d source reads=%d", e.store.Writes(), e.store.ReadsOf(k))
	}
	mustInvariants(t, e.c)
}

// A write to a ghost record makes it resident with the written bytes and
// does not move the split.
func TestCache_WriteRevivesGhost(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 5*blockSize, nil)
	e.fill(t, 0, 10)
	e.c.Reclaim()
	k := key(4)
	mustState(t, e.c, k, MRUGhost, false)

	p := e.c.Split()
	data := bytes.Repeat([]byte("g"), blockSize)
	if err := e.c.Write(context.Background(), k, data); err != nil {
		t.Fatal(err)
	}
	mustState(t, e.c, k, MRU, true)
	if got := e.get(t, k); !bytes.Equal(got, data) {
		t.Fatal("ghost kept stale bytes")
	}
	if got := e.c.Split(); got != p {
		t.Fatalf("P = %d, want %d", got, p)
	}
	if r := e.store.ReadsOf(k); r != 1 {
		t.Fatalf("source reads = %d", r)
	}
	mustInvariants(t, e.c)
}

// NoCache writes go to the sink without keeping a record.
func TestCache_WriteNoCache(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	data := []byte("through")

	if err := e.c.Write(context.Background(), key(0), data, NoCache()); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.c.peek(key(0)); ok {
		t.Fatal("NoCache write created a record")
	}

	k := key(1)
	e.get(t, k)
	if err := e.c.Write(context.Background(), k, data, NoCache()); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := e.c.peek(k); ok {
		t.Fatal("NoCache write kept the old record")
	}
	if got := e.get(t, k); !bytes.Equal(got, data) {
		t.Fatalf("got %q", got)
	}
	if e.c.Stats().Resident != int64(len(data)) || e.store.Writes() != 2 {
		t.Fatalf("resident=%d writes=%d", e.c.Stats().Resident, e.store.Writes())
	}
	mustInvariants(t, e.c)
}

// InsertAfterFetch caches caller-read data; a resident block wins over new bytes.
func TestCache_InsertAfterFetch(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)
	data := []byte("fetched elsewhere")

	h, err := e.c.InsertAfterFetch(k, data, WithSize(8))
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != MRU || !bytes.Equal(h.Data(), data) || h.DiskSize() != 8 {
		t.Fatalf("state=%s data=%q disk=%d", h.State(), h.Data(), h.DiskSize())
	}
	h.Release()

	h, err = e.c.InsertAfterFetch(k, []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.Data(), data) {
		t.Fatalf("resident block replaced: %q", h.Data())
	}
	h.Release()

	if e.store.Reads() != 0 {
		t.Fatal("source read on InsertAfterFetch")
	}
	st := e.c.Stats()
	if st.Misses[Anonymous] != 1 || st.Hits[MRU] != 1 {
		t.Fatalf("misses=%d hits=%d", st.Misses[Anonymous], st.Hits[MRU])
	}
	mustInvariants(t, e.c)
}

// Lookup only reports resident blocks and never waits for a fetch.
func TestCache_LookupDoesNotWait(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	k := key(0)

	if _, ok := e.c.Lookup(k); ok {
		t.Fatal("Lookup hit on empty cache")
	}

	e.store.Block()
	done := make(chan error, 1)
	go func() {
		h, err := e.c.Get(context.Background(), k)
		if err == nil {
			h.Release()
		}
		done <- err
	}()
	waitFor(t, "fetch to start", func() bool { return e.c.waiters(k) == 1 })

	if _, ok := e.c.Lookup(k); ok {
		t.Fatal("Lookup returned a block still being read")
	}
	e.store.Unblock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	h, ok := e.c.Lookup(k)
	if !ok {
		t.Fatal("Lookup missed a resident block")
	}
	h.Release()
	if m := e.c.Stats().Misses[Anonymous]; m != 3 {
		t.Fatalf("misses = %d, want 3", m)
	}
}

func TestCache_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := New(Options{}); err == nil {
		t.Fatal("New without Target must fail")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("MustNew must panic on invalid options")
			}
		}()
		MustNew(Options{Target: -1})
	}()

	c := MustNew(Options{Target: 4096, NoBackground: true})
	if _, err := c.Get(ctx, key(0)); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Get without source: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed read left %d headers", c.Len())
	}
	if _, err := c.Get(ctx, block.Key{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Get zero key: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.Get(ctx, key(0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close: %v", err)
	}
	if _, err := c.InsertAfterFetch(key(0), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("InsertAfterFetch after Close: %v", err)
	}
	if _, ok := c.Lookup(key(0)); ok {
		t.Fatal("Lookup after Close")
	}
}

// Handles obtained before Close stay readable and releasable.
func TestCache_HandleOutlivesClose(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 64<<10, nil)
	h, err := e.c.Get(context.Background(), key(0))
	if err != nil {
		t.Fatal(err)
	}
	_ = e.c.Close()
	if !bytes.Equal(h.Data(), contents(key(0))) {
		t.Fatal("data changed after Close")
	}
	h.Release()
}

// The background task brings the cache back under target on its own.
func TestCache_BackgroundReclaim(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 4*blockSize, func(o *Options) {
		o.NoBackground = false
		o.ReclaimInterval = 10 * time.Millisecond
	})
	e.fill(t, 0, 16)
	waitFor(t, "reclaim", func() bool { return e.c.Stats().Resident <= e.c.Target() })
	mustInvariants(t, e.c)
}

func TestWakeReason_String(t *testing.T) {
	t.Parallel()
	cases := map[WakeReason]string{
		0:                                "none",
		WakeTimer:                        "timer",
		WakeSizeExceeded | WakeLowMemory: "size|lowmem",
		WakeShutdown:                     "shutdown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("%d: %q, want %q", r, got, want)
		}
	}
}
