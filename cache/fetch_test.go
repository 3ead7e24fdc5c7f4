package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/IvanBrykalov/blockcache/block"
	"github.com/IvanBrykalov/blockcache/block/memstore"
	"golang.org/x/sync/errgroup"
)

// Concurrent misses on one key share a single source read and all see the
// same bytes.
func TestFetch_SingleFlight(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)
	const n = 32

	e.store.Block()
	results := make([][]byte, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := e.c.Get(context.Background(), k)
			if err != nil {
				return err
			}
			results[i] = append([]byte(nil), h.Data()...)
			h.Release()
			return nil
		})
	}
	waitFor(t, "all callers to join", func() bool { return e.c.waiters(k) == n })
	e.store.Unblock()
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if r := e.store.ReadsOf(k); r != 1 {
		t.Fatalf("source reads = %d, want 1", r)
	}
	for i, got := range results {
		if !bytes.Equal(got, contents(k)) {
			t.Fatalf("caller %d got different bytes", i)
		}
	}
	mustInvariants(t, e.c)
}

// A failed read reaches every waiter and leaves no header behind; the next
// Get reads again.
func TestFetch_ErrorReachesAllWaiters(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)
	const n = 8

	e.store.Block()
	e.store.FailReads(1, false)
	errs := make([]error, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := e.c.Get(context.Background(), k)
			if err == nil {
				h.Release()
			}
			errs[i] = err
			return nil
		})
	}
	waitFor(t, "all callers to join", func() bool { return e.c.waiters(k) == n })
	e.store.Unblock()
	_ = g.Wait()

	for i, err := range errs {
		if !block.IsTransient(err) || !errors.Is(err, memstore.ErrInjected) {
			t.Fatalf("caller %d: err = %v", i, err)
		}
	}
	if e.c.Len() != 0 {
		t.Fatalf("%d headers after failed read", e.c.Len())
	}
	if e.c.Stats().IOErrors != 1 {
		t.Fatalf("io errors = %d", e.c.Stats().IOErrors)
	}
	mustInvariants(t, e.c)

	if got := e.get(t, k); !bytes.Equal(got, contents(k)) {
		t.Fatal("retry returned different bytes")
	}
	if r := e.store.ReadsOf(k); r != 2 {
		t.Fatalf("source reads = %d, want 2", r)
	}
}

// A failed refetch of a ghost leaves the ghost record and P untouched.
func TestFetch_GhostFailureKeepsGhost(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 2*blockSize, nil)
	e.fill(t, 0, 4)
	e.c.Reclaim()
	k := key(0)
	mustState(t, e.c, k, MRUGhost, false)

	p := e.c.Split()
	e.store.FailReads(1, true)
	if _, err := e.c.Get(context.Background(), k); !errors.Is(err, memstore.ErrInjected) || block.IsTransient(err) {
		t.Fatalf("err = %v, want permanent injected failure", err)
	}
	mustState(t, e.c, k, MRUGhost, false)
	if got := e.c.Split(); got != p {
		t.Fatalf("P moved %d -> %d on a failed read", p, got)
	}
	mustInvariants(t, e.c)

	h, err := e.c.Get(context.Background(), k)
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != MFU {
		t.Fatalf("state = %s after retry", h.State())
	}
	h.Release()
}

// When the only waiter gives up, the read is cancelled and the header is
// dropped.
func TestFetch_SoleWaiterCancels(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)

	e.store.Block()
	defer e.store.Unblock()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.c.Get(ctx, k)
		errc <- err
	}()
	waitFor(t, "fetch to start", func() bool { return e.c.waiters(k) == 1 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	waitFor(t, "header to go", func() bool {
		_, _, ok := e.c.peek(k)
		return !ok
	})
	mustInvariants(t, e.c)
}

// One waiter leaving does not disturb the read for the others.
func TestFetch_SharedReadSurvivesCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)

	e.store.Block()
	ctx, cancel := context.WithCancel(context.Background())
	quitter := make(chan error, 1)
	stayer := make(chan error, 1)
	go func() {
		_, err := e.c.Get(ctx, k)
		quitter <- err
	}()
	waitFor(t, "first caller", func() bool { return e.c.waiters(k) == 1 })
	go func() {
		h, err := e.c.Get(context.Background(), k)
		if err == nil {
			if !bytes.Equal(h.Data(), contents(k)) {
				err = errors.New("wrong bytes")
			}
			h.Release()
		}
		stayer <- err
	}()
	waitFor(t, "second caller", func() bool { return e.c.waiters(k) == 2 })

	cancel()
	if err := <-quitter; !errors.Is(err, context.Canceled) {
		t.Fatalf("quitter err = %v", err)
	}
	waitFor(t, "quitter to leave", func() bool { return e.c.waiters(k) == 1 })
	e.store.Unblock()
	if err := <-stayer; err != nil {
		t.Fatal(err)
	}
	if r := e.store.ReadsOf(k); r != 1 {
		t.Fatalf("source reads = %d, want 1", r)
	}
	mustState(t, e.c, k, MRU, true)
	mustInvariants(t, e.c)
}

// A Get that arrives after every waiter abandoned a read waits for it to
// settle and starts a fresh one.
func TestFetch_AfterAbandonedRead(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)

	e.store.Block()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.c.Get(ctx, k)
		errc <- err
	}()
	waitFor(t, "fetch to start", func() bool { return e.c.waiters(k) == 1 })
	cancel()
	<-errc

	e.store.Unblock()
	if got := e.get(t, k); !bytes.Equal(got, contents(k)) {
		t.Fatal("wrong bytes after abandoned read")
	}
	mustState(t, e.c, k, MRU, true)
	mustInvariants(t, e.c)
}

// InsertAfterFetch during a read by someone else returns the read's result.
func TestFetch_InsertJoinsInflightRead(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1<<20, nil)
	k := key(0)

	e.store.Block()
	getErr := make(chan error, 1)
	go func() {
		h, err := e.c.Get(context.Background(), k)
		if err == nil {
			h.Release()
		}
		getErr <- err
	}()
	waitFor(t, "fetch to start", func() bool { return e.c.waiters(k) == 1 })

	ins := make(chan *Handle, 1)
	go func() {
		h, err := e.c.InsertAfterFetch(k, []byte("late"))
		if err != nil {
			t.Error(err)
		}
		ins <- h
	}()
	waitFor(t, "insert to join", func() bool { return e.c.waiters(k) == 2 })
	e.store.Unblock()

	if err := <-getErr; err != nil {
		t.Fatal(err)
	}
	h := <-ins
	if h == nil {
		t.FailNow()
	}
	if !bytes.Equal(h.Data(), contents(k)) {
		t.Fatalf("insert got %q, want the fetched block", h.Data())
	}
	h.Release()
	mustInvariants(t, e.c)
}
