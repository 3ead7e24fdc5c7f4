package singleflight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestCall_AllWaitersShareResult(t *testing.T) {
	t.Parallel()

	c := New[int](nil)
	const followers = 16
	for i := 0; i < followers; i++ {
		if !c.Join() {
			t.Fatal("Join on open call must succeed")
		}
	}

	var g errgroup.Group
	for i := 0; i < followers+1; i++ {
		g.Go(func() error {
			v, err := c.Wait(context.Background())
			if err != nil {
				return err
			}
			if v != 42 {
				return errors.New("wrong value")
			}
			return nil
		})
	}
	time.Sleep(5 * time.Millisecond)
	if n := c.Resolve(42, nil); n != followers+1 {
		t.Fatalf("Resolve reported %d waiters, want %d", n, followers+1)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if c.Join() {
		t.Fatal("Join after Resolve must fail")
	}
}

func TestCall_ErrorReachesEveryone(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := New[int](nil)
	c.Join()
	c.Resolve(0, boom)
	for i := 0; i < 2; i++ {
		if _, err := c.Wait(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("waiter %d got %v, want boom", i, err)
		}
	}
}

// The operation is cancelled only when its last waiter leaves.
func TestCall_CancelOnLastWaiter(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Bool
	c := New[int](func() { cancelled.Store(true) })
	c.Join() // two waiters

	ctx1, cancel1 := context.WithCancel(context.Background())
	cancel1()
	if _, err := c.Wait(ctx1); !errors.Is(err, context.Canceled) {
		t.Fatalf("first waiter: %v", err)
	}
	if cancelled.Load() {
		t.Fatal("operation cancelled while a waiter remains")
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	if _, err := c.Wait(ctx2); !errors.Is(err, context.Canceled) {
		t.Fatalf("second waiter: %v", err)
	}
	if !cancelled.Load() {
		t.Fatal("operation must be cancelled after the last waiter left")
	}
	if c.Join() {
		t.Fatal("Join on an abandoned call must fail")
	}
}

func TestCall_ResolvedBeforeCancelStillDelivers(t *testing.T) {
	t.Parallel()

	c := New[string](nil)
	c.Resolve("v", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := c.Wait(ctx)
	if err != nil || v != "v" {
		t.Fatalf("got v=%q err=%v, want the resolved value", v, err)
	}
	if c.Resolve("other", nil) != 0 {
		t.Fatal("second Resolve must be a no-op")
	}
}
