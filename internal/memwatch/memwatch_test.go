package memwatch

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixed(s Sample, err error) func() (Sample, error) {
	return func() (Sample, error) { return s, err }
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()
	var got int64
	w := New(Config{MinFreeFraction: 0.25}, func(d int64) { got = d })

	w.sample = fixed(Sample{Total: 1000, Available: 400}, nil)
	d, err := w.Check()
	require.NoError(t, err)
	require.Zero(t, d)
	require.Zero(t, got)

	w.sample = fixed(Sample{Total: 1000, Available: 100}, nil)
	d, err = w.Check()
	require.NoError(t, err)
	require.EqualValues(t, 150, d)
	require.EqualValues(t, 150, got)
}

func TestWatcher_AbsoluteFloor(t *testing.T) {
	t.Parallel()
	w := New(Config{MinFreeFraction: 0.01, MinFreeBytes: 500}, nil)
	w.sample = fixed(Sample{Total: 1000, Available: 300}, nil)
	d, err := w.Check()
	require.NoError(t, err)
	require.EqualValues(t, 200, d)
}

func TestWatcher_RunReportsUntilCancelled(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	w := New(Config{Interval: time.Millisecond, MinFreeFraction: 0.5}, func(int64) { calls.Add(1) })
	w.sample = fixed(Sample{Total: 100, Available: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_RunUnsupported(t *testing.T) {
	t.Parallel()
	w := New(Config{}, nil)
	w.sample = fixed(Sample{}, ErrUnsupported)
	require.ErrorIs(t, w.Run(context.Background()), ErrUnsupported)

	w.sample = fixed(Sample{}, errors.New("transient"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

func TestSampleHost(t *testing.T) {
	t.Parallel()
	s, err := sampleHost()
	if runtime.GOOS != "linux" {
		require.ErrorIs(t, err, ErrUnsupported)
		return
	}
	require.NoError(t, err)
	require.NotZero(t, s.Total)
	require.LessOrEqual(t, s.Available, s.Total)
}
