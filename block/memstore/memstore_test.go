package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/blockcache/block"
)

var k = block.Key{Pool: 1, Vdev: 1, Offset: 4096, Birth: 1}

func TestStore_ReadWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	_, err := s.ReadBlock(ctx, k)
	require.ErrorIs(t, err, block.ErrNotFound)

	require.NoError(t, s.WriteBlock(ctx, k, []byte("abc")))
	got, err := s.ReadBlock(ctx, k)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)

	got[0] = 'z'
	again, _ := s.ReadBlock(ctx, k)
	require.Equal(t, []byte("abc"), again, "reads must return copies")

	require.EqualValues(t, 3, s.Reads())
	require.EqualValues(t, 3, s.ReadsOf(k))
	require.EqualValues(t, 1, s.Writes())
}

func TestStore_Generator(t *testing.T) {
	t.Parallel()
	s := New(WithGenerator(func(k block.Key) []byte { return []byte(k.String()) }))
	got, err := s.ReadBlock(context.Background(), k)
	require.NoError(t, err)
	require.Equal(t, k.String(), string(got))
}

func TestStore_FailReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(WithGenerator(func(block.Key) []byte { return []byte{1} }))

	s.FailReads(1, false)
	_, err := s.ReadBlock(ctx, k)
	require.True(t, block.IsTransient(err))
	require.ErrorIs(t, err, ErrInjected)

	s.FailReads(1, true)
	_, err = s.ReadBlock(ctx, k)
	require.False(t, block.IsTransient(err))
	require.ErrorIs(t, err, ErrInjected)

	_, err = s.ReadBlock(ctx, k)
	require.NoError(t, err)
}

func TestStore_BlockHonoursContext(t *testing.T) {
	t.Parallel()
	s := New(WithGenerator(func(block.Key) []byte { return []byte{1} }))
	s.Block()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.ReadBlock(ctx, k)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadBlock(context.Background(), k)
		done <- err
	}()
	s.Unblock()
	require.NoError(t, <-done)
}
