package block

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKey_BytesRoundTrip(t *testing.T) {
	t.Parallel()
	k := Key{Pool: 0xdeadbeef, Vdev: 3, Offset: 1 << 40, Birth: 99}
	b := k.Bytes()
	got, err := KeyFromBytes(b[:])
	require.NoError(t, err)
	require.Equal(t, k, got)

	_, err = KeyFromBytes(b[:KeySize-1])
	require.Error(t, err)
}

func TestKey_Formatting(t *testing.T) {
	t.Parallel()
	k := Key{Pool: 0xab, Vdev: 1, Offset: 0x2000, Birth: 5}
	require.Equal(t, "ab:1:2000@5", k.String())
	require.Equal(t, "00000000000000ab/0000000000000001/0000000000002000-0000000000000005", k.Name())
	require.True(t, Key{}.IsZero())
	require.False(t, k.IsZero())
}

// Keys differing only in birth are distinct blocks and should hash apart.
func TestKey_HashSpreads(t *testing.T) {
	t.Parallel()
	const n = 4096
	seen := make(map[uint64]struct{}, n)
	buckets := make([]int, 16)
	for i := 0; i < n; i++ {
		h := Key{Pool: 1, Vdev: 1, Offset: 4096, Birth: uint64(i)}.Hash()
		seen[h] = struct{}{}
		buckets[h&15]++
	}
	require.Len(t, seen, n)
	for i, c := range buckets {
		require.Greaterf(t, c, n/16/2, "bucket %d underfilled", i)
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	k := Key{Pool: 1, Vdev: 1, Offset: 1, Birth: 1}

	err := Transient("read", k, base)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "transient read")

	require.NoError(t, Transient("read", k, nil))
	require.False(t, IsTransient(base))
	require.False(t, IsTransient(ErrNotFound))
}

func FuzzKey_RoundTrip(f *testing.F) {
	f.Add(uint64(0), uint64(0), uint64(0), uint64(0))
	f.Add(^uint64(0), uint64(1), uint64(512), uint64(42))
	f.Fuzz(func(t *testing.T, pool, vdev, off, birth uint64) {
		k := Key{Pool: pool, Vdev: vdev, Offset: off, Birth: birth}
		b := k.Bytes()
		got, err := KeyFromBytes(b[:])
		if err != nil || got != k {
			t.Fatalf("round trip %v -> %v (%v)", k, got, err)
		}
		if k.Hash() != got.Hash() {
			t.Fatal("hash differs for equal keys")
		}
	})
}
