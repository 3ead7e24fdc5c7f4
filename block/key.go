// Package block defines the block address used as the cache key and the
// block I/O contracts the cache consumes (reads on miss, write-through).
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// KeySize is the length of the binary encoding produced by Key.Bytes.
const KeySize = 32

// Key is the pool-unique address of one block plus its birth generation.
// Keys are immutable and comparable; the zero Key is invalid.
type Key struct {
	Pool   uint64 // pool guid
	Vdev   uint64 // top-level device of the on-disk address
	Offset uint64 // offset within Vdev
	Birth  uint64 // generation in which the block was written
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k == Key{} }

// Bytes returns the fixed little-endian encoding of k.
func (k Key) Bytes() [KeySize]byte {
	var b [KeySize]byte
	binary.LittleEndian.PutUint64(b[0:], k.Pool)
	binary.LittleEndian.PutUint64(b[8:], k.Vdev)
	binary.LittleEndian.PutUint64(b[16:], k.Offset)
	binary.LittleEndian.PutUint64(b[24:], k.Birth)
	return b
}

// KeyFromBytes decodes the encoding produced by Bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("block: key encoding must be %d bytes, got %d", KeySize, len(b))
	}
	return Key{
		Pool:   binary.LittleEndian.Uint64(b[0:]),
		Vdev:   binary.LittleEndian.Uint64(b[8:]),
		Offset: binary.LittleEndian.Uint64(b[16:]),
		Birth:  binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

// Hash returns a 64-bit hash of k used for shard selection.
func (k Key) Hash() uint64 {
	b := k.Bytes()
	return xxhash.Sum64(b[:])
}

// String formats k as pool:vdev:offset@birth in hex.
func (k Key) String() string {
	return fmt.Sprintf("%x:%x:%x@%x", k.Pool, k.Vdev, k.Offset, k.Birth)
}

// Name returns a path-safe object name for k, used by object-store backends.
func (k Key) Name() string {
	return fmt.Sprintf("%016x/%016x/%016x-%016x", k.Pool, k.Vdev, k.Offset, k.Birth)
}
