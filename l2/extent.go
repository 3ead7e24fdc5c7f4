package l2

import (
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies how an extent's stored bytes encode the block.
type Codec uint8

const (
	// CodecRaw stores the block as is. The zero Codec is unset.
	CodecRaw Codec = iota + 1
	// CodecEmpty marks an all-zero block; no device bytes are used.
	CodecEmpty
	// CodecLZ4 is LZ4 block compression.
	CodecLZ4
	// CodecZstd is zstd compression.
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecEmpty:
		return "empty"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a configuration name onto a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	case "raw", "none", "off":
		return CodecRaw, nil
	default:
		return 0, fmt.Errorf("l2: unknown codec %q", s)
	}
}

// Extent locates one block's copy on a device. Checksum is CRC32C over the
// Length stored bytes.
type Extent struct {
	Device      uuid.UUID
	Offset      int64
	Length      int64
	LogicalSize int64
	Codec       Codec
	Checksum    uint32
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }

// ---- compression ----

// EncodeAll and DecodeAll are safe for concurrent use, so one coder of
// each kind serves every feed and read.
var (
	zstdEncoder = mustZstd(zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)))
	zstdDecoder = mustZstd(zstd.NewReader(nil))
)

func mustZstd[T any](coder T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("l2: zstd coder: %v", err))
	}
	return coder
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// encode picks the stored representation of data. Blocks below minSize,
// and blocks that do not shrink, are stored raw.
func encode(want Codec, data []byte, minSize int) ([]byte, Codec, error) {
	if allZero(data) {
		return nil, CodecEmpty, nil
	}
	if want == CodecRaw || len(data) < minSize {
		return data, CodecRaw, nil
	}

	var out []byte
	switch want {
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("l2: lz4 compress: %w", err)
		}
		out = buf[:n]
	case CodecZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, 0, fmt.Errorf("l2: cannot encode with %s", want)
	}

	if len(out) == 0 || len(out) >= len(data) {
		return data, CodecRaw, nil
	}
	return out, want, nil
}

// decode reverses encode. logical is the expected decoded size.
func decode(c Codec, stored []byte, logical int64) ([]byte, error) {
	switch c {
	case CodecRaw:
		return stored, nil
	case CodecEmpty:
		return make([]byte, logical), nil
	case CodecLZ4:
		out := make([]byte, logical)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, fmt.Errorf("l2: lz4 decompress: %w", err)
		}
		if int64(n) != logical {
			return nil, fmt.Errorf("l2: lz4 decompressed %d bytes, want %d", n, logical)
		}
		return out, nil
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, logical))
		if err != nil {
			return nil, fmt.Errorf("l2: zstd decompress: %w", err)
		}
		if int64(len(out)) != logical {
			return nil, fmt.Errorf("l2: zstd decompressed %d bytes, want %d", len(out), logical)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("l2: unknown %s", c)
	}
}
