// Record compression.
//
// Records are compressed before encryption and hashing, never after. Two
// algorithms are supported beside the identity: LZ4 block compression and
// Zstd. The unpacked length is stored in the record header, so decompression
// can allocate the exact output buffer and verify the size on the way out.
//
// The shared zstd encoder/decoder pair is allocated once — both are
// documented as safe for concurrent use, and constructing them per call
// would dominate the cost of packing small records. The encoder level is
// mapped from CompressionLevel at pack time via EncodeAll options being
// fixed per encoder, so three encoders are kept, one per level.
package nros

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdEncoders = [3]*zstd.Encoder{
		newZstdEncoder(zstd.SpeedFastest),
		newZstdEncoder(zstd.SpeedDefault),
		newZstdEncoder(zstd.SpeedBestCompression),
	}
	zstdDecoder, _ = zstd.NewReader(nil)
)

func newZstdEncoder(level zstd.EncoderLevel) *zstd.Encoder {
	e, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	return e
}

// lz4Levels maps the 1..3 configuration scale onto LZ4 compression levels.
var lz4Levels = [3]lz4.CompressionLevel{lz4.Fast, lz4.Level4, lz4.Level9}

// compress packs data with the given algorithm. It returns the compressed
// bytes and the algorithm actually used: incompressible input falls back
// to CompressionNone rather than growing on disk.
func compress(data []byte, alg, level int) ([]byte, int, error) {
	if level < 1 || level > 3 {
		level = 1
	}
	switch alg {
	case CompressionNone:
		return data, CompressionNone, nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var n int
		var err error
		if level == 1 {
			var c lz4.Compressor
			n, err = c.CompressBlock(data, dst)
		} else {
			c := lz4.CompressorHC{Level: lz4Levels[level-1]}
			n, err = c.CompressBlock(data, dst)
		}
		if err != nil {
			return nil, 0, fmt.Errorf("lz4: %w", err)
		}
		if n == 0 || n >= len(data) {
			// Incompressible.
			return data, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil

	case CompressionZstd:
		out := zstdEncoders[level-1].EncodeAll(data, nil)
		if len(out) >= len(data) {
			return data, CompressionNone, nil
		}
		return out, CompressionZstd, nil

	default:
		return nil, 0, ErrInvalidArgument
	}
}

// decompress unpacks data compressed with alg into exactly unpackedLen
// bytes. A size mismatch is treated as corruption: the tag has already
// been verified at this point, so a wrong size means the header lied.
func decompress(data []byte, alg int, unpackedLen int) ([]byte, error) {
	switch alg {
	case CompressionNone:
		if len(data) != unpackedLen {
			return nil, ErrCorruptData
		}
		out := make([]byte, unpackedLen)
		copy(out, data)
		return out, nil

	case CompressionLZ4:
		out := make([]byte, unpackedLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil || n != unpackedLen {
			return nil, ErrCorruptData
		}
		return out, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, unpackedLen))
		if err != nil || len(out) != unpackedLen {
			return nil, ErrCorruptData
		}
		return out, nil

	default:
		return nil, ErrCorruptData
	}
}
