// Store configuration and geometry validation.
//
// Config follows the zero-value convention: every field has a usable
// default filled in by Create/Mount, so Config{} yields a working store.
// Geometry fields (block size, record size) are format-time constants —
// Mount takes the record size from the on-disk header and ignores the
// Config value; the block size in Config must match the header's, or
// Mount fails.
package nros

import "go.uber.org/zap"

// Compression algorithm identifiers. These are stored per record on disk,
// so their numeric values are part of the format.
const (
	CompressionNone = 0
	CompressionLZ4  = 1
	CompressionZstd = 2
)

// Cipher identifiers. Zero means the store is not encrypted.
const (
	CipherNone              = 0
	CipherXChaCha20Poly1305 = 1
)

// KDF identifiers. Zero means no key derivation (unencrypted store).
const (
	KDFNone     = 0
	KDFArgon2id = 1
)

// Block and record size bounds. Both are powers of two fixed at format
// time; records must hold at least a handful of child references.
const (
	MinBlockSize  = 1 << 9
	MaxBlockSize  = 1 << 24
	MinRecordSize = 1 << 9
	MaxRecordSize = 1 << 24
)

// Config holds store configuration options.
type Config struct {
	BlockSize        int    // power of two in [512, 16MiB]; default 512
	RecordSize       int    // max unpacked record size; default 4096
	Compression      int    // default algorithm for new records
	CompressionLevel int    // 1..3, fastest to best; default 1
	Cipher           int    // CipherNone or CipherXChaCha20Poly1305
	KDF              int    // KDFNone or KDFArgon2id
	Passphrase       []byte // required when Cipher is set

	SoftLimit int // cache working-set target in bytes; default 8MiB
	HardLimit int // cache absolute cap in bytes; default 16MiB

	// NeverReuseFreed forbids reusing, within a single transaction, any
	// block freed in that same transaction. Freed space then becomes
	// available only after the next commit publishes.
	NeverReuseFreed bool

	Logger *zap.Logger // trace logging; default zap.NewNop()
}

// withDefaults fills in zero fields and validates what it can without
// the device set.
func (c Config) withDefaults() (Config, error) {
	if c.BlockSize == 0 {
		c.BlockSize = MinBlockSize
	}
	if c.RecordSize == 0 {
		c.RecordSize = 4096
	}
	if c.SoftLimit == 0 {
		c.SoftLimit = 8 << 20
	}
	if c.HardLimit == 0 {
		c.HardLimit = 16 << 20
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if !isPow2(c.BlockSize) || c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
		return c, ErrInvalidArgument
	}
	if !isPow2(c.RecordSize) || c.RecordSize < MinRecordSize || c.RecordSize > MaxRecordSize {
		return c, ErrInvalidArgument
	}
	switch c.Compression {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return c, ErrInvalidArgument
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 3 {
		return c, ErrInvalidArgument
	}
	if c.Cipher != CipherNone {
		if c.Cipher != CipherXChaCha20Poly1305 || len(c.Passphrase) == 0 {
			return c, ErrInvalidArgument
		}
		if c.KDF == KDFNone {
			c.KDF = KDFArgon2id
		}
	}
	if c.SoftLimit >= c.HardLimit {
		return c, ErrInvalidArgument
	}
	// The cache must be able to hold a full ancestor chain for the
	// object tree and the object table simultaneously, or admission
	// could wedge with everything pinned.
	if c.HardLimit < 32*c.RecordSize {
		return c, ErrInvalidArgument
	}
	return c, nil
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func log2u8(n int) uint8 {
	var s uint8
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}
