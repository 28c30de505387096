// Filesystem header encoding.
//
// The header occupies one block and is duplicated at the first and last
// block of every device, on every chain. All integers are little-endian at
// fixed offsets. The hash field covers the whole block with the hash bytes
// zeroed; on encrypted stores everything from the per-device extent onward
// is XChaCha20-encrypted under the header key, hash included, so a wrong
// passphrase surfaces as a hash mismatch rather than garbage roots.
//
// Mount reads every copy and takes the one with the highest generation
// whose hash verifies; a crash mid-publish therefore resolves to either
// the old or the new state, never a blend.
package nros

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

var headerMagic = [16]byte{'N', 'R', 'O', 'S', ' ', 'o', 'b', 'j', 's', 't', 'o', 'r', 'e', 0, 0, 1}

const headerVersion = 1

// Fixed field offsets within the header block.
const (
	hdrOffMagic       = 0
	hdrOffVersion     = 16
	hdrOffBlockShift  = 18
	hdrOffRecordShift = 19
	hdrOffCompression = 20
	hdrOffCipher      = 21
	hdrOffKDF         = 22
	hdrOffMirrorCount = 23
	hdrOffMirrorIndex = 24
	hdrOffUID         = 32
	hdrOffKDFParams   = 48
	hdrOffExtent      = 72 // total blocks, LBA offset, local blocks
	hdrOffObjectTable = 96
	hdrOffAllocLog    = 128
	hdrOffGeneration  = 160
	hdrOffHash        = 168
	hdrOffOpaque      = 184

	// hdrEncryptFrom is the start of the encrypted span on cipher-enabled
	// stores. Everything before it must stay readable to derive the key.
	hdrEncryptFrom = 72
)

// header is the decoded filesystem header. The per-device extent fields
// are filled in per copy at write time; everything else is store-wide.
type header struct {
	BlockShift  uint8
	RecordShift uint8
	Compression uint8
	Cipher      uint8
	KDF         uint8
	MirrorCount uint8
	MirrorIndex uint8
	UID         [16]byte
	KDFParams   kdfParams
	TotalBlocks uint64
	LBAOffset   uint64
	LocalBlocks uint64
	ObjectTable RecordRef
	AllocLog    RecordRef
	Generation  uint64
	Opaque      []byte // blockSize-184 bytes, upper layer's region
}

func (h *header) blockSize() int  { return 1 << h.BlockShift }
func (h *header) recordSize() int { return 1 << h.RecordShift }

// encode renders the header into a block-sized buffer. headerKey encrypts
// the tail span when the store has a cipher configured.
func (h *header) encode(blockSize int, headerKey *[32]byte) []byte {
	buf := make([]byte, blockSize)
	copy(buf[hdrOffMagic:], headerMagic[:])
	binary.LittleEndian.PutUint16(buf[hdrOffVersion:], headerVersion)
	buf[hdrOffBlockShift] = h.BlockShift
	buf[hdrOffRecordShift] = h.RecordShift
	buf[hdrOffCompression] = h.Compression
	buf[hdrOffCipher] = h.Cipher
	buf[hdrOffKDF] = h.KDF
	buf[hdrOffMirrorCount] = h.MirrorCount
	buf[hdrOffMirrorIndex] = h.MirrorIndex
	copy(buf[hdrOffUID:], h.UID[:])
	h.KDFParams.encode(buf[hdrOffKDFParams:])
	binary.LittleEndian.PutUint64(buf[hdrOffExtent:], h.TotalBlocks)
	binary.LittleEndian.PutUint64(buf[hdrOffExtent+8:], h.LBAOffset)
	binary.LittleEndian.PutUint64(buf[hdrOffExtent+16:], h.LocalBlocks)
	h.ObjectTable.encode(buf[hdrOffObjectTable:])
	h.AllocLog.encode(buf[hdrOffAllocLog:])
	binary.LittleEndian.PutUint64(buf[hdrOffGeneration:], h.Generation)
	copy(buf[hdrOffOpaque:], h.Opaque)

	sum := tag128(buf) // hash bytes are still zero here
	copy(buf[hdrOffHash:], sum[:])

	if h.Cipher != CipherNone && headerKey != nil {
		headerCrypt(buf, h.UID, h.KDFParams, headerKey)
	}
	return buf
}

// decodeHeader parses and verifies one header copy. It returns
// ErrCorruptHeader when the block is not a header or its hash does not
// verify, and ErrBadPassphrase when the store is encrypted and no key was
// supplied.
func decodeHeader(buf []byte, headerKey *[32]byte) (*header, error) {
	if !bytes.Equal(buf[hdrOffMagic:hdrOffMagic+16], headerMagic[:]) {
		return nil, ErrCorruptHeader
	}
	if binary.LittleEndian.Uint16(buf[hdrOffVersion:]) != headerVersion {
		return nil, ErrCorruptHeader
	}

	h := &header{
		BlockShift:  buf[hdrOffBlockShift],
		RecordShift: buf[hdrOffRecordShift],
		Compression: buf[hdrOffCompression],
		Cipher:      buf[hdrOffCipher],
		KDF:         buf[hdrOffKDF],
		MirrorCount: buf[hdrOffMirrorCount],
		MirrorIndex: buf[hdrOffMirrorIndex],
	}
	copy(h.UID[:], buf[hdrOffUID:])
	h.KDFParams = decodeKDFParams(buf[hdrOffKDFParams:])

	if h.Cipher != CipherNone {
		if headerKey == nil {
			return nil, ErrBadPassphrase
		}
		buf = append([]byte(nil), buf...)
		headerCrypt(buf, h.UID, h.KDFParams, headerKey)
	}

	var sum [16]byte
	copy(sum[:], buf[hdrOffHash:])
	zeroed := append([]byte(nil), buf...)
	for i := 0; i < 16; i++ {
		zeroed[hdrOffHash+i] = 0
	}
	if tag128(zeroed) != sum {
		return nil, ErrCorruptHeader
	}

	h.TotalBlocks = binary.LittleEndian.Uint64(buf[hdrOffExtent:])
	h.LBAOffset = binary.LittleEndian.Uint64(buf[hdrOffExtent+8:])
	h.LocalBlocks = binary.LittleEndian.Uint64(buf[hdrOffExtent+16:])
	h.ObjectTable = decodeRef(buf[hdrOffObjectTable:])
	h.AllocLog = decodeRef(buf[hdrOffAllocLog:])
	h.Generation = binary.LittleEndian.Uint64(buf[hdrOffGeneration:])
	h.Opaque = append([]byte(nil), buf[hdrOffOpaque:]...)
	return h, nil
}

// headerCrypt XORs the encrypted span with the header keystream. The
// operation is its own inverse. The nonce ties the keystream to the store
// identity and the KDF salt, both of which sit in the plaintext span.
func headerCrypt(buf []byte, uid [16]byte, p kdfParams, key *[32]byte) {
	var nonce [chacha20.NonceSizeX]byte
	copy(nonce[:16], uid[:])
	copy(nonce[16:], p.Salt[:])
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		// Key and nonce sizes are fixed at compile time; this cannot
		// fail for well-formed inputs.
		panic(err)
	}
	span := buf[hdrEncryptFrom:]
	stream.XORKeyStream(span, span)
}
