// Record packing: compress, then encrypt, then tag. The order is fixed and
// never reversed on the way in; unpack verifies the tag before any
// decryption or decompression and never reveals plaintext on failure.
//
// Encrypted stores use XChaCha20-Poly1305. The 192-bit nonce is the
// filesystem UID concatenated with a per-record random 64-bit value; both
// live in the record header, so unpack needs no external state beyond the
// data key. Unencrypted stores tag the packed payload with XXH3-128.
//
// Every record on disk is a 52-byte header followed by the packed payload,
// padded to the block boundary with zeros.
package nros

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// recordHeaderSize is the fixed on-disk header prepended to packed bytes:
// nonce (24) · packed length (4) · unpacked length (4) · compression (1) ·
// reserved (3) · tag (16).
const recordHeaderSize = 52

type recordHeader struct {
	Nonce       [24]byte
	PackedLen   uint32
	UnpackedLen uint32
	Compression uint8
	Tag         [16]byte
}

func (h *recordHeader) encode(buf []byte) {
	copy(buf[0:24], h.Nonce[:])
	binary.LittleEndian.PutUint32(buf[24:28], h.PackedLen)
	binary.LittleEndian.PutUint32(buf[28:32], h.UnpackedLen)
	buf[32] = h.Compression
	buf[33], buf[34], buf[35] = 0, 0, 0
	copy(buf[36:52], h.Tag[:])
}

func decodeRecordHeader(buf []byte) recordHeader {
	var h recordHeader
	copy(h.Nonce[:], buf[0:24])
	h.PackedLen = binary.LittleEndian.Uint32(buf[24:28])
	h.UnpackedLen = binary.LittleEndian.Uint32(buf[28:32])
	h.Compression = buf[32]
	copy(h.Tag[:], buf[36:52])
	return h
}

// codec packs and unpacks record payloads for one mounted store.
type codec struct {
	level int
	uid   [16]byte
	aead  cipher.AEAD // nil when the store is unencrypted
}

func newCodec(level int, uid [16]byte, dataKey []byte) (*codec, error) {
	c := &codec{level: level, uid: uid}
	if dataKey != nil {
		aead, err := chacha20poly1305.NewX(dataKey)
		if err != nil {
			return nil, err
		}
		c.aead = aead
	}
	return c, nil
}

// pack compresses, optionally encrypts, and tags plain. The returned
// payload excludes the header; the caller frames it with hdr.
func (c *codec) pack(plain []byte, alg int) (payload []byte, hdr recordHeader, err error) {
	packed, usedAlg, err := compress(plain, alg, c.level)
	if err != nil {
		return nil, hdr, err
	}
	hdr.UnpackedLen = uint32(len(plain))
	hdr.Compression = uint8(usedAlg)

	if c.aead == nil {
		// Copy when compression was the identity, so the payload does
		// not alias a live cache buffer.
		if usedAlg == CompressionNone {
			packed = append([]byte(nil), packed...)
		}
		hdr.PackedLen = uint32(len(packed))
		hdr.Tag = tag128(packed)
		return packed, hdr, nil
	}

	copy(hdr.Nonce[:16], c.uid[:])
	if _, err := rand.Read(hdr.Nonce[16:]); err != nil {
		return nil, hdr, err
	}
	sealed := c.aead.Seal(nil, hdr.Nonce[:], packed, nil)
	// Seal appends the 16-byte Poly1305 tag; split it into the header so
	// the payload length matches the compressed length.
	n := len(sealed) - 16
	copy(hdr.Tag[:], sealed[n:])
	payload = sealed[:n]
	hdr.PackedLen = uint32(len(payload))
	return payload, hdr, nil
}

// unpack verifies and decodes a payload. Verification comes first: the
// XXH3 tag is checked (or the AEAD authenticates) before any plaintext
// byte is produced.
func (c *codec) unpack(payload []byte, hdr recordHeader) ([]byte, error) {
	if uint32(len(payload)) != hdr.PackedLen {
		return nil, ErrCorruptData
	}
	if hdr.PackedLen == 0 {
		return nil, nil
	}

	var packed []byte
	if c.aead == nil {
		if tag128(payload) != hdr.Tag {
			return nil, ErrCorruptData
		}
		packed = payload
	} else {
		sealed := make([]byte, 0, len(payload)+16)
		sealed = append(sealed, payload...)
		sealed = append(sealed, hdr.Tag[:]...)
		var err error
		packed, err = c.aead.Open(nil, hdr.Nonce[:], sealed, nil)
		if err != nil {
			return nil, ErrCorruptData
		}
	}
	return decompress(packed, int(hdr.Compression), int(hdr.UnpackedLen))
}

// Key derivation.
//
// The passphrase is stretched with argon2id into a 32-byte master key; the
// header key and the data key are then expanded from the master with an
// XChaCha20 keystream so that neither key is ever stored on disk. The
// argon2 parameters and the 8-byte expansion salt live in the header's KDF
// parameter field, which stays outside the encrypted span.

type kdfParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	Salt    [8]byte
}

func defaultKDFParams() (kdfParams, error) {
	p := kdfParams{Time: 1, Memory: 64 * 1024, Threads: 4}
	if _, err := rand.Read(p.Salt[:]); err != nil {
		return p, err
	}
	return p, nil
}

func (p *kdfParams) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], p.Time)
	binary.LittleEndian.PutUint32(buf[4:8], p.Memory)
	buf[8] = p.Threads
	for i := 9; i < 16; i++ {
		buf[i] = 0
	}
	copy(buf[16:24], p.Salt[:])
}

func decodeKDFParams(buf []byte) kdfParams {
	var p kdfParams
	p.Time = binary.LittleEndian.Uint32(buf[0:4])
	p.Memory = binary.LittleEndian.Uint32(buf[4:8])
	p.Threads = buf[8]
	copy(p.Salt[:], buf[16:24])
	return p
}

// deriveKeys produces the header key and the data key from a passphrase.
func deriveKeys(passphrase []byte, uid [16]byte, p kdfParams) (headerKey, dataKey [32]byte, err error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return headerKey, dataKey, ErrIntegrity
	}
	master := argon2.IDKey(passphrase, uid[:], p.Time, p.Memory, p.Threads, 32)

	var nonce [chacha20.NonceSizeX]byte
	copy(nonce[:16], uid[:])
	copy(nonce[16:], p.Salt[:])
	stream, err := chacha20.NewUnauthenticatedCipher(master, nonce[:])
	if err != nil {
		return headerKey, dataKey, fmt.Errorf("kdf expand: %w", err)
	}
	var expanded [64]byte
	stream.XORKeyStream(expanded[:], expanded[:])
	copy(headerKey[:], expanded[:32])
	copy(dataKey[:], expanded[32:])
	return headerKey, dataKey, nil
}
