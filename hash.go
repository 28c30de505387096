// Content hashing for records and headers.
//
// Unencrypted records are tagged with XXH3-128 over the packed payload;
// encrypted records carry the Poly1305 tag produced by the AEAD instead.
// Either way the record reference embeds the first 8 tag bytes as a cheap
// check that lets mirror fallback reject a damaged copy without decrypting.
package nros

import "github.com/zeebo/xxh3"

// tag128 computes the XXH3-128 tag of a packed payload.
func tag128(data []byte) [16]byte {
	return xxh3.Hash128(data).Bytes()
}

// check64 extracts the 8-byte reference check from a full tag.
func check64(tag [16]byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(tag[i]) << (8 * i)
	}
	return v
}

// allZero reports whether every byte of b is zero. Used for leaf
// sparsification: a record whose unpacked content is all zeros is stored
// as the zero reference instead of being packed.
func allZero(b []byte) bool {
	for len(b) >= 8 {
		if b[0]|b[1]|b[2]|b[3]|b[4]|b[5]|b[6]|b[7] != 0 {
			return false
		}
		b = b[8:]
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
