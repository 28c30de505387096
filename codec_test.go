// Record codec tests: the compress → encrypt → tag pipeline and its
// failure modes. If unpack ever returns bytes that were not verified
// first, corruption on disk becomes silent corruption in the filesystem,
// so the tamper cases here are as load-bearing as the round trips.
package nros

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestCodec(t *testing.T, encrypted bool) *codec {
	t.Helper()
	var uid [16]byte
	copy(uid[:], "test-uid-0123456")
	var key []byte
	if encrypted {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("rand: %v", err)
		}
	}
	c, err := newCodec(1, uid, key)
	if err != nil {
		t.Fatalf("newCodec: %v", err)
	}
	return c
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, alg := range []int{CompressionNone, CompressionLZ4, CompressionZstd} {
		for _, encrypted := range []bool{false, true} {
			c := newTestCodec(t, encrypted)

			// Compressible payload: repeated text.
			plain := bytes.Repeat([]byte("object store records "), 100)
			payload, hdr, err := c.pack(plain, alg)
			if err != nil {
				t.Fatalf("pack(alg=%d, enc=%v): %v", alg, encrypted, err)
			}
			if int(hdr.UnpackedLen) != len(plain) {
				t.Errorf("unpacked length %d, want %d", hdr.UnpackedLen, len(plain))
			}
			out, err := c.unpack(payload, hdr)
			if err != nil {
				t.Fatalf("unpack(alg=%d, enc=%v): %v", alg, encrypted, err)
			}
			if !bytes.Equal(out, plain) {
				t.Errorf("round trip mismatch (alg=%d, enc=%v)", alg, encrypted)
			}
		}
	}
}

// TestPackIncompressibleFallsBack verifies that random (incompressible)
// input is stored with the identity algorithm rather than growing.
func TestPackIncompressibleFallsBack(t *testing.T) {
	c := newTestCodec(t, false)
	plain := make([]byte, 2048)
	rand.Read(plain)

	for _, alg := range []int{CompressionLZ4, CompressionZstd} {
		payload, hdr, err := c.pack(plain, alg)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		if hdr.Compression != CompressionNone {
			t.Errorf("alg %d: incompressible input kept algorithm %d", alg, hdr.Compression)
		}
		if len(payload) != len(plain) {
			t.Errorf("alg %d: payload grew to %d bytes", alg, len(payload))
		}
	}
}

// TestUnpackRejectsTamper flips one payload byte and expects corruption,
// never plaintext. This is the integrity guarantee the mirror-fallback
// read path relies on.
func TestUnpackRejectsTamper(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		c := newTestCodec(t, encrypted)
		plain := bytes.Repeat([]byte("verify before decode "), 50)
		payload, hdr, err := c.pack(plain, CompressionZstd)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		payload[len(payload)/2] ^= 0x40
		if _, err := c.unpack(payload, hdr); err == nil {
			t.Errorf("enc=%v: tampered payload unpacked without error", encrypted)
		}
	}
}

// TestUnpackRejectsWrongLength guards against a lying header.
func TestUnpackRejectsWrongLength(t *testing.T) {
	c := newTestCodec(t, false)
	payload, hdr, err := c.pack([]byte("short"), CompressionNone)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	hdr.PackedLen++
	if _, err := c.unpack(payload, hdr); err == nil {
		t.Errorf("length mismatch not rejected")
	}
}

// TestEncryptedNoncesDiffer: two packs of identical plaintext must not
// produce identical ciphertext, or records would leak equality.
func TestEncryptedNoncesDiffer(t *testing.T) {
	c := newTestCodec(t, true)
	plain := []byte("same content twice")
	p1, h1, _ := c.pack(plain, CompressionNone)
	p2, h2, _ := c.pack(plain, CompressionNone)
	if h1.Nonce == h2.Nonce {
		t.Fatalf("nonce reused across records")
	}
	if bytes.Equal(p1, p2) {
		t.Errorf("identical ciphertext for identical plaintext")
	}
}

// TestZeroLengthPayload: the zero record has a zero tag and unpacks to
// nothing without touching the cipher.
func TestZeroLengthPayload(t *testing.T) {
	c := newTestCodec(t, true)
	out, err := c.unpack(nil, recordHeader{})
	if err != nil {
		t.Fatalf("unpack(zero): %v", err)
	}
	if len(out) != 0 {
		t.Errorf("zero record unpacked to %d bytes", len(out))
	}
}

func TestRecordRefCodec(t *testing.T) {
	ref := RecordRef{
		LBA:         0x1122334455,
		PackedLen:   981,
		Compression: CompressionLZ4,
		Depth:       3,
		Refs:        7,
		Check:       0xdeadbeefcafe,
		TotalLen:    1 << 40,
	}
	var buf [RefSize]byte
	ref.encode(buf[:])
	if got := decodeRef(buf[:]); got != ref {
		t.Errorf("decode mismatch: %+v != %+v", got, ref)
	}
	if ref.IsZero() {
		t.Errorf("populated ref reported zero")
	}
	if !(RecordRef{Refs: 3, TotalLen: 99}).IsZero() {
		t.Errorf("zero-content ref with metadata must still be the zero record")
	}
}

func TestRefBlocks(t *testing.T) {
	cases := []struct {
		packed uint32
		want   uint64
	}{
		{0, 0},    // zero record occupies nothing
		{1, 1},    // header + 1 byte fits one block
		{460, 1},  // 52 + 460 = 512 exactly
		{461, 2},  // one byte over
		{4096, 9}, // worst case at the max record size
	}
	for _, tc := range cases {
		ref := RecordRef{PackedLen: tc.packed, LBA: 1}
		if got := ref.blocks(512); got != tc.want {
			t.Errorf("blocks(packed=%d) = %d, want %d", tc.packed, got, tc.want)
		}
	}
}

func TestKDFDeterminism(t *testing.T) {
	var uid [16]byte
	copy(uid[:], "uid-kdf-test-abc")
	p := kdfParams{Time: 1, Memory: 8 * 1024, Threads: 1, Salt: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}

	h1, d1, err := deriveKeys([]byte("passphrase"), uid, p)
	if err != nil {
		t.Fatalf("deriveKeys: %v", err)
	}
	h2, d2, _ := deriveKeys([]byte("passphrase"), uid, p)
	if h1 != h2 || d1 != d2 {
		t.Errorf("derivation not deterministic")
	}
	h3, d3, _ := deriveKeys([]byte("Passphrase"), uid, p)
	if h1 == h3 || d1 == d3 {
		t.Errorf("different passphrases derived equal keys")
	}
	if h1 == d1 {
		t.Errorf("header key equals data key")
	}
}
