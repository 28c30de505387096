// Record references and the record store.
//
// A record reference is the 32-byte on-disk pointer to one packed record:
// where it lives, how long it is packed, how it was compressed, and an
// 8-byte content check. For tree roots the reference also carries the
// owner count and the total unpacked length of the tree — for an object
// table entry, TotalLen doubles as the object's logical byte length.
//
// The all-zero reference (PackedLen == 0) is the zero record: it occupies
// no blocks and unpacks to all-zero bytes of whatever extent it implies.
//
// The record store is the layer that turns byte slabs into placed records:
// pack, allocate contiguous blocks, write to every mirror chain — and the
// reverse on read, with verification before a single plaintext byte is
// surfaced.
package nros

import (
	"encoding/binary"
	"fmt"
)

// RefSize is the encoded size of a record reference.
const RefSize = 32

func putU64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }
func getU64(buf []byte) uint64    { return binary.LittleEndian.Uint64(buf) }

// RecordRef points to a packed record. The zero value is the zero record.
type RecordRef struct {
	LBA         uint64
	PackedLen   uint32
	Compression uint8
	Depth       uint8
	Refs        uint16 // owner count; meaningful on tree roots only
	Check       uint64 // first 8 bytes of the content tag
	TotalLen    uint64 // unpacked tree length; meaningful on tree roots only
}

// IsZero reports whether the reference denotes the zero record. Depth,
// Refs and TotalLen are deliberately excluded: an object entry can have an
// all-zero tree (sparse object) while carrying a live owner count and
// length.
func (r RecordRef) IsZero() bool {
	return r.PackedLen == 0
}

func (r RecordRef) encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.LBA)
	binary.LittleEndian.PutUint32(buf[8:12], r.PackedLen)
	buf[12] = r.Compression
	buf[13] = r.Depth
	binary.LittleEndian.PutUint16(buf[14:16], r.Refs)
	binary.LittleEndian.PutUint64(buf[16:24], r.Check)
	binary.LittleEndian.PutUint64(buf[24:32], r.TotalLen)
}

func decodeRef(buf []byte) RecordRef {
	return RecordRef{
		LBA:         binary.LittleEndian.Uint64(buf[0:8]),
		PackedLen:   binary.LittleEndian.Uint32(buf[8:12]),
		Compression: buf[12],
		Depth:       buf[13],
		Refs:        binary.LittleEndian.Uint16(buf[14:16]),
		Check:       binary.LittleEndian.Uint64(buf[16:24]),
		TotalLen:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// blocks returns the number of blocks the record occupies on disk.
func (r RecordRef) blocks(blockSize int) uint64 {
	if r.IsZero() {
		return 0
	}
	return (uint64(recordHeaderSize) + uint64(r.PackedLen) + uint64(blockSize) - 1) / uint64(blockSize)
}

// recordStore packs records into block ranges and back.
type recordStore struct {
	blockSize  int
	recordSize int // max unpacked record size
	devs       *deviceSet
	alloc      *allocator
	codec      *codec
}

// write packs plain and places it in freshly allocated blocks on every
// chain. logged selects whether the allocation is appended to the
// allocation log — the log chain's own records mark their space
// implicitly and must pass false.
func (rs *recordStore) write(plain []byte, alg int, logged bool) (RecordRef, error) {
	if len(plain) == 0 || allZero(plain) {
		return RecordRef{}, nil
	}
	if len(plain) > rs.recordSize {
		return RecordRef{}, fmt.Errorf("%w: record of %d bytes", ErrTooLarge, len(plain))
	}

	payload, hdr, err := rs.codec.pack(plain, alg)
	if err != nil {
		return RecordRef{}, err
	}

	n := recordHeaderSize + len(payload)
	nblocks := uint64((n + rs.blockSize - 1) / rs.blockSize)
	ext, err := rs.alloc.allocate(nblocks, logged)
	if err != nil {
		return RecordRef{}, err
	}

	raw := make([]byte, nblocks*uint64(rs.blockSize))
	hdr.encode(raw[:recordHeaderSize])
	copy(raw[recordHeaderSize:], payload)
	if err := rs.devs.write(ext.lba, raw); err != nil {
		rs.alloc.free(ext, logged)
		return RecordRef{}, err
	}

	return RecordRef{
		LBA:         ext.lba,
		PackedLen:   hdr.PackedLen,
		Compression: hdr.Compression,
		Check:       check64(hdr.Tag),
	}, nil
}

// read fetches, verifies, and unpacks the record behind ref. A damaged
// copy on one chain falls back to the next; success after a failure
// schedules a repair write for the bad chain.
func (rs *recordStore) read(ref RecordRef) ([]byte, error) {
	if ref.IsZero() {
		return nil, nil
	}
	nblocks := ref.blocks(rs.blockSize)

	var plain []byte
	err := rs.devs.readVerified(ref.LBA, nblocks, func(raw []byte) error {
		hdr := decodeRecordHeader(raw[:recordHeaderSize])
		if hdr.PackedLen != ref.PackedLen || check64(hdr.Tag) != ref.Check {
			return ErrCorruptData
		}
		payload := raw[recordHeaderSize : recordHeaderSize+int(hdr.PackedLen)]
		out, err := rs.codec.unpack(payload, hdr)
		if err != nil {
			return err
		}
		plain = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// destroy releases the record's blocks. The blocks become reusable only
// under the allocator's same-transaction rules; the on-disk bytes are
// untouched until something overwrites them.
func (rs *recordStore) destroy(ref RecordRef) {
	if ref.IsZero() {
		return
	}
	rs.alloc.free(extent{lba: ref.LBA, blocks: ref.blocks(rs.blockSize)}, true)
}

// modify replaces a record copy-on-write: the new bytes are placed in
// fresh blocks and the old blocks are scheduled for release, never
// overwritten in place. The old record survives a failed write.
func (rs *recordStore) modify(old RecordRef, plain []byte, alg int) (RecordRef, error) {
	ref, err := rs.write(plain, alg, true)
	if err != nil {
		return ref, err
	}
	rs.destroy(old)
	return ref, nil
}
