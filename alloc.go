// Free-space management.
//
// The allocator holds the free block set as an ordered tree of extents and
// persists it as an allocation log: a linked chain of records whose entries
// are {LBA, size, op} toggles. Replaying every entry under XOR yields the
// allocated set — an extent allocated once and freed once cancels out. The
// chain's own records never appear in the log; their space is implicit and
// self-marked during replay.
//
// Placement is first-fit on the lowest LBA, which keeps hot data packed at
// the front of the pool and makes allocation deterministic.
//
// Crash safety: blocks owned by the committed header are never reused
// before the next header publishes. Blocks both allocated and freed inside
// the same transaction were never reachable from disk and may be reused at
// once, unless the store is configured to never reuse within a transaction.
package nros

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/btree"
)

// allocEntrySize is the wire size of one log entry: LBA (8) and size (8)
// with the high bit of size flagging deallocation.
const allocEntrySize = 16

const deallocBit = uint64(1) << 63

type extent struct {
	lba    uint64
	blocks uint64
}

func (e extent) end() uint64 { return e.lba + e.blocks }

type allocEntry struct {
	lba     uint64
	size    uint64
	dealloc bool
}

type allocator struct {
	// mu guards allocate and free, which race between concurrent cache
	// flushes. The commit- and mount-time paths (flush, applyDeferred,
	// replay) run with no operation in flight: flush takes mu through
	// allocate and free, applyDeferred takes it directly, and replay does
	// not take it.
	mu sync.Mutex

	pool       []extent // data extents, header blocks excluded
	freeSet    *btree.BTreeG[extent]
	freeBlocks uint64

	pending  []allocEntry // log delta for the current transaction
	txAlloc  *roaring64.Bitmap
	deferred []extent // freed committed blocks, reusable after publish
	chain    []extent // extents of the on-disk log chain records

	neverReuse   bool
	diskLogBytes uint64
}

func newAllocator(pool []extent, neverReuse bool) *allocator {
	a := &allocator{
		pool:       pool,
		freeSet:    btree.NewG(16, func(x, y extent) bool { return x.lba < y.lba }),
		txAlloc:    roaring64.New(),
		neverReuse: neverReuse,
	}
	for _, e := range pool {
		a.freeSet.ReplaceOrInsert(e)
		a.freeBlocks += e.blocks
	}
	return a
}

// allocate reserves nblocks contiguous blocks. logged appends the
// allocation to the pending log; the allocation-log chain itself passes
// false because its space is implicit.
func (a *allocator) allocate(nblocks uint64, logged bool) (extent, error) {
	if nblocks == 0 {
		return extent{}, ErrInvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var found extent
	ok := false
	a.freeSet.Ascend(func(e extent) bool {
		if e.blocks >= nblocks {
			found = e
			ok = true
			return false
		}
		return true
	})
	if !ok {
		return extent{}, fmt.Errorf("%w: %d blocks", ErrOutOfSpace, nblocks)
	}

	a.freeSet.Delete(found)
	got := extent{lba: found.lba, blocks: nblocks}
	if rest := found.blocks - nblocks; rest > 0 {
		a.freeSet.ReplaceOrInsert(extent{lba: found.lba + nblocks, blocks: rest})
	}
	a.freeBlocks -= nblocks
	a.txAlloc.AddRange(got.lba, got.end())
	if logged {
		a.pending = append(a.pending, allocEntry{lba: got.lba, size: got.blocks})
	}
	return got, nil
}

// free releases an extent. logged appends a deallocation entry; the
// implicit log chain passes false. Whether the blocks become reusable now
// or after publish depends on whether the committed header can still
// reach them.
func (a *allocator) free(e extent, logged bool) {
	if e.blocks == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if logged {
		a.pending = append(a.pending, allocEntry{lba: e.lba, size: e.blocks, dealloc: true})
	}
	if !a.neverReuse && a.containsTxAlloc(e) {
		a.txAlloc.RemoveRange(e.lba, e.end())
		a.insertFree(e)
		return
	}
	a.deferred = append(a.deferred, e)
}

func (a *allocator) containsTxAlloc(e extent) bool {
	for lba := e.lba; lba < e.end(); lba++ {
		if !a.txAlloc.Contains(lba) {
			return false
		}
	}
	return true
}

// insertFree returns an extent to the free set, coalescing neighbours.
func (a *allocator) insertFree(e extent) {
	a.freeBlocks += e.blocks

	var pred, succ extent
	havePred, haveSucc := false, false
	a.freeSet.DescendLessOrEqual(extent{lba: e.lba}, func(x extent) bool {
		pred, havePred = x, true
		return false
	})
	a.freeSet.AscendGreaterOrEqual(extent{lba: e.lba}, func(x extent) bool {
		succ, haveSucc = x, true
		return false
	})
	if havePred && pred.end() == e.lba {
		a.freeSet.Delete(pred)
		e = extent{lba: pred.lba, blocks: pred.blocks + e.blocks}
	}
	if haveSucc && e.end() == succ.lba {
		a.freeSet.Delete(succ)
		e = extent{lba: e.lba, blocks: e.blocks + succ.blocks}
	}
	a.freeSet.ReplaceOrInsert(e)
}

// applyDeferred moves post-publish frees into the free set. Called by the
// commit engine after the new header is durable.
func (a *allocator) applyDeferred() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.deferred {
		a.insertFree(e)
	}
	a.deferred = nil
	a.txAlloc.Clear()
}

// isAllocated reports whether no part of e overlaps the free set. Used
// by mount to sanity-check that header-reachable roots own their blocks.
func (a *allocator) isAllocated(e extent) bool {
	ok := true
	a.freeSet.DescendLessOrEqual(extent{lba: e.end() - 1}, func(x extent) bool {
		if x.end() > e.lba {
			ok = false
		}
		return false
	})
	return ok
}

// poolBitmap materialises the data extents as a bitmap.
func (a *allocator) poolBitmap() *roaring64.Bitmap {
	bm := roaring64.New()
	for _, e := range a.pool {
		bm.AddRange(e.lba, e.end())
	}
	return bm
}

// allocatedSnapshot is the allocated set the next header will describe:
// pool minus free minus deferred. The log chain is excluded by
// construction since its blocks self-mark at replay.
func (a *allocator) allocatedSnapshot() *roaring64.Bitmap {
	bm := a.poolBitmap()
	a.freeSet.Ascend(func(e extent) bool {
		bm.RemoveRange(e.lba, e.end())
		return true
	})
	for _, e := range a.deferred {
		bm.RemoveRange(e.lba, e.end())
	}
	for _, e := range a.chain {
		bm.RemoveRange(e.lba, e.end())
	}
	return bm
}

// runs extracts maximal contiguous extents from a bitmap.
func runs(bm *roaring64.Bitmap) []extent {
	var out []extent
	it := bm.Iterator()
	var start, prev uint64
	started := false
	for it.HasNext() {
		v := it.Next()
		if !started {
			start, prev, started = v, v, true
			continue
		}
		if v == prev+1 {
			prev = v
			continue
		}
		out = append(out, extent{lba: start, blocks: prev - start + 1})
		start, prev = v, v
	}
	if started {
		out = append(out, extent{lba: start, blocks: prev - start + 1})
	}
	return out
}

// replay rebuilds the free set from the on-disk log chain. Each entry
// flips its range; the parity of occurrences gives allocation status.
func (a *allocator) replay(rs *recordStore, head RecordRef) error {
	xor := roaring64.New()
	chainBM := roaring64.New()
	var chain []extent
	var logBytes uint64

	ref := head
	for !ref.IsZero() {
		data, err := rs.read(ref)
		if err != nil {
			return err
		}
		if len(data) < RefSize || (len(data)-RefSize)%allocEntrySize != 0 {
			return fmt.Errorf("%w: malformed allocation log record", ErrIntegrity)
		}
		ce := extent{lba: ref.LBA, blocks: ref.blocks(rs.blockSize)}
		chain = append(chain, ce)
		chainBM.AddRange(ce.lba, ce.end())

		next := decodeRef(data[:RefSize])
		for off := RefSize; off < len(data); off += allocEntrySize {
			e := decodeAllocEntry(data[off:])
			if e.size == 0 {
				return fmt.Errorf("%w: zero-size allocation log entry", ErrIntegrity)
			}
			xor.Flip(e.lba, e.lba+e.size)
			logBytes += allocEntrySize
		}
		ref = next
	}

	// The chain's implicit space must never be double-booked by entries.
	if roaring64.And(xor, chainBM).GetCardinality() != 0 {
		return fmt.Errorf("%w: allocation log overlaps its own chain", ErrIntegrity)
	}
	alloc := roaring64.Or(xor, chainBM)
	poolBM := a.poolBitmap()
	outside := alloc.Clone()
	outside.AndNot(poolBM)
	if outside.GetCardinality() != 0 {
		return fmt.Errorf("%w: allocation log covers blocks outside the pool", ErrIntegrity)
	}

	freeBM := poolBM
	freeBM.AndNot(alloc)
	a.freeSet.Clear(false)
	a.freeBlocks = 0
	for _, e := range runs(freeBM) {
		a.freeSet.ReplaceOrInsert(e)
		a.freeBlocks += e.blocks
	}
	a.chain = chain
	a.diskLogBytes = logBytes
	return nil
}

// flush persists the pending log delta and returns the new chain head.
// When the on-disk log has grown past twice its minimal representation it
// is rewritten from scratch instead of appended to.
func (a *allocator) flush(rs *recordStore, head RecordRef) (RecordRef, error) {
	minimal := uint64(len(runs(a.allocatedSnapshot()))) * allocEntrySize
	pendingBytes := uint64(len(a.pending)) * allocEntrySize

	if a.diskLogBytes+pendingBytes > 2*minimal {
		return a.rewrite(rs)
	}
	if len(a.pending) == 0 {
		return head, nil
	}

	head, n, err := a.writeChain(rs, head, a.pending)
	if err != nil {
		return head, err
	}
	a.chain = append(a.chain, n...)
	a.diskLogBytes += pendingBytes
	a.pending = nil
	return head, nil
}

// rewrite replaces the whole chain with a fresh minimal snapshot. The old
// chain's blocks are committed state and go through the deferred-free
// path without log entries — the new snapshot subsumes them.
func (a *allocator) rewrite(rs *recordStore) (RecordRef, error) {
	old := a.chain
	a.chain = nil
	for _, e := range old {
		a.free(e, false)
	}

	allocated := runs(a.allocatedSnapshot())
	entries := make([]allocEntry, len(allocated))
	for i, e := range allocated {
		entries[i] = allocEntry{lba: e.lba, size: e.blocks}
	}

	head, chain, err := a.writeChain(rs, RecordRef{}, entries)
	if err != nil {
		return head, err
	}
	a.chain = chain
	a.diskLogBytes = uint64(len(entries)) * allocEntrySize
	a.pending = nil
	return head, nil
}

// writeChain packs entries into one or more chained records, oldest
// linked last, and returns the new head plus the extents written.
func (a *allocator) writeChain(rs *recordStore, head RecordRef, entries []allocEntry) (RecordRef, []extent, error) {
	perRecord := (rs.recordSize - RefSize) / allocEntrySize
	var written []extent
	for len(entries) > 0 {
		n := min(len(entries), perRecord)
		payload := make([]byte, RefSize+n*allocEntrySize)
		head.encode(payload[:RefSize])
		for i, e := range entries[:n] {
			e.encode(payload[RefSize+i*allocEntrySize:])
		}
		ref, err := rs.write(payload, CompressionNone, false)
		if err != nil {
			return head, written, err
		}
		written = append(written, extent{lba: ref.LBA, blocks: ref.blocks(rs.blockSize)})
		head = ref
		entries = entries[n:]
	}
	return head, written, nil
}

func (e allocEntry) encode(buf []byte) {
	putU64(buf[0:8], e.lba)
	s := e.size
	if e.dealloc {
		s |= deallocBit
	}
	putU64(buf[8:16], s)
}

func decodeAllocEntry(buf []byte) allocEntry {
	s := getU64(buf[8:16])
	return allocEntry{
		lba:     getU64(buf[0:8]),
		size:    s &^ deallocBit,
		dealloc: s&deallocBit != 0,
	}
}
