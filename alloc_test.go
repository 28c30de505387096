// Allocator unit tests: placement policy, coalescing, same-transaction
// reuse rules, and the run extraction that backs log replay and rewrite.
// Log persistence itself is exercised end-to-end in the store tests.
package nros

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

func newTestAllocator(blocks uint64, neverReuse bool) *allocator {
	return newAllocator([]extent{{lba: 1, blocks: blocks}}, neverReuse)
}

// TestAllocateFirstFitLowestLBA: placement is deterministic, lowest
// address first, which the crash and replay tests depend on.
func TestAllocateFirstFitLowestLBA(t *testing.T) {
	a := newTestAllocator(100, false)

	e1, err := a.allocate(10, true)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if e1.lba != 1 {
		t.Errorf("first allocation at %d, want 1", e1.lba)
	}
	e2, _ := a.allocate(5, true)
	if e2.lba != 11 {
		t.Errorf("second allocation at %d, want 11", e2.lba)
	}

	// Free the first extent and publish; the next fitting request must
	// take the hole.
	a.applyDeferred() // simulate a commit boundary
	a.free(e1, true)
	a.applyDeferred() // publish: the committed blocks become reusable
	e3, _ := a.allocate(10, true)
	if e3.lba != 1 {
		t.Errorf("reuse allocation at %d, want 1", e3.lba)
	}
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := newTestAllocator(8, false)
	if _, err := a.allocate(9, true); err == nil {
		t.Fatalf("oversized allocation succeeded")
	}
	if _, err := a.allocate(8, true); err != nil {
		t.Fatalf("exact-fit allocation failed: %v", err)
	}
	if _, err := a.allocate(1, true); err == nil {
		t.Errorf("allocation from empty pool succeeded")
	}
}

// TestSameTransactionReuse: blocks allocated and freed inside one
// transaction were never reachable from disk, so they are reusable at
// once — unless the store is configured to never reuse.
func TestSameTransactionReuse(t *testing.T) {
	a := newTestAllocator(100, false)
	e, _ := a.allocate(10, true)
	a.free(e, true)
	e2, _ := a.allocate(10, true)
	if e2.lba != e.lba {
		t.Errorf("same-transaction blocks not reused: got %d, want %d", e2.lba, e.lba)
	}

	never := newTestAllocator(100, true)
	e, _ = never.allocate(10, true)
	never.free(e, true)
	e2, _ = never.allocate(10, true)
	if e2.lba == e.lba {
		t.Errorf("never-reuse store handed back same-transaction blocks")
	}
	never.applyDeferred()
	e3, _ := never.allocate(10, true)
	if e3.lba != 1 {
		t.Errorf("deferred blocks not reusable after publish: got %d", e3.lba)
	}
}

// TestCommittedBlocksDeferred: blocks owned by the committed state must
// not be reused before the next publish, or a crash would find them
// overwritten.
func TestCommittedBlocksDeferred(t *testing.T) {
	a := newTestAllocator(20, false)
	e, _ := a.allocate(10, true)
	a.applyDeferred() // commit boundary: e now belongs to the committed state

	a.free(e, true)
	e2, err := a.allocate(15, true)
	if err == nil && e2.lba < e.end() && e.lba < e2.end() {
		t.Fatalf("committed blocks reused before publish")
	}
	a.applyDeferred()
	if _, err := a.allocate(15, true); err != nil {
		t.Errorf("blocks still unavailable after publish: %v", err)
	}
}

func TestInsertFreeCoalesces(t *testing.T) {
	a := newTestAllocator(100, false)
	e1, _ := a.allocate(10, true)
	e2, _ := a.allocate(10, true)
	e3, _ := a.allocate(10, true)
	a.applyDeferred()

	// Free left and right neighbours, then the middle: the free set
	// must collapse back into a single run.
	a.free(e1, true)
	a.free(e3, true)
	a.free(e2, true)
	a.applyDeferred()

	free := runs(func() *roaring64.Bitmap {
		bm := a.poolBitmap()
		snap := a.allocatedSnapshot()
		bm.AndNot(snap)
		return bm
	}())
	if len(free) != 1 {
		t.Errorf("free set has %d runs, want 1: %v", len(free), free)
	}
	if a.freeSet.Len() != 1 {
		t.Errorf("free tree holds %d extents, want 1", a.freeSet.Len())
	}
}

func TestRuns(t *testing.T) {
	bm := roaring64.New()
	bm.AddRange(5, 8)
	bm.Add(10)
	bm.AddRange(12, 20)
	got := runs(bm)
	want := []extent{{5, 3}, {10, 1}, {12, 8}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("run %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAllocEntryCodec(t *testing.T) {
	var buf [allocEntrySize]byte
	e := allocEntry{lba: 12345, size: 678, dealloc: true}
	e.encode(buf[:])
	if got := decodeAllocEntry(buf[:]); got != e {
		t.Errorf("decode mismatch: %+v != %+v", got, e)
	}
	e = allocEntry{lba: 1, size: 1}
	e.encode(buf[:])
	if got := decodeAllocEntry(buf[:]); got.dealloc {
		t.Errorf("allocation decoded as deallocation")
	}
}
