// Cache behaviour under memory pressure: the hard cap holds, eviction
// falls back to flushing dirty entries when the clean supply runs dry,
// and nothing written is lost when its cache entry is evicted and
// refetched mid-transaction.
package nros

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
)

// tightStore uses limits small enough that a few dozen leaves force
// eviction, while still holding the pinned ancestor chains.
func tightStore(t *testing.T) (*Store, *memDevice) {
	t.Helper()
	cfg := testConfig()
	cfg.SoftLimit = 40 * testRecordSize
	cfg.HardLimit = 64 * testRecordSize
	dev := newMemDevice("t0", testBlockSize, testBlocks)
	s, err := Create([][]Device{{dev}}, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dev
}

// TestCacheHardLimitHolds: write far more leaves than the cache can
// hold; usage must never exceed the hard cap and the data must survive
// the eviction-driven early flushes.
func TestCacheHardLimitHolds(t *testing.T) {
	s, dev := tightStore(t)
	id, _ := s.AllocateObject()

	rng := rand.New(rand.NewSource(3))
	const leaves = 200
	want := make([]byte, leaves*testRecordSize)
	rng.Read(want)

	for i := 0; i < leaves; i++ {
		if err := s.Write(id, int64(i*testRecordSize), want[i*testRecordSize:(i+1)*testRecordSize]); err != nil {
			t.Fatalf("Write leaf %d: %v", i, err)
		}
		if u := s.Stats().CacheUsage; u > s.cfg.HardLimit {
			t.Fatalf("cache usage %d exceeds hard limit %d", u, s.cfg.HardLimit)
		}
	}
	if s.Stats().Evictions == 0 && s.Stats().Flushes == 0 {
		t.Errorf("200 leaves through a 64-leaf cache caused no eviction or flush")
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2 := remount(t, s, []Device{dev})
	got, err := s2.Read(id, 0, len(want))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("data lost across eviction-driven flushes")
	}
}

// TestCacheShedsToSoft: after a burst the working set drains back under
// the soft target.
func TestCacheShedsToSoft(t *testing.T) {
	s, _ := tightStore(t)
	id, _ := s.AllocateObject()
	buf := bytes.Repeat([]byte{5}, testRecordSize)
	for i := 0; i < 100; i++ {
		if err := s.Write(id, int64(i*testRecordSize), buf); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if u := s.Stats().CacheUsage; u > s.cfg.SoftLimit {
		t.Errorf("usage %d above soft target %d after commit", u, s.cfg.SoftLimit)
	}
}

// TestMidTransactionEvictionConsistency: a leaf flushed early by
// pressure, then rewritten, must surface the second write after commit —
// the stale record the early flush produced is replaced, not resurrected.
func TestMidTransactionEvictionConsistency(t *testing.T) {
	s, dev := tightStore(t)
	id, _ := s.AllocateObject()

	first := bytes.Repeat([]byte{0x11}, testRecordSize)
	if err := s.Write(id, 0, first); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Push the first leaf out through pressure.
	filler := bytes.Repeat([]byte{0x22}, testRecordSize)
	for i := 1; i <= 100; i++ {
		if err := s.Write(id, int64(i*testRecordSize), filler); err != nil {
			t.Fatalf("filler write %d: %v", i, err)
		}
	}
	second := bytes.Repeat([]byte{0x33}, testRecordSize)
	if err := s.Write(id, 0, second); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	s2 := remount(t, s, []Device{dev})
	got, _ := s2.Read(id, 0, testRecordSize)
	if !bytes.Equal(got, second) {
		t.Errorf("leaf 0 lost its rewrite across mid-transaction flush")
	}
}

// TestConcurrentReaders: many goroutines reading disjoint and shared
// objects while the cache churns. The race detector is the real
// assertion here.
func TestConcurrentReaders(t *testing.T) {
	s, _ := tightStore(t)
	ids := make([]uint64, 8)
	for i := range ids {
		ids[i], _ = s.AllocateObject()
		s.Write(ids[i], 0, bytes.Repeat([]byte{byte(i + 1)}, 2*testRecordSize))
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for iter := 0; iter < 50; iter++ {
				id := ids[(g+iter)%len(ids)]
				got, err := s.Read(id, 0, 2*testRecordSize)
				if err != nil {
					t.Errorf("Read: %v", err)
					return
				}
				want := byte((g+iter)%len(ids) + 1)
				if got[0] != want || got[len(got)-1] != want {
					t.Errorf("torn read: got %d..%d, want %d", got[0], got[len(got)-1], want)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

// TestFetchCoalescing: a second reader of the same cold key waits for
// the in-flight fetch instead of starting its own; both see the data.
func TestFetchCoalescing(t *testing.T) {
	s, dev := newTestStore(t)
	id, _ := s.AllocateObject()
	s.Write(id, 0, []byte("shared"))
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s2 := remount(t, s, []Device{dev})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s2.Read(id, 0, 6)
			if err != nil || string(got) != "shared" {
				t.Errorf("Read = %q, %v", got, err)
			}
		}()
	}
	wg.Wait()
	if m := s2.Stats().Misses; m > 3 {
		t.Errorf("%d fetches for one leaf and its table path, want coalesced", m)
	}
}
