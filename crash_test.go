// Crash atomicity: every prefix of the writes a commit issues must
// remount to either the pre-commit or the post-commit state, with the
// boundary at the header publish. The journaling memory device records
// each write in order; the test replays prefixes onto a snapshot and
// mounts the result.
package nros

import (
	"bytes"
	"testing"
)

// TestCrashDuringCommit: cut the commit's write stream at every
// position and remount.
func TestCrashDuringCommit(t *testing.T) {
	dev := newMemDevice("c0", testBlockSize, testBlocks)
	s, err := Create([][]Device{{dev}}, testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id, _ := s.AllocateObject()
	pre := bytes.Repeat([]byte("before crash "), 700)
	s.Write(id, 0, pre)
	if err := s.Commit(); err != nil {
		t.Fatalf("baseline commit: %v", err)
	}

	// Snapshot the committed image, then journal the second commit.
	base := dev.snapshot()
	j := &journal{}
	dev.journal = j

	post := bytes.Repeat([]byte("after crash!! "), 900)
	s.Write(id, 0, post)
	if err := s.Resize(id, int64(len(post))); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	dev.journal = nil
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// headerAt marks the first journal position at which any
	// header block has been written.
	lastBlock := uint64(testBlocks - 1)
	headerAt := len(j.entries)
	for i, e := range j.entries {
		if !e.barrier && (e.lba == 0 || e.lba == lastBlock) {
			headerAt = i
			break
		}
	}
	if headerAt == len(j.entries) {
		t.Fatalf("commit journal contains no header write")
	}

	for cut := 0; cut <= len(j.entries); cut++ {
		d := j.replayOnto("c0", base, testBlockSize, cut)
		m, err := Mount([][]Device{{d}}, testConfig())
		if err != nil {
			t.Fatalf("cut %d: Mount: %v", cut, err)
		}

		n, err := m.ObjectLen(id)
		if err != nil {
			t.Fatalf("cut %d: ObjectLen: %v", cut, err)
		}
		var want []byte
		switch n {
		case int64(len(pre)):
			want = pre
		case int64(len(post)):
			want = post
		default:
			t.Fatalf("cut %d: length %d is neither pre (%d) nor post (%d)",
				cut, n, len(pre), len(post))
		}
		got, err := m.Read(id, 0, len(want))
		if err != nil {
			t.Fatalf("cut %d: Read: %v", cut, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("cut %d: state is a blend of pre and post", cut)
		}

		// Before any header write only the old state is reachable;
		// after the full journal only the new one is.
		if cut <= headerAt && !bytes.Equal(got, pre) {
			t.Fatalf("cut %d: new state visible before any header write", cut)
		}
		if cut == len(j.entries) && !bytes.Equal(got, post) {
			t.Fatalf("full journal did not yield the post state")
		}
		m.Close()
	}
}

// TestCrashBeforeCommitLosesNothingCommitted: uncommitted writes vanish
// on remount; committed state is untouched.
func TestCrashBeforeCommitLosesNothingCommitted(t *testing.T) {
	dev := newMemDevice("c1", testBlockSize, testBlocks)
	s, err := Create([][]Device{{dev}}, testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id, _ := s.AllocateObject()
	s.Write(id, 0, []byte("durable"))
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	base := dev.snapshot()

	// Uncommitted churn, then "crash" by mounting the old image.
	s.Write(id, 0, []byte("VOLATILE"))
	id2, _ := s.AllocateObject()
	s.Write(id2, 0, []byte("also volatile"))
	s.Close()

	d := &memDevice{name: "c1", blockSize: testBlockSize, data: base}
	m, err := Mount([][]Device{{d}}, testConfig())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer m.Close()

	got, err := m.Read(id, 0, 7)
	if err != nil || string(got) != "durable" {
		t.Fatalf("committed state damaged: %q, %v", got, err)
	}
	if _, err := m.Read(id2, 0, 1); err == nil {
		t.Errorf("uncommitted object survived the crash")
	}
	free := m.Stats().FreeBlocks
	if err := m.Commit(); err != nil {
		t.Fatalf("Commit after crash: %v", err)
	}
	// No orphan blocks: the crash leaked nothing into the free map.
	if m.Stats().FreeBlocks < free {
		t.Errorf("free count shrank across an empty commit: %d -> %d", free, m.Stats().FreeBlocks)
	}
}
