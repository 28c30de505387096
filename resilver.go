// Mirror resilvering.
//
// Resilver walks every record reachable from the committed header — the
// allocation log chain, the object table, and every live object tree —
// through the verifying read path. A chain whose copy fails verification
// gets a repair write queued by the device set; resilver then applies the
// queue and barriers, bringing lagging mirrors byte-identical without
// waiting for the next commit.
//
// The walk reads committed references only. Copy-on-write guarantees the
// committed tree stays intact on disk mid-transaction: blocks it owns are
// never reused before the next header publishes.
package nros

import "go.uber.org/zap"

// Resilver verifies every live record on every chain and repairs stale
// copies. The store is quiesced for the duration.
func (s *Store) Resilver() error {
	if err := s.blockExclusive(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	// Allocation log chain.
	ref := s.hdr.AllocLog
	for !ref.IsZero() {
		data, err := s.rs.read(ref)
		if err != nil {
			return err
		}
		if len(data) < RefSize {
			return ErrIntegrity
		}
		ref = decodeRef(data[:RefSize])
	}

	// Object table and every live object tree.
	if err := s.resilverTree(s.hdr.ObjectTable, true); err != nil {
		return err
	}

	n, err := s.devs.flushRepairs()
	if err != nil {
		s.poisonWith(err)
		return err
	}
	if n > 0 {
		if err := s.devs.barrier(); err != nil {
			return err
		}
	}
	s.stats.Repairs.Add(uint64(n))
	s.log.Debug("resilver complete", zap.Int("repairs", n))
	return nil
}

// resilverTree reads every record of one committed tree. With table set,
// depth-0 leaves are object-table leaves whose live entries are walked
// recursively as object trees.
func (s *Store) resilverTree(root RecordRef, table bool) error {
	type item struct {
		depth uint8
		ref   RecordRef
	}
	fan := uint64(s.rs.recordSize / RefSize)

	stack := []item{{depth: root.Depth, ref: root}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.ref.IsZero() {
			continue
		}
		data, err := s.rs.read(it.ref)
		if err != nil {
			return err
		}
		if it.depth > 0 {
			for slot := uint64(0); slot < fan && int(slot)*RefSize < len(data); slot++ {
				stack = append(stack, item{depth: it.depth - 1, ref: decodeRef(data[slot*RefSize:])})
			}
			continue
		}
		if table {
			for off := 0; off+RefSize <= len(data); off += RefSize {
				ent := decodeRef(data[off:])
				if ent.Refs == 0 {
					continue
				}
				if err := s.resilverTree(ent, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
