// Transaction commit.
//
// Commit is the only path that writes headers and the only caller of the
// allocator's log flush. The sequence is fixed: quiesce, release storage
// of dropped objects, drain every dirty cache entry bottom-up, flush
// queued mirror repairs, persist the allocation log, barrier, then publish
// the new header — first to every chain's start location, barrier, then to
// every end location, barrier. Only after the final barrier do blocks
// freed from the previous committed state become reusable.
//
// A crash before the first header write leaves the old header in force; a
// crash between the two header barriers is resolved at mount by taking
// the copy with the higher verifying generation.
package nros

import (
	"fmt"

	"go.uber.org/zap"
)

// commitLocked runs the publish sequence. The caller holds the store
// lock exclusively, so no operation is in flight.
func (s *Store) commitLocked() error {
	if s.poison != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, s.poison)
	}
	c := s.c

	c.mu.Lock()
	c.waitIdle()

	// Release the trees of objects whose reference count hit zero.
	for _, id := range s.pendingFree {
		ent, err := c.objectEntry(id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if ent.Refs != 0 {
			continue // id was recycled before this commit
		}
		if err := s.freeTree(id, ent); err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.putObjectEntry(id, RecordRef{}); err != nil {
			c.mu.Unlock()
			return err
		}
		s.freeIDs = append(s.freeIDs, id)
	}
	s.pendingFree = nil

	// Bottom-up flush until the cache is clean. Flushing a leaf dirties
	// its parent; the loop converges because depth is bounded and every
	// flush strictly reduces the dirty set at its own level.
	if err := c.flushAll(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	nrep, err := s.devs.flushRepairs()
	if err != nil {
		s.poisonWith(err)
		return err
	}
	s.stats.Repairs.Add(uint64(nrep))

	head, err := s.alloc.flush(s.rs, s.hdr.AllocLog)
	if err != nil {
		s.poisonWith(err)
		return err
	}

	if err := s.devs.barrier(); err != nil {
		s.poisonWith(err)
		return err
	}

	s.hdr.ObjectTable = s.otRoot
	s.hdr.AllocLog = head
	s.hdr.Generation++
	s.log.Debug("commit publishing",
		zap.Uint64("generation", s.hdr.Generation),
		zap.Uint64("freeBlocks", s.alloc.freeBlocks))

	if err := s.publishHeaders(); err != nil {
		s.poisonWith(err)
		return err
	}

	s.alloc.applyDeferred()
	s.stats.Commits.Add(1)

	c.mu.Lock()
	c.shed()
	c.mu.Unlock()
	return nil
}

// publishHeaders writes the current header to the start of every device
// on every chain, barriers, then to every end location, and barriers
// again. The split makes the generation comparison at mount sufficient
// for crash recovery: the start copies always reach durability first.
func (s *Store) publishHeaders() error {
	if err := s.writeHeaderCopies(false); err != nil {
		return err
	}
	if err := s.devs.barrier(); err != nil {
		return err
	}
	if err := s.writeHeaderCopies(true); err != nil {
		return err
	}
	return s.devs.barrier()
}

// writeHeaderCopies renders the per-device header variant and writes it
// to the start or end block of each device.
func (s *Store) writeHeaderCopies(end bool) error {
	for ci, chain := range s.devs.chains {
		for _, cd := range chain {
			h := *s.hdr
			h.MirrorCount = uint8(len(s.devs.chains))
			h.MirrorIndex = uint8(ci)
			h.TotalBlocks = s.devs.total
			h.LBAOffset = cd.offset
			h.LocalBlocks = cd.blocks
			buf := h.encode(s.devs.blockSize, s.headerKey)
			lba := cd.offset
			if end {
				lba = cd.offset + cd.blocks - 1
			}
			if err := s.devs.writeChain(ci, lba, buf); err != nil {
				return err
			}
		}
	}
	return nil
}
