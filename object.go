// Object table operations.
//
// The object table is itself a record tree whose leaves are packed arrays
// of 32-byte object entries indexed by object id. An entry is the object's
// root reference: its owner count doubles as the allocation marker
// (references == 0 means the id is free) and its total-length field holds
// the object's logical byte length.
//
// Free-id discovery is a lazy cursor walk over the table plus a small
// in-memory list of ids freed since mount; when neither yields a slot the
// table is extended by one entry.
package nros

import "fmt"

// allocateObject issues a fresh object id with a reference count of one.
func (s *Store) allocateObject() (uint64, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(s.freeIDs); n > 0 {
		id := s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		return id, c.putObjectEntry(id, RecordRef{Refs: 1})
	}

	// Lazy scan: the cursor only ever moves forward; ids freed behind it
	// surface through the free list instead.
	for s.scanPos*RefSize < s.otLen {
		id := s.scanPos
		s.scanPos++
		ent, err := c.objectEntry(id)
		if err != nil {
			return 0, err
		}
		if ent.Refs == 0 {
			return id, c.putObjectEntry(id, RecordRef{Refs: 1})
		}
	}

	id := s.otLen / RefSize
	if err := s.growObjectTable(s.otLen + RefSize); err != nil {
		return 0, err
	}
	s.scanPos = id + 1
	if err := c.putObjectEntry(id, RecordRef{Refs: 1}); err != nil {
		return 0, err
	}
	return id, nil
}

// liveEntry fetches an object entry and rejects free ids.
func (s *Store) liveEntry(id uint64) (RecordRef, error) {
	ent, err := s.c.objectEntry(id)
	if err != nil {
		return RecordRef{}, err
	}
	if ent.Refs == 0 {
		return RecordRef{}, fmt.Errorf("%w: object %d", ErrObjectNotFound, id)
	}
	return ent, nil
}

// increaseRefCount adds an owner to an object.
func (s *Store) increaseRefCount(id uint64) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	if ent.Refs == ^uint16(0) {
		return fmt.Errorf("%w: object %d", ErrRefOverflow, id)
	}
	ent.Refs++
	return c.putObjectEntry(id, ent)
}

// decreaseRefCount removes an owner. At zero the id becomes free
// immediately; the tree's storage is released by the commit that
// publishes the state.
func (s *Store) decreaseRefCount(id uint64) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	ent.Refs--
	if err := c.putObjectEntry(id, ent); err != nil {
		return err
	}
	if ent.Refs == 0 {
		s.pendingFree = append(s.pendingFree, id)
	}
	return nil
}

// objectRoot returns an object's entry: root reference, depth, owner
// count and logical length.
func (s *Store) objectRoot(id uint64) (RecordRef, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.liveEntry(id)
}

// setObjectRoot grafts a tree onto an object id, preserving the id's
// owner count. The previous cached view of the object is discarded; the
// caller owns the lifecycle of whatever tree the old root named.
func (s *Store) setObjectRoot(id uint64, ref RecordRef) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := s.liveEntry(id)
	if err != nil {
		return err
	}
	ref.Refs = ent.Refs
	c.dropObject(id)
	return c.putObjectEntry(id, ref)
}

// objectLen returns an object's logical length in bytes.
func (s *Store) objectLen(id uint64) (uint64, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := s.liveEntry(id)
	if err != nil {
		return 0, err
	}
	return ent.TotalLen, nil
}
