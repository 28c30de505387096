// Record trees.
//
// One object's bytes form a tree of records: leaves are opaque slabs,
// interior nodes are packed arrays of child references, and a zero
// reference at any level stands for an all-zero subtree — sparseness
// falls out of the layout. Depth is derived from the logical length; a
// leaf-up depth numbering means growth stacks new interior nodes above
// the current root while every existing cache key stays valid.
//
// Writes touch leaves only, in the cache. Nothing is packed at write
// time; flushing a leaf installs its new reference in the resident
// parent, which becomes dirty in turn and bubbles the change upward
// lazily. All structural walks below (prune, free) run on explicit
// stacks, not recursion.
package nros

import (
	"fmt"
	"sort"
)

// maxTreeDepth bounds tree height. With the minimum record size the
// fan-out is 16, so eight levels address 2^32 leaves of 512 bytes (2^41
// bytes); larger geometries address more. Lengths beyond that are
// rejected with ErrTooLarge.
const maxTreeDepth = 8

// depthFor computes the tree depth implied by a logical length: enough
// levels that the leaves cover ceil(max(L,1)/R) records.
func depthFor(length uint64, recordSize int, fanout uint64) (uint8, error) {
	r := uint64(recordSize)
	leaves := (max(length, 1) + r - 1) / r
	var d uint8
	span := uint64(1)
	for span < leaves {
		if d >= maxTreeDepth {
			return 0, ErrTooLarge
		}
		span *= fanout
		d++
	}
	return d, nil
}

// leafSpan is the number of leaves one node at the given depth covers,
// saturating instead of overflowing.
func leafSpan(depth uint8, fanout uint64) uint64 {
	span := uint64(1)
	for i := uint8(0); i < depth; i++ {
		next := span * fanout
		if next/fanout != span {
			return ^uint64(0)
		}
		span = next
	}
	return span
}

// objectDepthLocked returns the tree depth of an object, preferring
// resident state. Callers on flush paths are guaranteed residency by the
// pin invariant; elsewhere a fetch is acceptable.
func (s *Store) objectDepthLocked(obj uint64) uint8 {
	if ent, ok := s.c.objectEntryResident(obj); ok {
		return ent.Depth
	}
	ent, err := s.c.objectEntry(obj)
	if err != nil {
		return 0
	}
	return ent.Depth
}

// treeRead copies n bytes at off out of an object. Bytes past the
// logical length and bytes under zero references read as zeros.
func (s *Store) treeRead(obj uint64, off uint64, n int) ([]byte, error) {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := c.objectEntry(obj)
	if err != nil {
		return nil, err
	}
	if ent.Refs == 0 {
		return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, obj)
	}

	out := make([]byte, n)
	r := uint64(s.rs.recordSize)
	total := ent.TotalLen
	for pos := off; pos < off+uint64(n); {
		if pos >= total {
			break // remainder stays zero
		}
		leaf := pos / r
		in := pos - leaf*r
		want := min(r-in, off+uint64(n)-pos)
		e, err := c.node(entryKey{obj: obj, depth: 0, index: leaf}, false)
		if err != nil {
			return nil, err
		}
		if e != nil {
			copy(out[pos-off:pos-off+want], e.data[in:in+want])
		}
		pos += want
	}
	return out, nil
}

// treeWrite stores p at off. Writing past the logical length extends it;
// writing into an all-zero subtree materialises the leaf lazily. Leaves
// are only dirtied here — packing happens at flush.
func (s *Store) treeWrite(obj uint64, off uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := c.objectEntry(obj)
	if err != nil {
		return err
	}
	if ent.Refs == 0 {
		return fmt.Errorf("%w: object %d", ErrObjectNotFound, obj)
	}
	if end := off + uint64(len(p)); end > ent.TotalLen {
		if ent, err = s.setObjectLength(obj, ent, end); err != nil {
			return err
		}
	}

	r := uint64(s.rs.recordSize)
	for pos := off; pos < off+uint64(len(p)); {
		leaf := pos / r
		in := pos - leaf*r
		want := min(r-in, off+uint64(len(p))-pos)
		e, err := c.node(entryKey{obj: obj, depth: 0, index: leaf}, true)
		if err != nil {
			return err
		}
		if err := c.markDirty(e); err != nil {
			return err
		}
		copy(e.data[in:in+want], p[pos-off:pos-off+want])
		pos += want
	}
	c.shed()
	return nil
}

// treeResize changes an object's logical length. Growth is sparse and
// may deepen the tree; shrinking prunes leaves that fall out of range
// and is refused when it would lower the depth of a tree that still has
// content.
func (s *Store) treeResize(obj uint64, newLen uint64) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, err := c.objectEntry(obj)
	if err != nil {
		return err
	}
	if ent.Refs == 0 {
		return fmt.Errorf("%w: object %d", ErrObjectNotFound, obj)
	}
	switch {
	case newLen == ent.TotalLen:
		return nil
	case newLen > ent.TotalLen:
		_, err := s.setObjectLength(obj, ent, newLen)
		return err
	}

	// Truncation to zero empties the tree entirely, after which the
	// depth may reset — there is no content left to forbid it for.
	if newLen == 0 {
		if err := s.freeTree(obj, ent); err != nil {
			return err
		}
		return c.putObjectEntry(obj, RecordRef{Refs: ent.Refs})
	}

	newDepth, err := depthFor(newLen, s.rs.recordSize, c.fanout())
	if err != nil {
		return err
	}
	// Refuse before touching anything: a depth-lowering shrink of a tree
	// with live content would need a re-rooting move that concurrent
	// readers cannot be protected from.
	if newDepth < ent.Depth && (!ent.IsZero() || s.hasCachedNodes(obj)) {
		return ErrDepthChange
	}
	if err := s.pruneBeyond(obj, ent, newLen); err != nil {
		return err
	}
	ent, err = c.objectEntry(obj)
	if err != nil {
		return err
	}
	ent.TotalLen = newLen
	if newDepth < ent.Depth {
		ent.Depth = newDepth
	}
	return c.putObjectEntry(obj, ent)
}

// setObjectLength grows an object's logical length, deepening the tree
// when the new length needs more levels. Returns the updated entry.
func (s *Store) setObjectLength(obj uint64, ent RecordRef, newLen uint64) (RecordRef, error) {
	c := s.c
	newDepth, err := depthFor(newLen, s.rs.recordSize, c.fanout())
	if err != nil {
		return ent, err
	}
	for d := ent.Depth + 1; d <= newDepth; d++ {
		prev := ent // current root reference, possibly zero
		prev.Refs = 0
		prev.TotalLen = 0

		// Bump the stored depth and clear the content fields first, so
		// reference resolution for the new top sees a zero subtree
		// rather than fetching the old root as interior data.
		ent.Depth = d
		ent.LBA, ent.PackedLen, ent.Compression, ent.Check = 0, 0, 0, 0
		if err := c.putObjectEntry(obj, ent); err != nil {
			return ent, err
		}

		top, err := c.node(entryKey{obj: obj, depth: d, index: 0}, true)
		if err != nil {
			return ent, err
		}
		if err := c.markDirty(top); err != nil {
			return ent, err
		}
		if !prev.IsZero() {
			prev.encode(top.data[:RefSize])
		}

		// The previous root's parent pin, if any, was held against the
		// object-table leaf; it now belongs on the new top, whose slot
		// the old root will rewrite when it flushes.
		if old := c.entries[entryKey{obj: obj, depth: d - 1, index: 0}]; old != nil {
			if old.parentPin {
				le := c.entries[entryKey{obj: objectTableID, depth: 0, index: obj / c.fanout()}]
				le.pins--
				top.pins++
			} else if old.dirty || old.pins > 0 {
				old.parentPin = true
				top.pins++
			}
		}
	}
	ent.TotalLen = newLen
	return ent, c.putObjectEntry(obj, ent)
}

// growObjectTable deepens and extends the object table. The table is
// commit-engine territory: depth growth is always permitted here.
func (s *Store) growObjectTable(newLen uint64) error {
	c := s.c
	newDepth, err := depthFor(newLen, s.rs.recordSize, c.fanout())
	if err != nil {
		return err
	}
	for d := s.otDepth + 1; d <= newDepth; d++ {
		prev := s.otRoot
		prev.Refs = 0
		prev.TotalLen = 0
		s.otRoot = RecordRef{}
		s.otDepth = d

		top, err := c.node(entryKey{obj: objectTableID, depth: d, index: 0}, true)
		if err != nil {
			return err
		}
		if err := c.markDirty(top); err != nil {
			return err
		}
		if !prev.IsZero() {
			prev.encode(top.data[:RefSize])
		}

		// The previous table root had no parent; if it is dirty or
		// pinned it now pins the new top, whose slot it rewrites when
		// it flushes.
		if old := c.entries[entryKey{obj: objectTableID, depth: d - 1, index: 0}]; old != nil &&
			(old.dirty || old.pins > 0) && !old.parentPin {
			old.parentPin = true
			top.pins++
		}
	}
	s.otLen = newLen
	return nil
}

func (s *Store) hasCachedNodes(obj uint64) bool {
	for k := range s.c.entries {
		if k.obj == obj {
			return true
		}
	}
	return false
}

// walkItem is one node in a structural walk: its position plus the
// reference currently naming its record (zero when it was never
// flushed or is a zero subtree).
type walkItem struct {
	depth uint8
	index uint64
	ref   RecordRef
}

// nodeSlots returns the child-reference array of a node, from cache if
// resident, else from disk. nil means the node has no materialised data.
func (s *Store) nodeSlots(obj uint64, it walkItem) ([]byte, error) {
	if e := s.c.entries[entryKey{obj: obj, depth: it.depth, index: it.index}]; e != nil && e.data != nil {
		return e.data, nil
	}
	if it.ref.IsZero() {
		return nil, nil
	}
	s.c.mu.Unlock()
	data, err := s.rs.read(it.ref)
	s.c.mu.Lock()
	return data, err
}

// freeTree releases every record reachable from an object's effective
// tree — resident nodes override disk, exactly as reads see it — then
// discards the object's cached nodes. Records that a dirty node replaced
// earlier in the transaction were already destroyed at that flush.
func (s *Store) freeTree(obj uint64, ent RecordRef) error {
	s.c.flushGate++
	defer func() { s.c.flushGate-- }()

	root := ent
	root.Refs = 0
	root.TotalLen = 0

	stack := []walkItem{{depth: ent.Depth, index: 0, ref: root}}
	fan := s.c.fanout()
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var slots []byte
		if it.depth > 0 {
			var err error
			slots, err = s.nodeSlots(obj, it)
			if err != nil {
				return err
			}
		}
		if !it.ref.IsZero() {
			s.rs.destroy(it.ref)
		}
		if slots == nil {
			continue
		}
		for slot := uint64(0); slot < fan; slot++ {
			cref := decodeRef(slots[slot*RefSize:])
			child := walkItem{depth: it.depth - 1, index: it.index*fan + slot, ref: cref}
			if cref.IsZero() {
				// A resident child may exist without a record yet.
				if s.c.entries[entryKey{obj: obj, depth: child.depth, index: child.index}] == nil {
					continue
				}
			}
			stack = append(stack, child)
		}
	}
	s.c.dropObject(obj)
	return nil
}

// pruneBeyond frees every record wholly past the new length and zeroes
// the straddling leaf's tail, so a later re-extension reads zeros.
func (s *Store) pruneBeyond(obj uint64, ent RecordRef, newLen uint64) error {
	c := s.c
	c.flushGate++
	defer func() { c.flushGate-- }()
	fan := c.fanout()
	r := uint64(s.rs.recordSize)
	newLeaves := (max(newLen, 1) + r - 1) / r

	// Detach subtrees past the boundary, parents first. Parents are
	// pulled through the cache: a disk-resident interior whose slots
	// must be cleared has to be materialised and dirtied, or the freed
	// references would survive on disk.
	type pruneItem struct {
		depth uint8
		index uint64
	}
	stack := []pruneItem{{depth: ent.Depth, index: 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.depth == 0 {
			continue
		}
		span := leafSpan(it.depth-1, fan)
		e, err := c.node(entryKey{obj: obj, depth: it.depth, index: it.index}, false)
		if err != nil {
			return err
		}
		if e == nil {
			continue // zero subtree, nothing past the boundary
		}
		// Dirty the node up front when any child is wholly beyond, so
		// it can neither be evicted nor leave the freed slots on disk.
		if (it.index*fan+fan-1)*span >= newLeaves {
			if err := c.markDirty(e); err != nil {
				return err
			}
		}
		for slot := uint64(0); slot < fan; slot++ {
			childIdx := it.index*fan + slot
			first := childIdx * span
			cref := decodeRef(e.data[slot*RefSize:])
			switch {
			case first >= newLeaves:
				cachedChild := c.entries[entryKey{obj: obj, depth: it.depth - 1, index: childIdx}] != nil
				if !cref.IsZero() || cachedChild {
					child := walkItem{depth: it.depth - 1, index: childIdx, ref: cref}
					if err := s.freeSubtree(obj, child); err != nil {
						return err
					}
					zeroSlot(e.data[slot*RefSize:])
				}
			case first+span > newLeaves:
				stack = append(stack, pruneItem{depth: it.depth - 1, index: childIdx})
			}
		}
	}

	// Zero the tail of the straddling leaf.
	if tail := newLen % r; tail != 0 || newLen == 0 {
		leaf := newLen / r
		e, err := c.node(entryKey{obj: obj, depth: 0, index: leaf}, false)
		if err != nil {
			return err
		}
		if e != nil {
			if err := c.markDirty(e); err != nil {
				return err
			}
			for i := tail; i < r; i++ {
				e.data[i] = 0
			}
		}
	}
	return nil
}

// freeSubtree releases one subtree (records and cached nodes).
func (s *Store) freeSubtree(obj uint64, top walkItem) error {
	fan := s.c.fanout()
	stack := []walkItem{top}
	var drops []entryKey
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		drops = append(drops, entryKey{obj: obj, depth: it.depth, index: it.index})

		var slots []byte
		if it.depth > 0 {
			var err error
			slots, err = s.nodeSlots(obj, it)
			if err != nil {
				return err
			}
		}
		if !it.ref.IsZero() {
			s.rs.destroy(it.ref)
		}
		if slots == nil {
			continue
		}
		for slot := uint64(0); slot < fan; slot++ {
			cref := decodeRef(slots[slot*RefSize:])
			child := walkItem{depth: it.depth - 1, index: it.index*fan + slot, ref: cref}
			if cref.IsZero() && s.c.entries[entryKey{obj: obj, depth: child.depth, index: child.index}] == nil {
				continue
			}
			stack = append(stack, child)
		}
	}
	// Leaves before parents so pins unwind.
	sort.Slice(drops, func(i, j int) bool { return drops[i].depth < drops[j].depth })
	for _, k := range drops {
		if e := s.c.entries[k]; e != nil {
			e.dirty = false
			s.c.drop(e)
		}
	}
	return nil
}

func zeroSlot(buf []byte) {
	for i := 0; i < RefSize; i++ {
		buf[i] = 0
	}
}
