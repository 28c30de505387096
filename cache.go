// Cache and memory manager for decoded records.
//
// Every decoded record lives here as an entry keyed by (object, depth,
// index). Depth counts from the leaves up, so growing a tree adds levels
// above without renaming anything. The object table participates under a
// reserved object id; its leaves hold the object entries, which makes the
// parent of an object's root-level node the object-table leaf that stores
// its entry — one uniform bubble-up path from any leaf to the header.
//
// States: an entry is absent, busy (fetching or flushing), present-clean,
// or present-dirty. Any access to a busy entry waits on the cache
// condition variable. Admission reserves the maximum record size per
// entry; above the hard limit admission evicts or blocks, above the soft
// limit clean LRU entries are shed and, failing that, the oldest dirty
// entry is flushed.
//
// Pinning is the residency invariant that keeps flushing allocation-free:
// the moment an entry becomes dirty, its whole ancestor chain (up to and
// including the object-table leaf holding its object's entry) is
// materialised and pinned. Flushing therefore never fetches — the parent
// slot it must rewrite is already in memory. Pins release as dirt drains
// upward. Only unpinned entries are flushed, so a parent is never flushed
// while a descendant is dirty; commit drains everything bottom-up before
// publishing.
package nros

import (
	"container/list"
	"fmt"
	"sort"
	"sync"
)

// objectTableID is the reserved in-cache object id of the object table.
const objectTableID = ^uint64(0)

type entryKey struct {
	obj   uint64
	depth uint8
	index uint64
}

type entry struct {
	key       entryKey
	data      []byte // recordSize bytes, decoded
	busy      bool   // fetching or flushing; waiters queue on the cond
	dirty     bool
	pins      int  // resident dirty-or-pinned children
	parentPin bool // this entry holds a pin on its parent
	elem      *list.Element
}

type cache struct {
	st *Store

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[entryKey]*entry
	lru     *list.List // front = most recently used
	usage   int
	soft    int
	hard    int

	// flushGate suspends eviction-driven flushes while a structural walk
	// (prune, free) holds references into the tree. Flushing mid-walk
	// would replace the very references the walk is about to release.
	flushGate int
}

func newCache(st *Store, soft, hard int) *cache {
	c := &cache{
		st:      st,
		entries: make(map[entryKey]*entry),
		lru:     list.New(),
		soft:    soft,
		hard:    hard,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// fanout is the child count of one interior record.
func (c *cache) fanout() uint64 {
	return uint64(c.st.rs.recordSize / RefSize)
}

// parentKey maps an entry to its parent in the bubble-up chain. The
// object table's top node has no parent (its reference lives in the
// header); everything else has one.
func (c *cache) parentKey(k entryKey) (entryKey, bool) {
	if k.obj == objectTableID {
		if k.depth >= c.st.otDepth {
			return entryKey{}, false
		}
		return entryKey{obj: objectTableID, depth: k.depth + 1, index: k.index / c.fanout()}, true
	}
	rootDepth := c.st.objectDepthLocked(k.obj)
	if k.depth >= rootDepth {
		epl := c.fanout() // entries per object-table leaf
		return entryKey{obj: objectTableID, depth: 0, index: k.obj / epl}, true
	}
	return entryKey{obj: k.obj, depth: k.depth + 1, index: k.index / c.fanout()}, true
}

// touch marks an entry most recently used.
func (c *cache) touch(e *entry) {
	c.lru.MoveToFront(e.elem)
}

// admit reserves n bytes, evicting or flushing until the hard limit
// holds. When no entry can be evicted, flushed or waited for, the
// reservation is granted anyway and usage exceeds the hard limit. May
// release the lock while flushing or waiting.
func (c *cache) admit(n int) {
	for c.usage+n > c.hard {
		if !c.evictOne(true) {
			break
		}
	}
	c.usage += n
}

// shed brings usage back toward the soft target. Unlike admit it never
// blocks on the cond: if nothing can be evicted or flushed right now, it
// gives up until the next operation.
func (c *cache) shed() {
	for c.usage > c.soft {
		if !c.evictOne(false) {
			break
		}
	}
}

// evictOne frees or cleans one entry: clean unpinned LRU victim first,
// then the oldest dirty unpinned entry (flushed, which may dirty its
// parent), then — when wait is set — a block on the cond until some busy
// entry settles. Returns false when no progress is possible.
func (c *cache) evictOne(wait bool) bool {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if !e.busy && !e.dirty && e.pins == 0 {
			c.drop(e)
			c.st.stats.Evictions.Add(1)
			return true
		}
	}
	if c.flushGate == 0 {
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			if !e.busy && e.dirty && e.pins == 0 {
				if err := c.flushEntry(e); err != nil {
					// The entry went error-tagged busy to none; the
					// transaction is poisoned. Progress was made.
					return true
				}
				return true
			}
		}
	}
	if wait {
		for _, e := range c.entries {
			if e.busy {
				c.cond.Wait()
				return true
			}
		}
	}
	return false
}

// drop removes a clean, unpinned, idle entry.
func (c *cache) drop(e *entry) {
	c.releasePin(e)
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.usage -= c.st.rs.recordSize
	c.cond.Broadcast()
}

// insert creates a resident entry around data (recordSize bytes).
// Admission must have been performed by the caller.
func (c *cache) insert(k entryKey, data []byte, busy bool) *entry {
	e := &entry{key: k, data: data, busy: busy}
	e.elem = c.lru.PushFront(e)
	c.entries[k] = e
	return e
}

// node returns the resident entry for a key, fetching it from disk when a
// record exists, or — with create set — materialising a zero buffer when
// the subtree is missing. Returns (nil, nil) for a zero subtree when
// create is false. Called and returns with the lock held; may release it
// for I/O and admission.
func (c *cache) node(k entryKey, create bool) (*entry, error) {
	for {
		if e := c.entries[k]; e != nil {
			if e.busy {
				c.cond.Wait()
				continue
			}
			c.touch(e)
			c.st.stats.Hits.Add(1)
			return e, nil
		}

		ref, err := c.refForKey(k)
		if err != nil {
			return nil, err
		}
		if c.entries[k] != nil {
			// Someone raced us while refForKey released the lock.
			continue
		}

		if ref.IsZero() {
			if !create {
				return nil, nil
			}
			c.admit(c.st.rs.recordSize)
			if c.entries[k] != nil {
				c.usage -= c.st.rs.recordSize
				continue
			}
			return c.insert(k, make([]byte, c.st.rs.recordSize), false), nil
		}

		c.admit(c.st.rs.recordSize)
		if c.entries[k] != nil {
			c.usage -= c.st.rs.recordSize
			continue
		}
		c.st.stats.Misses.Add(1)
		e := c.insert(k, nil, true)

		c.mu.Unlock()
		data, ferr := c.st.rs.read(ref)
		c.mu.Lock()

		if ferr != nil {
			// Error-tagged: busy → none; waiters observe the miss.
			c.lru.Remove(e.elem)
			delete(c.entries, k)
			c.usage -= c.st.rs.recordSize
			c.st.poisonWith(ferr)
			c.cond.Broadcast()
			return nil, ferr
		}
		buf := make([]byte, c.st.rs.recordSize)
		copy(buf, data)
		e.data = buf
		e.busy = false
		c.cond.Broadcast()
		return e, nil
	}
}

// refForKey resolves the current record reference for a key: the header
// for the object-table top, the object entry for an object's root level,
// or the slot in the resident or on-disk parent otherwise. May release
// the lock to fetch ancestors.
func (c *cache) refForKey(k entryKey) (RecordRef, error) {
	if k.obj == objectTableID {
		if k.depth == c.st.otDepth {
			return c.st.otRoot, nil
		}
		if k.depth > c.st.otDepth {
			return RecordRef{}, fmt.Errorf("%w: node above object table root", ErrIntegrity)
		}
	} else {
		ent, err := c.objectEntry(k.obj)
		if err != nil {
			return RecordRef{}, err
		}
		if k.depth == ent.Depth {
			if k.index != 0 {
				return RecordRef{}, nil
			}
			return ent, nil
		}
		if k.depth > ent.Depth {
			return RecordRef{}, fmt.Errorf("%w: node above object root", ErrIntegrity)
		}
	}

	pk, _ := c.parentKey(k)
	p, err := c.node(pk, false)
	if err != nil {
		return RecordRef{}, err
	}
	if p == nil {
		return RecordRef{}, nil
	}
	slot := int(k.index % c.fanout())
	return decodeRef(p.data[slot*RefSize:]), nil
}

// objectEntry reads an object's 32-byte entry from the object table.
// A missing leaf means the entry is zero (free object).
func (c *cache) objectEntry(obj uint64) (RecordRef, error) {
	epl := c.fanout()
	if obj*RefSize >= c.st.otLen {
		return RecordRef{}, nil
	}
	le, err := c.node(entryKey{obj: objectTableID, depth: 0, index: obj / epl}, false)
	if err != nil {
		return RecordRef{}, err
	}
	if le == nil {
		return RecordRef{}, nil
	}
	return decodeRef(le.data[(obj%epl)*RefSize:]), nil
}

// putObjectEntry rewrites an object's entry and dirties the hosting
// object-table leaf. The leaf is materialised if needed.
func (c *cache) putObjectEntry(obj uint64, ent RecordRef) error {
	epl := c.fanout()
	le, err := c.node(entryKey{obj: objectTableID, depth: 0, index: obj / epl}, true)
	if err != nil {
		return err
	}
	if err := c.markDirty(le); err != nil {
		return err
	}
	ent.encode(le.data[(obj%epl)*RefSize:])
	return nil
}

// markDirty transitions an entry to present-dirty, first materialising
// and pinning its ancestor chain so a later flush needs no admission. The
// entry is held busy across the (lock-releasing) pinning so it can
// neither be evicted nor flushed half-marked.
func (c *cache) markDirty(e *entry) error {
	if e.dirty {
		return nil
	}
	e.busy = true
	err := c.pinParent(e)
	e.busy = false
	if err != nil {
		c.cond.Broadcast()
		return err
	}
	e.dirty = true
	c.cond.Broadcast()
	return nil
}

// pinParent materialises the parent chain and takes a pin on it on
// behalf of e. Recursion is bounded by the two tree heights.
func (c *cache) pinParent(e *entry) error {
	if e.parentPin {
		return nil
	}
	pk, ok := c.parentKey(e.key)
	if !ok {
		return nil
	}
	p, err := c.node(pk, true)
	if err != nil {
		return err
	}
	p.pins++
	e.parentPin = true
	if p.pins == 1 && !p.dirty {
		if err := c.pinParent(p); err != nil {
			return err
		}
	}
	return nil
}

// releasePin drops e's pin on its parent once e is clean and unpinned,
// cascading upward.
func (c *cache) releasePin(e *entry) {
	if !e.parentPin || e.dirty || e.pins > 0 {
		return
	}
	e.parentPin = false
	pk, _ := c.parentKey(e.key)
	p := c.entries[pk]
	if p == nil {
		return
	}
	p.pins--
	if p.pins == 0 && !p.dirty {
		c.releasePin(p)
	}
}

// logicalLen is the unpacked length an entry packs to: interior nodes and
// non-last leaves fill the whole record, the last leaf holds the tail.
func (c *cache) logicalLen(e *entry) int {
	r := uint64(c.st.rs.recordSize)
	if e.key.depth > 0 {
		return int(r)
	}
	var total uint64
	if e.key.obj == objectTableID {
		total = c.st.otLen
	} else {
		ent, _ := c.objectEntryResident(e.key.obj)
		total = ent.TotalLen
	}
	start := e.key.index * r
	if start >= total {
		return 0
	}
	if total-start < r {
		return int(total - start)
	}
	return int(r)
}

// objectEntryResident reads an object entry without any I/O. Valid only
// when the hosting leaf is pinned resident, which the dirty-chain
// invariant guarantees on every flush path.
func (c *cache) objectEntryResident(obj uint64) (RecordRef, bool) {
	epl := c.fanout()
	le := c.entries[entryKey{obj: objectTableID, depth: 0, index: obj / epl}]
	if le == nil || le.data == nil {
		return RecordRef{}, false
	}
	return decodeRef(le.data[(obj%epl)*RefSize:]), true
}

// flushEntry packs a dirty entry, writes the new record, frees the old
// one, and applies the new reference to the resident parent — which
// becomes dirty in turn. The entry must be dirty, unpinned, and idle.
// An all-zero payload sparsifies to the zero reference instead of a
// record. On error the entry is dropped and the store poisoned.
func (c *cache) flushEntry(e *entry) error {
	e.busy = true
	n := c.logicalLen(e)
	payload := e.data[:n]

	oldRef, refErr := c.currentRefResident(e.key)

	var newRef RecordRef
	var err error
	switch {
	case refErr != nil:
		err = refErr
	case n > 0 && !allZero(payload):
		c.mu.Unlock()
		newRef, err = c.st.rs.modify(oldRef, payload, int(c.st.hdr.Compression))
		c.mu.Lock()
	default:
		// Sparsified: the content became all zeros, so the slot gets
		// the zero reference and the old record just goes away.
		c.st.rs.destroy(oldRef)
	}
	if err != nil {
		c.st.poisonWith(err)
		e.busy = false
		e.dirty = false
		c.drop(e)
		c.cond.Broadcast()
		return err
	}

	newRef.Depth = e.key.depth
	if err := c.applyParentRef(e.key, newRef); err != nil {
		c.st.poisonWith(err)
		e.busy = false
		e.dirty = false
		c.drop(e)
		return err
	}

	e.dirty = false
	e.busy = false
	c.releasePin(e)
	c.st.stats.Flushes.Add(1)
	c.cond.Broadcast()
	return nil
}

// currentRefResident reads the reference currently naming e's record,
// using only resident state: the parent slot, the object entry, or the
// object-table root.
func (c *cache) currentRefResident(k entryKey) (RecordRef, error) {
	if k.obj == objectTableID && k.depth == c.st.otDepth {
		return c.st.otRoot, nil
	}
	if k.obj != objectTableID {
		ent, ok := c.objectEntryResident(k.obj)
		if !ok {
			return RecordRef{}, fmt.Errorf("%w: object %d entry not resident at flush", ErrIntegrity, k.obj)
		}
		if k.depth == ent.Depth {
			return ent, nil
		}
	}
	pk, _ := c.parentKey(k)
	p := c.entries[pk]
	if p == nil {
		return RecordRef{}, fmt.Errorf("%w: parent not resident at flush", ErrIntegrity)
	}
	return decodeRef(p.data[int(k.index%c.fanout())*RefSize:]), nil
}

// applyParentRef installs a flushed entry's new reference: into the
// in-memory object-table root for the table's top node, into the object
// entry for an object's root level, or into the resident parent's slot.
func (c *cache) applyParentRef(k entryKey, ref RecordRef) error {
	if k.obj == objectTableID && k.depth == c.st.otDepth {
		ref.Refs = 1
		ref.TotalLen = c.st.otLen
		c.st.otRoot = ref
		return nil
	}

	if k.obj != objectTableID {
		ent, ok := c.objectEntryResident(k.obj)
		if !ok {
			return fmt.Errorf("%w: object %d entry not resident", ErrIntegrity, k.obj)
		}
		if k.depth == ent.Depth {
			// Preserve the object metadata the entry carries.
			ref.Refs = ent.Refs
			ref.TotalLen = ent.TotalLen
			ref.Depth = ent.Depth
			epl := c.fanout()
			le := c.entries[entryKey{obj: objectTableID, depth: 0, index: k.obj / epl}]
			le.dirty = true
			ref.encode(le.data[(k.obj%epl)*RefSize:])
			return nil
		}
	}

	pk, _ := c.parentKey(k)
	p := c.entries[pk]
	if p == nil {
		return fmt.Errorf("%w: parent not resident", ErrIntegrity)
	}
	p.dirty = true
	ref.encode(p.data[int(k.index%c.fanout())*RefSize:])
	return nil
}

// flushAll drains every dirty entry bottom-up. Unpinned candidates are
// processed in deterministic key order (keyLess); a pinned parent waits
// until its dirty children have flushed, and flushing a child dirties its
// parent, so the loop runs until the cache is fully clean.
// Used by the commit engine under quiesce.
func (c *cache) flushAll() error {
	for {
		var victim *entry
		for _, e := range c.entries {
			if !e.dirty || e.pins != 0 || e.busy {
				continue
			}
			if victim == nil || keyLess(e.key, victim.key) {
				victim = e
			}
		}
		if victim == nil {
			for _, e := range c.entries {
				if e.dirty {
					return fmt.Errorf("%w: dirty entry with unresolved pins", ErrIntegrity)
				}
			}
			return nil
		}
		if err := c.flushEntry(victim); err != nil {
			return err
		}
	}
}

// keyLess orders flush candidates: object table last, then by object,
// depth, index. Determinism matters for reproducible fuzzing, not
// correctness.
func keyLess(a, b entryKey) bool {
	if a.obj != b.obj {
		return a.obj < b.obj // objectTableID is the maximum uint64
	}
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return a.index < b.index
}

// dropObject discards every cached node of an object, dirty or not.
// Children go before parents so pin counts unwind cleanly.
func (c *cache) dropObject(obj uint64) {
	var es []*entry
	for _, e := range c.entries {
		if e.key.obj == obj {
			es = append(es, e)
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].key.depth < es[j].key.depth })
	for _, e := range es {
		e.dirty = false
		c.drop(e)
	}
}

// waitIdle blocks until no entry is busy. Used by commit to drain
// in-flight transitions after taking the exclusive store lock.
func (c *cache) waitIdle() {
	for {
		busy := false
		for _, e := range c.entries {
			if e.busy {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		c.cond.Wait()
	}
}
