// Store lifecycle and public interface.
//
// A Store owns one mounted object store: the device set, allocator, codec,
// record store, cache, and the committed header. All key material and
// configuration live on the handle — nothing is process-global, so two
// stores can be mounted side by side.
//
// Concurrency: operations enter through a state gate and a reader/writer
// lock. Object operations share the lock (the cache serialises per key
// internally); Commit, Resilver and Close take it exclusively, which is
// what quiesces the store for the publish sequence.
package nros

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store states.
const (
	StateAll    = 0 // operations allowed
	StateClosed = 3 // nothing allowed
)

// statCounters are the store's internal counters; Stats snapshots them.
type statCounters struct {
	Hits      atomic.Uint64
	Misses    atomic.Uint64
	Evictions atomic.Uint64
	Flushes   atomic.Uint64
	Repairs   atomic.Uint64
	Commits   atomic.Uint64
}

// Stats is a point-in-time snapshot of store health counters.
type Stats struct {
	Hits, Misses, Evictions, Flushes, Repairs, Commits uint64

	CacheUsage, CacheSoft, CacheHard int
	FreeBlocks, TotalBlocks          uint64
	Generation                       uint64
}

// Store is an open object store.
type Store struct {
	cfg   Config
	log   *zap.Logger
	devs  *deviceSet
	alloc *allocator
	codec *codec
	rs    *recordStore
	c     *cache

	hdr       *header
	headerKey *[32]byte

	// Live object-table view; the header copies lag until commit.
	otRoot  RecordRef
	otDepth uint8
	otLen   uint64

	freeIDs     []uint64
	scanPos     uint64
	pendingFree []uint64

	state atomic.Int32
	cond  *sync.Cond
	mu    sync.RWMutex

	poisonMu sync.Mutex
	poison   error

	stats statCounters
}

// Create formats a new store across the given chains of devices and
// leaves it mounted. Every chain mirrors the others; devices within a
// chain concatenate. The first commit bumps the generation to 1.
func Create(devs [][]Device, cfg Config) (*Store, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	ds, err := newDeviceSet(devs, cfg.BlockSize, cfg.Logger)
	if err != nil {
		return nil, err
	}

	hdr := &header{
		BlockShift:  log2u8(cfg.BlockSize),
		RecordShift: log2u8(cfg.RecordSize),
		Compression: uint8(cfg.Compression),
		Cipher:      uint8(cfg.Cipher),
		KDF:         uint8(cfg.KDF),
		Opaque:      make([]byte, cfg.BlockSize-hdrOffOpaque),
	}
	if _, err := rand.Read(hdr.UID[:]); err != nil {
		return nil, err
	}

	var headerKey *[32]byte
	var dataKey []byte
	if cfg.Cipher != CipherNone {
		if hdr.KDFParams, err = defaultKDFParams(); err != nil {
			return nil, err
		}
		hk, dk, err := deriveKeys(cfg.Passphrase, hdr.UID, hdr.KDFParams)
		if err != nil {
			return nil, err
		}
		headerKey, dataKey = &hk, dk[:]
	}

	s, err := assemble(ds, cfg, hdr, headerKey, dataKey)
	if err != nil {
		return nil, err
	}
	if err := s.publishHeaders(); err != nil {
		return nil, err
	}
	return s, nil
}

// Mount opens an existing store. Geometry comes from the on-disk header;
// the devices must have been opened with the matching block size. The
// header copy with the highest verifying generation wins, which is what
// makes a crash mid-publish recoverable.
func Mount(devs [][]Device, cfg Config) (*Store, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	ds, err := newDeviceSet(devs, cfg.BlockSize, cfg.Logger)
	if err != nil {
		return nil, err
	}

	hdr, headerKey, dataKey, err := findHeader(ds, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	if hdr.blockSize() != cfg.BlockSize {
		return nil, fmt.Errorf("%w: device block size %d, header says %d",
			ErrIntegrity, cfg.BlockSize, hdr.blockSize())
	}
	if hdr.TotalBlocks != ds.total {
		return nil, fmt.Errorf("%w: pool is %d blocks, header says %d",
			ErrIntegrity, ds.total, hdr.TotalBlocks)
	}
	if int(hdr.MirrorCount) != len(ds.chains) {
		return nil, fmt.Errorf("%w: %d chains attached, header formatted with %d",
			ErrIntegrity, len(ds.chains), hdr.MirrorCount)
	}
	cfg.RecordSize = hdr.recordSize()
	cfg.Compression = int(hdr.Compression)

	s, err := assemble(ds, cfg, hdr, headerKey, dataKey)
	if err != nil {
		return nil, err
	}
	if err := s.alloc.replay(s.rs, hdr.AllocLog); err != nil {
		return nil, err
	}
	if !hdr.ObjectTable.IsZero() {
		ext := extent{lba: hdr.ObjectTable.LBA, blocks: hdr.ObjectTable.blocks(cfg.BlockSize)}
		if !s.alloc.isAllocated(ext) {
			return nil, fmt.Errorf("%w: object table root in free space", ErrIntegrity)
		}
	}
	return s, nil
}

// assemble wires the subsystems around a header.
func assemble(ds *deviceSet, cfg Config, hdr *header, headerKey *[32]byte, dataKey []byte) (*Store, error) {
	cdc, err := newCodec(cfg.CompressionLevel, hdr.UID, dataKey)
	if err != nil {
		return nil, err
	}

	// The data pool excludes each device's two header blocks, which also
	// guarantees no free extent ever spans a device boundary.
	var pool []extent
	for _, cd := range ds.chains[0] {
		pool = append(pool, extent{lba: cd.offset + 1, blocks: cd.blocks - 2})
	}
	alloc := newAllocator(pool, cfg.NeverReuseFreed)

	s := &Store{
		cfg:       cfg,
		log:       cfg.Logger,
		devs:      ds,
		alloc:     alloc,
		codec:     cdc,
		hdr:       hdr,
		headerKey: headerKey,
		otRoot:    hdr.ObjectTable,
		otDepth:   hdr.ObjectTable.Depth,
		otLen:     hdr.ObjectTable.TotalLen,
	}
	s.rs = &recordStore{
		blockSize:  cfg.BlockSize,
		recordSize: cfg.RecordSize,
		devs:       ds,
		alloc:      alloc,
		codec:      cdc,
	}
	s.c = newCache(s, cfg.SoftLimit, cfg.HardLimit)
	s.cond = sync.NewCond(&sync.Mutex{})
	return s, nil
}

// findHeader reads every header copy on every device and returns the
// highest-generation copy that verifies, together with derived keys when
// the store is encrypted.
func findHeader(ds *deviceSet, passphrase []byte) (*header, *[32]byte, []byte, error) {
	var best *header
	var bestKey *[32]byte
	var bestData []byte
	sawEncrypted := false

	for _, chain := range ds.chains {
		for _, cd := range chain {
			for _, local := range []uint64{0, cd.blocks - 1} {
				raw := make([]byte, ds.blockSize)
				if err := cd.dev.ReadBlocks(local, raw); err != nil {
					continue
				}
				var key *[32]byte
				var dataKey []byte
				if raw[hdrOffCipher] != CipherNone {
					sawEncrypted = true
					if len(passphrase) == 0 {
						continue
					}
					var uid [16]byte
					copy(uid[:], raw[hdrOffUID:])
					params := decodeKDFParams(raw[hdrOffKDFParams:])
					hk, dk, err := deriveKeys(passphrase, uid, params)
					if err != nil {
						continue
					}
					key, dataKey = &hk, dk[:]
				}
				h, err := decodeHeader(raw, key)
				if err != nil {
					continue
				}
				if best == nil || h.Generation > best.Generation {
					best, bestKey, bestData = h, key, dataKey
				}
			}
		}
	}
	if best == nil {
		if sawEncrypted {
			return nil, nil, nil, ErrBadPassphrase
		}
		return nil, nil, nil, ErrCorruptHeader
	}
	return best, bestKey, bestData, nil
}

// poisonWith records the first fatal error; Commit refuses afterwards.
func (s *Store) poisonWith(err error) {
	s.poisonMu.Lock()
	if s.poison == nil {
		s.poison = err
		s.log.Warn("transaction poisoned", zap.Error(err))
	}
	s.poisonMu.Unlock()
}

// Gate helpers: every operation passes through the state check, shared
// or exclusive.

func (s *Store) blockOp() error {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if s.state.Load() == StateClosed {
		return ErrClosed
	}
	s.mu.RLock()
	return nil
}

func (s *Store) blockExclusive() error {
	s.cond.L.Lock()
	if s.state.Load() == StateClosed {
		s.cond.L.Unlock()
		return ErrClosed
	}
	s.cond.L.Unlock()
	s.mu.Lock()
	if s.state.Load() == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// AllocateObject issues a fresh object id with one owner reference.
func (s *Store) AllocateObject() (uint64, error) {
	if err := s.blockOp(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return s.allocateObject()
}

// Read returns n bytes of an object starting at off. Sparse and
// past-the-end ranges read as zeros.
func (s *Store) Read(id uint64, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, ErrInvalidArgument
	}
	if err := s.blockOp(); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return s.treeRead(id, uint64(off), n)
}

// Write stores p at off, extending the object's length when the write
// ends past it. Data is durable only after Commit.
func (s *Store) Write(id uint64, off int64, p []byte) error {
	if off < 0 {
		return ErrInvalidArgument
	}
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	return s.treeWrite(id, uint64(off), p)
}

// Resize sets an object's logical length. Growth is sparse; shrinking
// frees the leaves that fall out of range at the next commit.
func (s *Store) Resize(id uint64, length int64) error {
	if length < 0 {
		return ErrInvalidArgument
	}
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	return s.treeResize(id, uint64(length))
}

// ObjectLen returns an object's logical length.
func (s *Store) ObjectLen(id uint64) (int64, error) {
	if err := s.blockOp(); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	n, err := s.objectLen(id)
	return int64(n), err
}

// Root returns an object's root reference (including depth, owner count
// and total length) for the upper layer's bookkeeping.
func (s *Store) Root(id uint64) (RecordRef, error) {
	if err := s.blockOp(); err != nil {
		return RecordRef{}, err
	}
	defer s.mu.RUnlock()
	return s.objectRoot(id)
}

// SetRoot grafts a tree root onto an object id, preserving the id's
// owner count. Used by the upper layer for copy-on-write clones.
func (s *Store) SetRoot(id uint64, ref RecordRef) error {
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	return s.setObjectRoot(id, ref)
}

// IncreaseRefCount adds an owner to an object.
func (s *Store) IncreaseRefCount(id uint64) error {
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	return s.increaseRefCount(id)
}

// DecreaseRefCount removes an owner. When the count reaches zero the id
// is freed and the tree's storage is released by the next commit.
func (s *Store) DecreaseRefCount(id uint64) error {
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	return s.decreaseRefCount(id)
}

// Commit atomically publishes everything written since the last commit.
func (s *Store) Commit() error {
	if err := s.blockExclusive(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.commitLocked()
}

// UpperData returns a copy of the header's opaque region, which belongs
// to the upper filesystem layer.
func (s *Store) UpperData() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.hdr.Opaque...)
}

// SetUpperData replaces the opaque region. It becomes durable with the
// next commit.
func (s *Store) SetUpperData(p []byte) error {
	if len(p) > s.cfg.BlockSize-hdrOffOpaque {
		return ErrInvalidArgument
	}
	if err := s.blockOp(); err != nil {
		return err
	}
	defer s.mu.RUnlock()
	opaque := make([]byte, s.cfg.BlockSize-hdrOffOpaque)
	copy(opaque, p)
	s.hdr.Opaque = opaque
	return nil
}

// Stats snapshots the store's counters.
func (s *Store) Stats() Stats {
	s.c.mu.Lock()
	usage := s.c.usage
	s.c.mu.Unlock()
	return Stats{
		Hits:        s.stats.Hits.Load(),
		Misses:      s.stats.Misses.Load(),
		Evictions:   s.stats.Evictions.Load(),
		Flushes:     s.stats.Flushes.Load(),
		Repairs:     s.stats.Repairs.Load(),
		Commits:     s.stats.Commits.Load(),
		CacheUsage:  usage,
		CacheSoft:   s.cfg.SoftLimit,
		CacheHard:   s.cfg.HardLimit,
		FreeBlocks:  s.alloc.freeBlocks,
		TotalBlocks: s.devs.total,
		Generation:  s.hdr.Generation,
	}
}

// Close unmounts the store. Uncommitted changes are discarded, exactly
// as a crash would discard them.
func (s *Store) Close() error {
	s.cond.L.Lock()
	if s.state.Load() == StateClosed {
		s.cond.L.Unlock()
		return ErrClosed
	}
	s.state.Store(StateClosed)
	s.cond.Broadcast()
	s.cond.L.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devs.close()
}
