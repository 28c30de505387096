// Mirrored device chains.
//
// A store spans N chains; each chain is an ordered list of devices whose
// block spaces concatenate into one pool LBA space. Chains mirror each
// other byte for byte. Reads try chains in order until one produces
// verifying data and schedule repair writes for any chain that failed
// first; writes go to every chain and succeed only when all acknowledge.
//
// The allocator never hands out an extent that crosses a device boundary
// (per-device header blocks split the free space), so a single extent
// always maps to exactly one device within a chain.
package nros

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type chainDev struct {
	dev    Device
	offset uint64 // pool LBA of the device's block 0
	blocks uint64
}

type repairWrite struct {
	chain int
	lba   uint64
	data  []byte
}

type deviceSet struct {
	blockSize int
	chains    [][]chainDev
	total     uint64 // pool blocks

	mu      sync.Mutex
	repairs []repairWrite

	log *zap.Logger
}

// newDeviceSet lays out the chains. Every chain must have the same total
// capacity and per-device geometry, or the mirrors could not stay byte
// identical.
func newDeviceSet(devs [][]Device, blockSize int, log *zap.Logger) (*deviceSet, error) {
	if len(devs) == 0 || len(devs[0]) == 0 {
		return nil, ErrInvalidArgument
	}
	ds := &deviceSet{blockSize: blockSize, log: log}
	for ci, chain := range devs {
		if len(chain) != len(devs[0]) {
			return nil, fmt.Errorf("%w: chain %d has %d devices, chain 0 has %d",
				ErrInvalidArgument, ci, len(chain), len(devs[0]))
		}
		var cds []chainDev
		var off uint64
		for di, d := range chain {
			n := d.Blocks()
			if n < 4 {
				return nil, fmt.Errorf("%w: device %d/%d too small", ErrInvalidArgument, ci, di)
			}
			if devs[0][di].Blocks() != n {
				return nil, fmt.Errorf("%w: device %d/%d size differs from mirror",
					ErrInvalidArgument, ci, di)
			}
			cds = append(cds, chainDev{dev: d, offset: off, blocks: n})
			off += n
		}
		if ci == 0 {
			ds.total = off
		}
		ds.chains = append(ds.chains, cds)
	}
	return ds, nil
}

// locate maps a pool extent onto one device of a chain.
func locate(chain []chainDev, lba, nblocks uint64) (chainDev, uint64, error) {
	for _, cd := range chain {
		if lba >= cd.offset && lba < cd.offset+cd.blocks {
			if lba+nblocks > cd.offset+cd.blocks {
				return chainDev{}, 0, fmt.Errorf("%w: extent %d+%d crosses device boundary",
					ErrIntegrity, lba, nblocks)
			}
			return cd, lba - cd.offset, nil
		}
	}
	return chainDev{}, 0, fmt.Errorf("%w: lba %d outside pool", ErrIntegrity, lba)
}

// readChain reads raw blocks from a single chain.
func (ds *deviceSet) readChain(ci int, lba uint64, buf []byte) error {
	cd, local, err := locate(ds.chains[ci], lba, uint64(len(buf))/uint64(ds.blockSize))
	if err != nil {
		return err
	}
	return cd.dev.ReadBlocks(local, buf)
}

// readVerified reads an extent from the first chain whose bytes pass the
// check. When a later chain succeeds after an earlier one failed, the good
// bytes are queued as a repair write for every failed chain; the repairs
// flush within the current transaction.
func (ds *deviceSet) readVerified(lba, nblocks uint64, check func([]byte) error) error {
	size := nblocks * uint64(ds.blockSize)
	var failed []int
	var sawCorrupt bool
	var lastErr error

	for ci := range ds.chains {
		buf := make([]byte, size)
		if err := ds.readChain(ci, lba, buf); err != nil {
			failed = append(failed, ci)
			lastErr = err
			continue
		}
		if err := check(buf); err != nil {
			failed = append(failed, ci)
			sawCorrupt = true
			lastErr = err
			continue
		}
		for _, bad := range failed {
			ds.scheduleRepair(bad, lba, buf)
		}
		return nil
	}

	if sawCorrupt {
		return fmt.Errorf("%w: lba %d on all %d chains", ErrCorruptData, lba, len(ds.chains))
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: lba %d", ErrDeviceIO, lba)
}

// write stores buf at lba on every chain. Not retried: a failed mirror
// write aborts the transaction.
func (ds *deviceSet) write(lba uint64, buf []byte) error {
	nblocks := uint64(len(buf)) / uint64(ds.blockSize)
	for ci, chain := range ds.chains {
		cd, local, err := locate(chain, lba, nblocks)
		if err != nil {
			return err
		}
		if err := cd.dev.WriteBlocks(local, buf); err != nil {
			return fmt.Errorf("chain %d: %w", ci, err)
		}
	}
	return nil
}

// writeChain stores buf on one chain only. Used by repair and resilver.
func (ds *deviceSet) writeChain(ci int, lba uint64, buf []byte) error {
	cd, local, err := locate(ds.chains[ci], lba, uint64(len(buf))/uint64(ds.blockSize))
	if err != nil {
		return err
	}
	return cd.dev.WriteBlocks(local, buf)
}

// barrier issues a durability barrier to every device of every chain.
func (ds *deviceSet) barrier() error {
	var errs []error
	for _, chain := range ds.chains {
		for _, cd := range chain {
			if err := cd.dev.Barrier(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (ds *deviceSet) scheduleRepair(ci int, lba uint64, data []byte) {
	ds.mu.Lock()
	ds.repairs = append(ds.repairs, repairWrite{chain: ci, lba: lba, data: append([]byte(nil), data...)})
	ds.mu.Unlock()
	ds.log.Debug("mirror repair scheduled", zap.Int("chain", ci), zap.Uint64("lba", lba))
}

// flushRepairs writes every queued repair to its chain and returns how
// many were applied. Called by the commit engine before the barrier.
func (ds *deviceSet) flushRepairs() (int, error) {
	ds.mu.Lock()
	repairs := ds.repairs
	ds.repairs = nil
	ds.mu.Unlock()

	for i, r := range repairs {
		if err := ds.writeChain(r.chain, r.lba, r.data); err != nil {
			return i, err
		}
	}
	return len(repairs), nil
}

func (ds *deviceSet) close() error {
	var errs []error
	for _, chain := range ds.chains {
		for _, cd := range chain {
			if err := cd.dev.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
