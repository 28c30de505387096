// Block device abstraction.
//
// The store addresses storage through the Device interface: read blocks,
// write blocks, barrier. Everything else — mirroring, chain concatenation,
// repair — lives in the device set. FileDevice is the production
// implementation over a regular file or a raw block device node; it holds
// an exclusive OS lock for the lifetime of the mount so two processes can
// never scribble on the same store.
package nros

import (
	"fmt"
	"os"
)

// Device is the minimal contract the store needs from storage. Buffer
// lengths are always whole multiples of the block size.
type Device interface {
	// ReadBlocks fills buf starting at the device-local lba.
	ReadBlocks(lba uint64, buf []byte) error
	// WriteBlocks writes buf starting at the device-local lba.
	WriteBlocks(lba uint64, buf []byte) error
	// Barrier durably flushes all previously acknowledged writes.
	Barrier() error
	// Blocks returns the device capacity in blocks.
	Blocks() uint64
	// Close releases the device.
	Close() error
}

// FileDevice adapts an *os.File to the Device interface.
type FileDevice struct {
	f         *os.File
	lock      *fileLock
	blockSize int
	blocks    uint64
}

// OpenFileDevice opens path as a block device with the given block size
// and takes an exclusive lock on it. The capacity is the file size rounded
// down to a whole number of blocks; the file itself is not resized.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	if !isPow2(blockSize) || blockSize < MinBlockSize {
		return nil, ErrInvalidArgument
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	lock := &fileLock{f: f}
	if err := lock.Lock(LockExclusive); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		lock.Unlock()
		f.Close()
		return nil, err
	}
	return &FileDevice{
		f:         f,
		lock:      lock,
		blockSize: blockSize,
		blocks:    uint64(info.Size()) / uint64(blockSize),
	}, nil
}

func (d *FileDevice) ReadBlocks(lba uint64, buf []byte) error {
	if err := d.check(lba, buf); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(lba)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("%w: read lba %d: %v", ErrDeviceIO, lba, err)
	}
	return nil
}

func (d *FileDevice) WriteBlocks(lba uint64, buf []byte) error {
	if err := d.check(lba, buf); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(buf, int64(lba)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("%w: write lba %d: %v", ErrDeviceIO, lba, err)
	}
	return nil
}

func (d *FileDevice) Barrier() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrDeviceIO, err)
	}
	return nil
}

func (d *FileDevice) Blocks() uint64 { return d.blocks }

func (d *FileDevice) Close() error {
	d.lock.setFile(nil)
	return d.f.Close()
}

func (d *FileDevice) check(lba uint64, buf []byte) error {
	if len(buf)%d.blockSize != 0 {
		return ErrInvalidArgument
	}
	n := uint64(len(buf)) / uint64(d.blockSize)
	if lba+n > d.blocks {
		return fmt.Errorf("%w: lba %d+%d beyond device end %d", ErrInvalidArgument, lba, n, d.blocks)
	}
	return nil
}
