// Package storage provides block device implementations for the block
// cache. The memory device backs tests and scratch mounts; the s3
// subpackage persists blocks to object storage.
package storage

import (
	"sync"
	"sync/atomic"

	"github.com/vfskit/vfskit/pkg/errors"
)

var memoryDeviceIDs atomic.Uint64

// MemoryDevice is a sparse in-memory block device. Unwritten blocks
// read as zeros.
type MemoryDevice struct {
	mu        sync.RWMutex
	blocks    map[uint64][]byte
	id        uint64
	blockSize int
}

// NewMemoryDevice creates a memory device with the given block size.
func NewMemoryDevice(blockSize int) *MemoryDevice {
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &MemoryDevice{
		blocks:    make(map[uint64][]byte),
		id:        memoryDeviceIDs.Add(1),
		blockSize: blockSize,
	}
}

// DeviceID returns the device's unique identifier.
func (d *MemoryDevice) DeviceID() uint64 { return d.id }

// BlockSize returns the fixed block size in bytes.
func (d *MemoryDevice) BlockSize() int { return d.blockSize }

// ReadBlock fills buf from the stored block, or zeros for a block that
// was never written.
func (d *MemoryDevice) ReadBlock(blockNum uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return errors.Newf(errors.ErrCodeInvalidArg, "buffer size %d does not match block size %d", len(buf), d.blockSize).
			WithComponent("storage").WithOp("read")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if data, ok := d.blocks[blockNum]; ok {
		copy(buf, data)
		return nil
	}
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// WriteBlock stores a copy of buf as the block contents.
func (d *MemoryDevice) WriteBlock(blockNum uint64, buf []byte) error {
	if len(buf) != d.blockSize {
		return errors.Newf(errors.ErrCodeInvalidArg, "buffer size %d does not match block size %d", len(buf), d.blockSize).
			WithComponent("storage").WithOp("write")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data := make([]byte, d.blockSize)
	copy(data, buf)
	d.blocks[blockNum] = data
	return nil
}

// Len returns the number of blocks ever written.
func (d *MemoryDevice) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blocks)
}
