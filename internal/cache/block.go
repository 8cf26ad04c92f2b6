package cache

import (
	"container/list"
	"sync"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// BlockState tracks a block through its write-back lifecycle.
type BlockState int

const (
	// BlockInvalid means the block holds no usable data yet.
	BlockInvalid BlockState = iota
	// BlockClean means the block matches the device contents.
	BlockClean
	// BlockDirty means the block has been modified and not yet written.
	BlockDirty
	// BlockWriteback means a write to the device is in flight.
	BlockWriteback
)

// BlockDevice is the backing store a block cache reads from and writes
// to. Implementations must be safe for concurrent use.
type BlockDevice interface {
	// DeviceID returns the stable identifier blocks are keyed by.
	DeviceID() uint64
	// BlockSize returns the fixed block size in bytes.
	BlockSize() int
	// ReadBlock fills buf with the contents of the given block.
	ReadBlock(blockNum uint64, buf []byte) error
	// WriteBlock persists buf as the contents of the given block.
	WriteBlock(blockNum uint64, buf []byte) error
}

// Block is a cached device block. Data is valid while the caller holds a
// reference obtained from BlockCache.Get.
type Block struct {
	Key  types.BlockKey
	Data []byte

	dev      BlockDevice
	state    BlockState
	refCount int
	element  *list.Element

	// ready is non-nil while the initial device read is in flight and
	// is closed when it finishes; readErr carries the outcome for
	// concurrent getters waiting on it.
	ready   chan struct{}
	readErr error
}

// State returns the block's current lifecycle state.
func (b *Block) State() BlockState { return b.state }

// BlockCacheConfig configures the block cache.
type BlockCacheConfig struct {
	Buckets   int `yaml:"buckets"`
	MaxBlocks int `yaml:"max_blocks"`
	BlockSize int `yaml:"block_size"`
}

// DefaultBlockCacheConfig returns the standard block cache sizing.
func DefaultBlockCacheConfig() BlockCacheConfig {
	return BlockCacheConfig{
		Buckets:   16384,
		MaxBlocks: 16384,
		BlockSize: 4096,
	}
}

// BlockCache is a reference-counted write-back cache of device blocks.
// Blocks live in fixed hash buckets keyed by (device, block number) and
// on a single LRU list; a hit relocates the block to the list head, and
// eviction takes unreferenced blocks from the tail. Dirty blocks are
// always written to the device before their memory is released.
type BlockCache struct {
	mu      sync.Mutex
	buckets [][]*Block
	lru     *list.List
	count   int

	config BlockCacheConfig
	log    *utils.Logger
	stats  types.BlockCacheStats
}

// NewBlockCache creates a block cache with the given configuration.
func NewBlockCache(config BlockCacheConfig, logger *utils.Logger) *BlockCache {
	if config.Buckets <= 0 {
		config = DefaultBlockCacheConfig()
	}
	return &BlockCache{
		buckets: make([][]*Block, config.Buckets),
		lru:     list.New(),
		config:  config,
		log:     logger.WithComponent("blockcache"),
	}
}

func (c *BlockCache) bucketIndex(key types.BlockKey) uint64 {
	return (key.DeviceID ^ key.BlockNum) % uint64(len(c.buckets))
}

func (c *BlockCache) lookup(key types.BlockKey) *Block {
	for _, b := range c.buckets[c.bucketIndex(key)] {
		if b.Key == key {
			return b
		}
	}
	return nil
}

// Get returns the cached block for (dev, blockNum), reading it from the
// device on a miss. The caller holds a reference and must release it
// with Put.
func (c *BlockCache) Get(dev BlockDevice, blockNum uint64) (*Block, error) {
	key := types.BlockKey{DeviceID: dev.DeviceID(), BlockNum: blockNum}

	c.mu.Lock()
	if b := c.lookup(key); b != nil {
		b.refCount++
		if ready := b.ready; ready != nil {
			// Another getter is still filling this block from the
			// device. Wait for that read off the lock; handing out the
			// block early would expose unread data.
			c.mu.Unlock()
			<-ready
			c.mu.Lock()
			if err := b.readErr; err != nil {
				b.refCount--
				c.mu.Unlock()
				return nil, err
			}
		}
		c.lru.MoveToFront(b.element)
		c.stats.Hits++
		c.mu.Unlock()
		return b, nil
	}
	c.stats.Misses++

	if c.count >= c.config.MaxBlocks {
		if c.evictOneLocked() != nil {
			c.mu.Unlock()
			return nil, errors.New(errors.ErrCodeNoMemory, "block cache full, all blocks referenced").
				WithComponent("blockcache").WithOp("get")
		}
	}

	b := &Block{
		Key:      key,
		Data:     make([]byte, dev.BlockSize()),
		dev:      dev,
		state:    BlockInvalid,
		refCount: 1,
		ready:    make(chan struct{}),
	}
	idx := c.bucketIndex(key)
	c.buckets[idx] = append(c.buckets[idx], b)
	b.element = c.lru.PushFront(b)
	c.count++
	c.mu.Unlock()

	// Read outside the lock; the new block is pinned by its reference
	// so concurrent eviction cannot free it.
	readErr := dev.ReadBlock(blockNum, b.Data)

	c.mu.Lock()
	if readErr != nil {
		b.readErr = errors.Newf(errors.ErrCodeIOError, "read device %d block %d", key.DeviceID, blockNum).
			WithComponent("blockcache").WithOp("get").WithCause(readErr)
		b.refCount--
		// Unhash regardless of waiters still holding references, so the
		// next Get goes back to the device instead of hitting a block
		// that never loaded.
		c.removeLocked(b)
		close(b.ready)
		err := b.readErr
		c.mu.Unlock()
		return nil, err
	}
	if b.state == BlockInvalid {
		b.state = BlockClean
	}
	c.stats.BytesRead += uint64(len(b.Data))
	close(b.ready)
	b.ready = nil
	c.mu.Unlock()
	return b, nil
}

// Put releases a reference obtained from Get. The block stays cached for
// reuse until evicted.
func (c *BlockCache) Put(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.refCount <= 0 {
		c.log.Warn("release of unreferenced block dev=%d num=%d", b.Key.DeviceID, b.Key.BlockNum)
		return
	}
	b.refCount--
}

// MarkDirty records that the caller modified the block's data. The block
// will reach the device on the next sync or before eviction.
func (c *BlockCache) MarkDirty(b *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.state != BlockDirty {
		if b.state == BlockClean || b.state == BlockInvalid {
			c.stats.DirtyBlocks++
		}
		b.state = BlockDirty
	}
}

// SyncDevice writes every dirty block belonging to the device. Blocks
// are pinned during the write so eviction cannot race it.
func (c *BlockCache) SyncDevice(deviceID uint64) error {
	c.mu.Lock()
	var dirty []*Block
	for e := c.lru.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Block)
		if b.Key.DeviceID == deviceID && b.state == BlockDirty {
			b.refCount++
			b.state = BlockWriteback
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, b := range dirty {
		err := b.dev.WriteBlock(b.Key.BlockNum, b.Data)

		c.mu.Lock()
		b.refCount--
		if err != nil {
			b.state = BlockDirty
			if firstErr == nil {
				firstErr = errors.Newf(errors.ErrCodeIOError, "write device %d block %d", deviceID, b.Key.BlockNum).
					WithComponent("blockcache").WithOp("sync").WithCause(err)
			}
		} else if b.state == BlockWriteback {
			// A writer may have dirtied the block again mid-flight; only
			// an undisturbed writeback transitions to clean.
			b.state = BlockClean
			c.stats.DirtyBlocks--
			c.stats.Writebacks++
			c.stats.BytesWrote += uint64(len(b.Data))
		}
		c.mu.Unlock()
	}
	return firstErr
}

// InvalidateDevice flushes and drops every block belonging to the
// device. It fails with BUSY if any of the device's blocks is still
// referenced.
func (c *BlockCache) InvalidateDevice(deviceID uint64) error {
	for {
		if err := c.SyncDevice(deviceID); err != nil {
			return err
		}

		c.mu.Lock()
		dirty := false
		for e := c.lru.Front(); e != nil; e = e.Next() {
			b := e.Value.(*Block)
			if b.Key.DeviceID != deviceID {
				continue
			}
			if b.refCount > 0 {
				c.mu.Unlock()
				return errors.Newf(errors.ErrCodeBusy, "device %d has referenced blocks", deviceID).
					WithComponent("blockcache").WithOp("invalidate")
			}
			if b.state == BlockDirty || b.state == BlockWriteback {
				dirty = true
			}
		}
		if dirty {
			// A writer re-dirtied a block after the sync pass returned;
			// flush again rather than dropping unwritten data.
			c.mu.Unlock()
			continue
		}

		for e := c.lru.Front(); e != nil; {
			next := e.Next()
			b := e.Value.(*Block)
			if b.Key.DeviceID == deviceID {
				c.removeLocked(b)
			}
			e = next
		}
		c.mu.Unlock()
		return nil
	}
}

// Shrink evicts up to target unreferenced blocks from the cold end of
// the LRU list, writing dirty blocks to their device first. It returns
// the number of blocks freed.
func (c *BlockCache) Shrink(target int) int {
	freed := 0
	for freed < target {
		c.mu.Lock()
		b := c.evictCandidateLocked()
		if b == nil {
			c.mu.Unlock()
			break
		}
		if b.state != BlockDirty {
			c.removeLocked(b)
			c.stats.Evictions++
			c.mu.Unlock()
			freed++
			continue
		}

		// Flush before free. Pin, write outside the lock, then retry
		// the eviction; another caller may have re-referenced it.
		b.refCount++
		b.state = BlockWriteback
		c.mu.Unlock()

		err := b.dev.WriteBlock(b.Key.BlockNum, b.Data)

		c.mu.Lock()
		b.refCount--
		if err != nil {
			b.state = BlockDirty
			c.log.Error("shrink: flush device %d block %d: %v", b.Key.DeviceID, b.Key.BlockNum, err)
			c.mu.Unlock()
			break
		}
		if b.state == BlockWriteback {
			b.state = BlockClean
			c.stats.DirtyBlocks--
			c.stats.Writebacks++
			c.stats.BytesWrote += uint64(len(b.Data))
		}
		if b.refCount == 0 && b.state == BlockClean {
			c.removeLocked(b)
			c.stats.Evictions++
			freed++
		}
		c.mu.Unlock()
	}
	return freed
}

// evictCandidateLocked finds the coldest unreferenced block.
func (c *BlockCache) evictCandidateLocked() *Block {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Block)
		if b.refCount == 0 {
			return b
		}
	}
	return nil
}

// evictOneLocked synchronously frees one unreferenced clean block to
// make room. Dirty candidates are skipped here; Shrink handles flushing.
func (c *BlockCache) evictOneLocked() error {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Block)
		if b.refCount == 0 && b.state != BlockDirty && b.state != BlockWriteback {
			c.removeLocked(b)
			c.stats.Evictions++
			return nil
		}
	}
	return errors.New(errors.ErrCodeNoMemory, "no evictable block")
}

func (c *BlockCache) removeLocked(b *Block) {
	idx := c.bucketIndex(b.Key)
	bucket := c.buckets[idx]
	for i, other := range bucket {
		if other == b {
			c.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if b.element != nil {
		c.lru.Remove(b.element)
		b.element = nil
	}
	if b.state == BlockDirty {
		c.stats.DirtyBlocks--
	}
	b.state = BlockInvalid
	c.count--
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Stats returns a snapshot of the cache counters.
func (c *BlockCache) Stats() types.BlockCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = c.count
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
