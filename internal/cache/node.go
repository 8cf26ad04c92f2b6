package cache

import (
	"container/list"
	"sync"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Superblock represents one mounted filesystem instance. Drivers create
// it at mount time and hang their per-mount state off Private.
type Superblock struct {
	ID        string
	DeviceID  uint64
	RootIno   uint64
	Flags     types.MountFlags
	BlockSize int
	Ops       SuperblockOps
	Private   interface{}
}

// ReadOnly reports whether the mount forbids modification.
func (sb *Superblock) ReadOnly() bool {
	return sb.Flags&types.MountReadOnly != 0
}

// SuperblockOps is implemented by filesystem drivers to materialize,
// persist, and destroy nodes on behalf of the node cache.
type SuperblockOps interface {
	// AllocNode loads the node with the given inode number from the
	// backing store. The cache fills in Key and Sb after it returns.
	AllocNode(sb *Superblock, ino uint64) (*Node, error)
	// WriteNode persists a dirty node's metadata.
	WriteNode(node *Node) error
	// DestroyNode releases the backing storage of a node whose link
	// count reached zero.
	DestroyNode(node *Node) error
	// Sync flushes any driver-level state for the whole filesystem.
	Sync(sb *Superblock) error
}

// DirEntry is one entry returned by NodeOps.Readdir.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode types.FileMode
}

// NodeOps is the per-node operation table a driver attaches to the nodes
// it allocates.
type NodeOps interface {
	Lookup(parent *Node, name string) (uint64, error)
	Create(parent *Node, name string, mode types.FileMode, creds types.Credentials) (uint64, error)
	Link(parent *Node, name string, target *Node) error
	Unlink(parent *Node, name string, target *Node) error
	Mkdir(parent *Node, name string, mode types.FileMode, creds types.Credentials) (uint64, error)
	Rmdir(parent *Node, name string, target *Node) error
	Rename(oldParent *Node, oldName string, newParent *Node, newName string) error
	Symlink(parent *Node, name, target string, creds types.Credentials) (uint64, error)
	Readlink(node *Node) (string, error)
	Readdir(dir *Node) ([]DirEntry, error)
	Read(node *Node, offset int64, buf []byte) (int, error)
	Write(node *Node, offset int64, data []byte) (int, error)
	Truncate(node *Node, size int64) error
}

// Node is a cached filesystem object. Metadata fields are guarded by Mu;
// the reference count and list position belong to the cache.
type Node struct {
	Mu sync.RWMutex

	Key   types.NodeKey
	Sb    *Superblock
	Ops   NodeOps
	Mode  types.FileMode
	UID   uint32
	GID   uint32
	Size  int64
	Links uint32
	Times types.Timestamps

	// Private holds driver-owned state for this node.
	Private interface{}

	dirty    bool
	refCount int
	element  *list.Element
}

// NodeCacheConfig configures the node cache.
type NodeCacheConfig struct {
	Buckets  int `yaml:"buckets"`
	MaxNodes int `yaml:"max_nodes"`
}

// DefaultNodeCacheConfig returns the standard node cache sizing.
func DefaultNodeCacheConfig() NodeCacheConfig {
	return NodeCacheConfig{
		Buckets:  4096,
		MaxNodes: 4096,
	}
}

// NodeCache is the reference-counted cache of filesystem nodes. Lookups
// hash the inode number into a fixed bucket table; every node also sits
// on an LRU list that a hit relocates to the head. Releasing the last
// reference hands the node back to its driver: unlinked nodes are
// destroyed, dirty ones written back.
type NodeCache struct {
	mu      sync.Mutex
	buckets [][]*Node
	lru     *list.List
	count   int

	config NodeCacheConfig
	log    *utils.Logger
	stats  types.CacheStats
}

// NewNodeCache creates a node cache with the given configuration.
func NewNodeCache(config NodeCacheConfig, logger *utils.Logger) *NodeCache {
	if config.Buckets <= 0 {
		config = DefaultNodeCacheConfig()
	}
	return &NodeCache{
		buckets: make([][]*Node, config.Buckets),
		lru:     list.New(),
		config:  config,
		log:     logger.WithComponent("nodecache"),
	}
}

func (c *NodeCache) bucketIndex(ino uint64) uint64 {
	return ino % uint64(len(c.buckets))
}

func (c *NodeCache) lookup(key types.NodeKey) *Node {
	for _, n := range c.buckets[c.bucketIndex(key.Ino)] {
		if n.Key == key {
			return n
		}
	}
	return nil
}

// Get returns the cached node for (sb, ino), asking the driver to load
// it on a miss. The caller holds a reference and must release it with
// Put.
func (c *NodeCache) Get(sb *Superblock, ino uint64) (*Node, error) {
	key := types.NodeKey{SuperblockID: sb.ID, Ino: ino}

	c.mu.Lock()
	if n := c.lookup(key); n != nil {
		n.refCount++
		c.lru.MoveToFront(n.element)
		c.stats.Hits++
		c.mu.Unlock()
		return n, nil
	}
	c.stats.Misses++
	if c.count >= c.config.MaxNodes {
		if !c.evictOneLocked() {
			c.mu.Unlock()
			return nil, errors.New(errors.ErrCodeNoMemory, "node cache full, all nodes referenced").
				WithComponent("nodecache").WithOp("get")
		}
	}
	c.mu.Unlock()

	// Driver load happens outside the cache lock. A racing Get for the
	// same node is resolved below: the loser's copy is discarded.
	n, err := sb.Ops.AllocNode(sb, ino)
	if err != nil {
		return nil, err
	}
	n.Key = key
	n.Sb = sb

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.lookup(key); existing != nil {
		existing.refCount++
		c.lru.MoveToFront(existing.element)
		return existing, nil
	}
	n.refCount = 1
	idx := c.bucketIndex(ino)
	c.buckets[idx] = append(c.buckets[idx], n)
	n.element = c.lru.PushFront(n)
	c.count++
	return n, nil
}

// Put releases a reference obtained from Get. When the last reference
// drops, an unlinked node is destroyed through the driver and a dirty
// one is written back; otherwise the node stays cached for reuse.
func (c *NodeCache) Put(n *Node) {
	c.mu.Lock()
	if n.refCount <= 0 {
		c.log.Warn("release of unreferenced node sb=%s ino=%d", n.Key.SuperblockID, n.Key.Ino)
		c.mu.Unlock()
		return
	}
	n.refCount--
	if n.refCount > 0 {
		c.mu.Unlock()
		return
	}

	if n.Links == 0 {
		c.removeLocked(n)
		c.mu.Unlock()
		if err := n.Sb.Ops.DestroyNode(n); err != nil {
			c.log.Error("destroy node sb=%s ino=%d: %v", n.Key.SuperblockID, n.Key.Ino, err)
		}
		return
	}

	dirty := n.dirty
	n.dirty = false
	c.mu.Unlock()

	if dirty {
		if err := n.Sb.Ops.WriteNode(n); err != nil {
			c.log.Error("writeback node sb=%s ino=%d: %v", n.Key.SuperblockID, n.Key.Ino, err)
			c.mu.Lock()
			n.dirty = true
			c.mu.Unlock()
		}
	}
}

// MarkDirty records that the caller modified the node's metadata.
func (c *NodeCache) MarkDirty(n *Node) {
	c.mu.Lock()
	n.dirty = true
	c.mu.Unlock()
}

// Sync writes back every dirty node of the given filesystem, then asks
// the driver to flush its own state.
func (c *NodeCache) Sync(sb *Superblock) error {
	c.mu.Lock()
	var dirty []*Node
	for e := c.lru.Front(); e != nil; e = e.Next() {
		n := e.Value.(*Node)
		if n.Sb == sb && n.dirty {
			n.refCount++
			n.dirty = false
			dirty = append(dirty, n)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, n := range dirty {
		if err := sb.Ops.WriteNode(n); err != nil {
			c.mu.Lock()
			n.dirty = true
			c.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
		c.Put(n)
	}
	if firstErr != nil {
		return firstErr
	}
	return sb.Ops.Sync(sb)
}

// InvalidateSuperblock flushes and drops every node of the filesystem.
// It fails with BUSY if any node is still referenced.
func (c *NodeCache) InvalidateSuperblock(sb *Superblock) error {
	if err := c.Sync(sb); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.lru.Front(); e != nil; e = e.Next() {
		n := e.Value.(*Node)
		if n.Sb == sb && n.refCount > 0 {
			return errors.Newf(errors.ErrCodeBusy, "filesystem %s has referenced nodes", sb.ID).
				WithComponent("nodecache").WithOp("invalidate")
		}
	}
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*Node)
		if n.Sb == sb {
			c.removeLocked(n)
		}
		e = next
	}
	return nil
}

// Shrink evicts up to target unreferenced nodes from the cold end of
// the LRU list, writing dirty nodes back first. It returns the number
// of nodes freed.
func (c *NodeCache) Shrink(target int) int {
	freed := 0
	for freed < target {
		c.mu.Lock()
		var victim *Node
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			n := e.Value.(*Node)
			if n.refCount == 0 {
				victim = n
				break
			}
		}
		if victim == nil {
			c.mu.Unlock()
			break
		}
		if !victim.dirty {
			c.removeLocked(victim)
			c.stats.Evictions++
			c.mu.Unlock()
			freed++
			continue
		}

		victim.refCount++
		victim.dirty = false
		c.mu.Unlock()

		err := victim.Sb.Ops.WriteNode(victim)

		c.mu.Lock()
		victim.refCount--
		if err != nil {
			victim.dirty = true
			c.log.Error("shrink: writeback node sb=%s ino=%d: %v", victim.Key.SuperblockID, victim.Key.Ino, err)
			c.mu.Unlock()
			break
		}
		if victim.refCount == 0 && !victim.dirty {
			c.removeLocked(victim)
			c.stats.Evictions++
			freed++
		}
		c.mu.Unlock()
	}
	return freed
}

// evictOneLocked frees one clean unreferenced node to make room.
func (c *NodeCache) evictOneLocked() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*Node)
		if n.refCount == 0 && !n.dirty {
			c.removeLocked(n)
			c.stats.Evictions++
			return true
		}
	}
	return false
}

func (c *NodeCache) removeLocked(n *Node) {
	idx := c.bucketIndex(n.Key.Ino)
	bucket := c.buckets[idx]
	for i, other := range bucket {
		if other == n {
			c.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if n.element != nil {
		c.lru.Remove(n.element)
		n.element = nil
	}
	c.count--
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Stats returns a snapshot of the cache counters.
func (c *NodeCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = c.count
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
