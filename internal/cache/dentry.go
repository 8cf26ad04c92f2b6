package cache

import (
	"container/list"
	"sync"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Dentry binds a name within a parent directory to a node. A nil Node
// marks a negative entry: a lookup that is known to fail, cached so the
// driver is not asked again.
type Dentry struct {
	Name   string
	Parent *Dentry
	Node   *Node
	Sb     *Superblock

	mountpoint bool
	refCount   int
	children   map[string]*Dentry
	element    *list.Element
}

// IsNegative reports whether the entry caches a failed lookup.
func (d *Dentry) IsNegative() bool { return d.Node == nil }

// IsMountpoint reports whether another filesystem is mounted here.
func (d *Dentry) IsMountpoint() bool { return d.mountpoint }

// DentryCacheConfig configures the dentry cache.
type DentryCacheConfig struct {
	Buckets    int `yaml:"buckets"`
	MaxEntries int `yaml:"max_entries"`
}

// DefaultDentryCacheConfig returns the standard dentry cache sizing.
func DefaultDentryCacheConfig() DentryCacheConfig {
	return DentryCacheConfig{
		Buckets:    8192,
		MaxEntries: 8192,
	}
}

// DentryCache caches directory entries. Entries hash by name into fixed
// buckets (scanned with the parent pointer as tiebreak) and sit on an
// LRU list. A child holds a reference on its parent, so a directory is
// never evicted while any of its entries remain cached.
type DentryCache struct {
	mu      sync.Mutex
	buckets [][]*Dentry
	lru     *list.List
	count   int

	// nodes, when set, receives the node reference a positive dentry
	// owns once the dentry is dropped. NodeCache.Put can reach driver
	// hooks (write-back, destroy), so releases are always performed
	// after the dentry cache mutex is dropped.
	nodes *NodeCache

	config DentryCacheConfig
	log    *utils.Logger
	stats  types.CacheStats
	// negative counts live negative entries, reported via Stats.
	negative int
}

// NewDentryCache creates a dentry cache with the given configuration.
func NewDentryCache(config DentryCacheConfig, logger *utils.Logger) *DentryCache {
	if config.Buckets <= 0 {
		config = DefaultDentryCacheConfig()
	}
	return &DentryCache{
		buckets: make([][]*Dentry, config.Buckets),
		lru:     list.New(),
		config:  config,
		log:     logger.WithComponent("dcache"),
	}
}

// hashName is the classic djb2 string hash.
func hashName(name string) uint64 {
	h := uint64(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint64(name[i])
	}
	return h
}

func (c *DentryCache) bucketIndex(name string) uint64 {
	return hashName(name) % uint64(len(c.buckets))
}

// BindNodeCache makes dropped dentries release the node reference they
// own into the given node cache.
func (c *DentryCache) BindNodeCache(nodes *NodeCache) {
	c.nodes = nodes
}

// NewRoot creates and pins the root dentry of a mounted filesystem. The
// root is permanently referenced; it is released by InvalidateSubtree at
// unmount.
func (c *DentryCache) NewRoot(sb *Superblock, node *Node) *Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := &Dentry{
		Name:     "/",
		Node:     node,
		Sb:       sb,
		refCount: 1,
		children: make(map[string]*Dentry),
	}
	d.element = c.lru.PushFront(d)
	c.count++
	return d
}

// Ref takes an additional reference on an already-referenced entry and
// returns it for convenience.
func (c *DentryCache) Ref(d *Dentry) *Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()

	d.refCount++
	if d.element != nil {
		c.lru.MoveToFront(d.element)
	}
	return d
}

// Lookup returns the cached entry for name under parent, or nil on a
// miss. A hit (including a negative entry) carries a reference the
// caller must release with Put.
func (c *DentryCache) Lookup(parent *Dentry, name string) *Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.buckets[c.bucketIndex(name)] {
		if d.Parent == parent && d.Name == name {
			d.refCount++
			c.lru.MoveToFront(d.element)
			c.stats.Hits++
			return d
		}
	}
	c.stats.Misses++
	return nil
}

// Add caches a positive entry binding name under parent to node. The
// entry takes ownership of the caller's node reference and holds it
// until the entry is dropped. The returned entry carries a reference.
// Pass a nil node to cache a negative entry instead.
func (c *DentryCache) Add(parent *Dentry, name string, node *Node) (*Dentry, error) {
	if len(name) > types.NameMax {
		return nil, errors.Newf(errors.ErrCodeNameTooLong, "name %q exceeds %d bytes", name, types.NameMax).
			WithComponent("dcache").WithOp("add")
	}

	var released []*Node
	defer func() { c.releaseNodes(released) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	// Two walkers can miss the same name concurrently; the loser adopts
	// the winner's entry and its node reference is returned.
	for _, existing := range c.buckets[c.bucketIndex(name)] {
		if existing.Parent == parent && existing.Name == name {
			existing.refCount++
			c.lru.MoveToFront(existing.element)
			if node != nil {
				released = append(released, node)
			}
			return existing, nil
		}
	}

	if c.count >= c.config.MaxEntries {
		c.evictOneLocked(&released)
	}

	d := &Dentry{
		Name:     name,
		Parent:   parent,
		Node:     node,
		Sb:       parent.Sb,
		refCount: 1,
		children: make(map[string]*Dentry),
	}
	idx := c.bucketIndex(name)
	c.buckets[idx] = append(c.buckets[idx], d)
	d.element = c.lru.PushFront(d)
	parent.children[name] = d
	parent.refCount++
	c.count++
	if node == nil {
		c.negative++
	}
	return d, nil
}

// Put releases a reference obtained from Lookup, Add, or NewRoot.
func (c *DentryCache) Put(d *Dentry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(d)
}

func (c *DentryCache) putLocked(d *Dentry) {
	if d.refCount <= 0 {
		c.log.Warn("release of unreferenced dentry %q", d.Name)
		return
	}
	d.refCount--
}

// MakePositive upgrades a negative entry after a successful create,
// taking ownership of the caller's node reference.
func (c *DentryCache) MakePositive(d *Dentry, node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Node == nil {
		c.negative--
	}
	d.Node = node
}

// Delete unhashes an entry after an unlink or rmdir. Holders of live
// references keep a valid but unreachable dentry.
func (c *DentryCache) Delete(d *Dentry) {
	var released []*Node
	defer func() { c.releaseNodes(released) }()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(d, &released)
}

// SetMountpoint flags or unflags an entry as a mount boundary.
func (c *DentryCache) SetMountpoint(d *Dentry, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d.mountpoint = on
}

// InvalidateSubtree drops d and every cached descendant. It fails with
// BUSY if any entry in the subtree is referenced beyond the references
// its own cached children hold; d itself is allowed its mount-time pin.
func (c *DentryCache) InvalidateSubtree(d *Dentry) error {
	var released []*Node
	defer func() { c.releaseNodes(released) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	if busy := c.subtreeBusyLocked(d, 1); busy != nil {
		return errors.Newf(errors.ErrCodeBusy, "dentry %q in use", busy.Name).
			WithComponent("dcache").WithOp("invalidate")
	}
	c.removeSubtreeLocked(d, &released)
	return nil
}

// subtreeBusyLocked returns the first dentry whose reference count
// exceeds what its cached children plus allowed pins account for.
func (c *DentryCache) subtreeBusyLocked(d *Dentry, pinned int) *Dentry {
	if d.refCount > len(d.children)+pinned {
		return d
	}
	for _, child := range d.children {
		if busy := c.subtreeBusyLocked(child, 0); busy != nil {
			return busy
		}
	}
	return nil
}

func (c *DentryCache) removeSubtreeLocked(d *Dentry, released *[]*Node) {
	for _, child := range d.children {
		c.removeSubtreeLocked(child, released)
	}
	c.removeLocked(d, released)
}

// Shrink evicts up to target unreferenced leaf entries from the cold
// end of the LRU list and returns the number freed. Negative entries
// are the cheapest victims and need no special handling: they hold no
// node.
func (c *DentryCache) Shrink(target int) int {
	var released []*Node
	defer func() { c.releaseNodes(released) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := 0
	for freed < target {
		var victim *Dentry
		for e := c.lru.Back(); e != nil; e = e.Prev() {
			d := e.Value.(*Dentry)
			if d.refCount == 0 && len(d.children) == 0 {
				victim = d
				break
			}
		}
		if victim == nil {
			break
		}
		c.removeLocked(victim, &released)
		c.stats.Evictions++
		freed++
	}
	return freed
}

func (c *DentryCache) evictOneLocked(released *[]*Node) {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		d := e.Value.(*Dentry)
		if d.refCount == 0 && len(d.children) == 0 {
			c.removeLocked(d, released)
			c.stats.Evictions++
			return
		}
	}
}

// releaseNodes returns node references collected while the mutex was
// held. Put can invoke driver write-back and destroy hooks, which must
// never run under the dentry cache lock.
func (c *DentryCache) releaseNodes(nodes []*Node) {
	if c.nodes == nil {
		return
	}
	for _, n := range nodes {
		c.nodes.Put(n)
	}
}

func (c *DentryCache) removeLocked(d *Dentry, released *[]*Node) {
	if d.element == nil {
		return
	}
	if d.Parent != nil {
		if d.Parent.children[d.Name] == d {
			delete(d.Parent.children, d.Name)
			c.putLocked(d.Parent)
		}
		idx := c.bucketIndex(d.Name)
		bucket := c.buckets[idx]
		for i, other := range bucket {
			if other == d {
				c.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
	}
	c.lru.Remove(d.element)
	d.element = nil
	if d.Node == nil {
		c.negative--
	} else {
		*released = append(*released, d.Node)
	}
	c.count--
}

// Len returns the number of cached entries.
func (c *DentryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// NegativeLen returns the number of cached negative entries.
func (c *DentryCache) NegativeLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negative
}

// Stats returns a snapshot of the cache counters.
func (c *DentryCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = c.count
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
