// Package cache implements the three reference-counted object caches at
// the heart of vfskit: device blocks, filesystem nodes, and directory
// entries.
//
// All three share the same shape: a fixed hash bucket table for O(1)
// lookup, an LRU list that hits relocate to the head, and explicit
// reference counts that pin entries against eviction. Releasing the
// last reference never frees memory directly; it makes the entry
// eligible for eviction (and, for nodes, hands it to the driver for
// write-back or destruction). Dirty state is always flushed to the
// backing store before an entry is freed.
//
// The package also defines the interfaces drivers implement to back the
// caches: BlockDevice, SuperblockOps, and NodeOps.
package cache
