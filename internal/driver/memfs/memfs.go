// Package memfs implements an in-memory filesystem driver. It backs the
// node cache with a flat inode table and keeps file contents in growable
// byte slices, which makes it the reference driver for tests and for
// scratch mounts.
package memfs

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

const rootIno = 1

// deviceIDs hands out a distinct device ID per mount so block keys from
// different memfs instances never collide.
var deviceIDs atomic.Uint64

// inode is the backing-store record for one filesystem object.
type inode struct {
	ino    uint64
	mode   types.FileMode
	uid    uint32
	gid    uint32
	size   int64
	links  uint32
	times  types.Timestamps
	data   []byte
	target string
	// children maps entry name to child inode for directories.
	children map[string]uint64
}

// fs is one mounted memfs instance. It implements both the superblock
// and the per-node operation tables.
type fs struct {
	mu      sync.Mutex
	inodes  map[uint64]*inode
	nextIno uint64
}

// Driver mounts in-memory filesystems under the fstype "memfs".
type Driver struct{}

// NewDriver returns the memfs driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Name returns the fstype string.
func (d *Driver) Name() string { return "memfs" }

// Mount creates a fresh empty filesystem. The source string is ignored.
func (d *Driver) Mount(source string, flags types.MountFlags, options map[string]string) (*cache.Superblock, error) {
	m := &fs{
		inodes:  make(map[uint64]*inode),
		nextIno: rootIno,
	}
	root := m.newInode(types.ModeDir | 0o777)
	root.links = 2 // "." and the parent's entry
	return &cache.Superblock{
		DeviceID:  deviceIDs.Add(1),
		RootIno:   root.ino,
		Flags:     flags,
		BlockSize: 4096,
		Ops:       m,
		Private:   m,
	}, nil
}

// Unmount discards the filesystem contents.
func (d *Driver) Unmount(sb *cache.Superblock) error {
	m := sb.Private.(*fs)
	m.mu.Lock()
	m.inodes = nil
	m.mu.Unlock()
	return nil
}

// newInode allocates an inode. Caller holds m.mu or has exclusive
// access to the filesystem.
func (m *fs) newInode(mode types.FileMode) *inode {
	in := &inode{
		ino:   m.nextIno,
		mode:  mode,
		links: 1,
		times: types.NowTimestamps(),
	}
	if mode.IsDir() {
		in.children = make(map[string]uint64)
	}
	m.nextIno++
	m.inodes[in.ino] = in
	return in
}

func (m *fs) inodeOf(n *cache.Node) *inode {
	return n.Private.(*inode)
}

// AllocNode materializes a cache node from the inode table.
func (m *fs) AllocNode(sb *cache.Superblock, ino uint64) (*cache.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in, ok := m.inodes[ino]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no inode %d", ino).
			WithComponent("memfs").WithOp("alloc")
	}
	return &cache.Node{
		Ops:     m,
		Mode:    in.mode,
		UID:     in.uid,
		GID:     in.gid,
		Size:    in.size,
		Links:   in.links,
		Times:   in.times,
		Private: in,
	}, nil
}

// WriteNode copies the cached metadata back into the inode table.
func (m *fs) WriteNode(n *cache.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(n)
	in.mode = n.Mode
	in.uid = n.UID
	in.gid = n.GID
	in.size = n.Size
	in.links = n.Links
	in.times = n.Times
	return nil
}

// DestroyNode drops an unlinked inode and its data.
func (m *fs) DestroyNode(n *cache.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inodes, m.inodeOf(n).ino)
	return nil
}

// Sync is a no-op: memory is the backing store.
func (m *fs) Sync(sb *cache.Superblock) error { return nil }

func (m *fs) Lookup(parent *cache.Node, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	ino, ok := dir.children[name]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeNotFound, "no entry %q", name).
			WithComponent("memfs").WithOp("lookup")
	}
	return ino, nil
}

func (m *fs) Create(parent *cache.Node, name string, mode types.FileMode, creds types.Credentials) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	if _, ok := dir.children[name]; ok {
		return 0, errors.Newf(errors.ErrCodeExists, "entry %q exists", name).
			WithComponent("memfs").WithOp("create")
	}
	if mode.Perm() == 0 {
		mode |= 0o666
	}
	in := m.newInode(types.ModeRegular | mode.Perm())
	in.uid = creds.UID
	in.gid = creds.GID
	dir.children[name] = in.ino
	m.touchDirLocked(dir, parent)
	return in.ino, nil
}

func (m *fs) Link(parent *cache.Node, name string, target *cache.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	if _, ok := dir.children[name]; ok {
		return errors.Newf(errors.ErrCodeExists, "entry %q exists", name).
			WithComponent("memfs").WithOp("link")
	}
	in := m.inodeOf(target)
	if in.mode.IsDir() {
		return errors.New(errors.ErrCodeIsDir, "hard links to directories are not allowed").
			WithComponent("memfs").WithOp("link")
	}
	dir.children[name] = in.ino
	in.links++
	target.Links = in.links
	m.touchDirLocked(dir, parent)
	return nil
}

func (m *fs) Unlink(parent *cache.Node, name string, target *cache.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	if _, ok := dir.children[name]; !ok {
		return errors.Newf(errors.ErrCodeNotFound, "no entry %q", name).
			WithComponent("memfs").WithOp("unlink")
	}
	delete(dir.children, name)
	in := m.inodeOf(target)
	if in.links > 0 {
		in.links--
	}
	target.Links = in.links
	m.touchDirLocked(dir, parent)
	return nil
}

func (m *fs) Mkdir(parent *cache.Node, name string, mode types.FileMode, creds types.Credentials) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	if _, ok := dir.children[name]; ok {
		return 0, errors.Newf(errors.ErrCodeExists, "entry %q exists", name).
			WithComponent("memfs").WithOp("mkdir")
	}
	if mode.Perm() == 0 {
		mode |= 0o777
	}
	in := m.newInode(types.ModeDir | mode.Perm())
	in.uid = creds.UID
	in.gid = creds.GID
	in.links = 2
	dir.children[name] = in.ino
	dir.links++ // the new directory's ".."
	parent.Links = dir.links
	m.touchDirLocked(dir, parent)
	return in.ino, nil
}

func (m *fs) Rmdir(parent *cache.Node, name string, target *cache.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	in := m.inodeOf(target)
	if !in.mode.IsDir() {
		return errors.Newf(errors.ErrCodeNotDir, "%q is not a directory", name).
			WithComponent("memfs").WithOp("rmdir")
	}
	if len(in.children) > 0 {
		return errors.Newf(errors.ErrCodeNotEmpty, "directory %q is not empty", name).
			WithComponent("memfs").WithOp("rmdir")
	}
	delete(dir.children, name)
	in.links = 0
	target.Links = 0
	if dir.links > 2 {
		dir.links--
	}
	parent.Links = dir.links
	m.touchDirLocked(dir, parent)
	return nil
}

func (m *fs) Rename(oldParent *cache.Node, oldName string, newParent *cache.Node, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.inodeOf(oldParent)
	to := m.inodeOf(newParent)
	ino, ok := from.children[oldName]
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "no entry %q", oldName).
			WithComponent("memfs").WithOp("rename")
	}
	moved := m.inodes[ino]

	if existingIno, ok := to.children[newName]; ok {
		existing := m.inodes[existingIno]
		if existing.mode.IsDir() {
			if !moved.mode.IsDir() {
				return errors.Newf(errors.ErrCodeIsDir, "%q is a directory", newName).
					WithComponent("memfs").WithOp("rename")
			}
			if len(existing.children) > 0 {
				return errors.Newf(errors.ErrCodeNotEmpty, "directory %q is not empty", newName).
					WithComponent("memfs").WithOp("rename")
			}
			existing.links = 0
			if to.links > 2 {
				to.links--
			}
		} else if existing.links > 0 {
			existing.links--
		}
		// Destroyed once the cache drops its last reference, or
		// immediately if it was never cached.
		if existing.links == 0 {
			delete(m.inodes, existingIno)
		}
	}

	delete(from.children, oldName)
	to.children[newName] = ino

	// A moved directory's ".." now points at the new parent.
	if moved.mode.IsDir() && from != to {
		if from.links > 2 {
			from.links--
		}
		to.links++
	}
	oldParent.Links = from.links
	newParent.Links = to.links
	m.touchDirLocked(from, oldParent)
	m.touchDirLocked(to, newParent)
	return nil
}

func (m *fs) Symlink(parent *cache.Node, name, target string, creds types.Credentials) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.inodeOf(parent)
	if _, ok := dir.children[name]; ok {
		return 0, errors.Newf(errors.ErrCodeExists, "entry %q exists", name).
			WithComponent("memfs").WithOp("symlink")
	}
	in := m.newInode(types.ModeSymlink | 0o777)
	in.uid = creds.UID
	in.gid = creds.GID
	in.target = target
	in.size = int64(len(target))
	dir.children[name] = in.ino
	m.touchDirLocked(dir, parent)
	return in.ino, nil
}

func (m *fs) Readlink(n *cache.Node) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(n)
	if !in.mode.IsSymlink() {
		return "", errors.New(errors.ErrCodeInvalidArg, "not a symlink").
			WithComponent("memfs").WithOp("readlink")
	}
	return in.target, nil
}

func (m *fs) Readdir(dir *cache.Node) ([]cache.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(dir)
	if !in.mode.IsDir() {
		return nil, errors.New(errors.ErrCodeNotDir, "not a directory").
			WithComponent("memfs").WithOp("readdir")
	}
	entries := make([]cache.DirEntry, 0, len(in.children))
	for name, ino := range in.children {
		child := m.inodes[ino]
		entries = append(entries, cache.DirEntry{Name: name, Ino: ino, Mode: child.mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *fs) Read(n *cache.Node, offset int64, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(n)
	if offset >= in.size {
		return 0, nil
	}
	return copy(buf, in.data[offset:in.size]), nil
}

func (m *fs) Write(n *cache.Node, offset int64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(n)
	end := offset + int64(len(data))
	if end > int64(len(in.data)) {
		grown := make([]byte, end)
		copy(grown, in.data)
		in.data = grown
	}
	copy(in.data[offset:], data)
	if end > in.size {
		in.size = end
	}
	n.Size = in.size
	return len(data), nil
}

func (m *fs) Truncate(n *cache.Node, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := m.inodeOf(n)
	switch {
	case size < int64(len(in.data)):
		in.data = in.data[:size]
	case size > int64(len(in.data)):
		grown := make([]byte, size)
		copy(grown, in.data)
		in.data = grown
	}
	in.size = size
	n.Size = size
	return nil
}

// touchDirLocked refreshes a directory's modification times after a
// namespace change and mirrors them onto the cached node.
func (m *fs) touchDirLocked(in *inode, n *cache.Node) {
	now := types.NowTimestamps()
	in.times.Modified = now.Modified
	in.times.Changed = now.Changed
	n.Times.Modified = now.Modified
	n.Times.Changed = now.Changed
}
