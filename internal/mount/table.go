// Package mount manages the driver registry and the table of mounted
// filesystems, including mountpoint crossing for the path resolver.
package mount

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Mount describes one mounted filesystem.
type Mount struct {
	ID     string
	Path   string
	Source string
	FSType string
	Flags  types.MountFlags
	SB     *cache.Superblock
	Root   *cache.Dentry

	mountpoint *cache.Dentry
	driver     Driver
	refCount   int
}

// Table tracks mounted filesystems. The first mount becomes the root of
// the namespace; further filesystems attach to directory dentries.
type Table struct {
	mu      sync.RWMutex
	byPath  map[string]*Mount
	byPoint map[*cache.Dentry]*Mount
	root    *Mount

	registry *Registry
	caches   *cache.Manager
	log      *utils.Logger
}

// NewTable creates an empty mount table.
func NewTable(registry *Registry, caches *cache.Manager, logger *utils.Logger) *Table {
	return &Table{
		byPath:   make(map[string]*Mount),
		byPoint:  make(map[*cache.Dentry]*Mount),
		registry: registry,
		caches:   caches,
		log:      logger.WithComponent("mount"),
	}
}

// MountRoot mounts the namespace root. It must be the first mount.
func (t *Table) MountRoot(fstype, source string, flags types.MountFlags, options map[string]string) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root != nil {
		return nil, errors.New(errors.ErrCodeExists, "root already mounted").
			WithComponent("mount").WithOp("mount_root")
	}
	m, err := t.mountLocked("/", nil, fstype, source, flags, options)
	if err != nil {
		return nil, err
	}
	t.root = m
	return m, nil
}

// MountAt mounts a filesystem over the directory dentry at the given
// normalized path. The caller's reference on at is not consumed; the
// table takes its own.
func (t *Table) MountAt(at *cache.Dentry, path, fstype, source string, flags types.MountFlags, options map[string]string) (*Mount, error) {
	if at.IsNegative() || !at.Node.Mode.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotDir, "mountpoint %q is not a directory", path).
			WithComponent("mount").WithOp("mount")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return nil, errors.New(errors.ErrCodeInvalidArg, "no root mount").
			WithComponent("mount").WithOp("mount")
	}
	if _, covered := t.byPoint[at]; covered {
		return nil, errors.Newf(errors.ErrCodeBusy, "%q is already a mountpoint", path).
			WithComponent("mount").WithOp("mount")
	}
	if _, taken := t.byPath[path]; taken {
		return nil, errors.Newf(errors.ErrCodeBusy, "%q is already a mountpoint", path).
			WithComponent("mount").WithOp("mount")
	}
	return t.mountLocked(path, at, fstype, source, flags, options)
}

func (t *Table) mountLocked(path string, at *cache.Dentry, fstype, source string, flags types.MountFlags, options map[string]string) (*Mount, error) {
	driver, err := t.registry.Find(fstype)
	if err != nil {
		return nil, err
	}

	sb, err := driver.Mount(source, flags, options)
	if err != nil {
		return nil, err
	}
	if sb.ID == "" {
		sb.ID = uuid.NewString()
	}
	sb.Flags = flags

	rootNode, err := t.caches.Nodes.Get(sb, sb.RootIno)
	if err != nil {
		driver.Unmount(sb)
		return nil, err
	}
	root := t.caches.Dentries.NewRoot(sb, rootNode)

	m := &Mount{
		ID:     sb.ID,
		Path:   path,
		Source: source,
		FSType: fstype,
		Flags:  flags,
		SB:     sb,
		Root:   root,
		driver: driver,
	}
	if at != nil {
		m.mountpoint = t.caches.Dentries.Ref(at)
		t.caches.Dentries.SetMountpoint(at, true)
		t.byPoint[at] = m
	}
	t.byPath[path] = m
	t.log.Info("mounted %s (%s) at %s flags=%#x", source, fstype, path, flags)
	return m, nil
}

// Unmount detaches the filesystem mounted at the given normalized path.
// Without force it fails with BUSY while open files hold the mount or
// cached state is still referenced; force skips the busy checks and
// still flushes dirty state before detaching.
func (t *Table) Unmount(path string, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byPath[path]
	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "nothing mounted at %q", path).
			WithComponent("mount").WithOp("unmount")
	}
	if !force {
		if m.refCount > 0 {
			return errors.Newf(errors.ErrCodeBusy, "%d open references on %q", m.refCount, path).
				WithComponent("mount").WithOp("unmount")
		}
		for _, other := range t.byPath {
			if other != m && pathHasPrefix(other.Path, path) {
				return errors.Newf(errors.ErrCodeBusy, "%q has nested mount %q", path, other.Path).
					WithComponent("mount").WithOp("unmount")
			}
		}
	}

	// Dirty state always reaches the backing store, forced or not.
	if err := t.caches.Nodes.Sync(m.SB); err != nil {
		return err
	}
	if err := t.caches.Dentries.InvalidateSubtree(m.Root); err != nil && !force {
		return err
	}
	if err := t.caches.Nodes.InvalidateSuperblock(m.SB); err != nil && !force {
		return err
	}
	if m.SB.DeviceID != 0 {
		if err := t.caches.Blocks.InvalidateDevice(m.SB.DeviceID); err != nil && !force {
			return err
		}
	}
	if err := m.driver.Unmount(m.SB); err != nil {
		return err
	}

	if m.mountpoint != nil {
		t.caches.Dentries.SetMountpoint(m.mountpoint, false)
		delete(t.byPoint, m.mountpoint)
		t.caches.Dentries.Put(m.mountpoint)
	}
	delete(t.byPath, path)
	if t.root == m {
		t.root = nil
	}
	t.log.Info("unmounted %s (force=%v)", path, force)
	return nil
}

// Root returns the root mount, or nil before MountRoot.
func (t *Table) Root() *Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// FindMount returns the mount whose path is the longest prefix of the
// given normalized path.
func (t *Table) FindMount(path string) (*Mount, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Mount
	for mountPath, m := range t.byPath {
		if !pathHasPrefix(path, mountPath) {
			continue
		}
		if best == nil || len(mountPath) > len(best.Path) {
			best = m
		}
	}
	if best == nil {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no mount covers %q", path).
			WithComponent("mount").WithOp("find")
	}
	return best, nil
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// CrossMount implements resolver.MountCrosser: when d is covered by a
// mount, it returns a referenced root dentry of that filesystem.
func (t *Table) CrossMount(d *cache.Dentry) (*cache.Dentry, bool) {
	t.mu.RLock()
	m, ok := t.byPoint[d]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.caches.Dentries.Ref(m.Root), true
}

// Acquire pins a mount against unmount while a file on it is open.
func (t *Table) Acquire(m *Mount) {
	t.mu.Lock()
	m.refCount++
	t.mu.Unlock()
}

// Release drops a pin taken with Acquire.
func (t *Table) Release(m *Mount) {
	t.mu.Lock()
	if m.refCount > 0 {
		m.refCount--
	} else {
		t.log.Warn("release of unpinned mount %s", m.Path)
	}
	t.mu.Unlock()
}

// DentryPath reconstructs the absolute path of a dentry by walking its
// parent chain, jumping from each filesystem root to the path it is
// mounted on. Unhashed entries resolve to their last known name.
func (t *Table) DentryPath(d *cache.Dentry) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var parts []string
	for d != nil && d.Parent != nil {
		parts = append(parts, d.Name)
		d = d.Parent
	}

	base := "/"
	if d != nil {
		for _, m := range t.byPath {
			if m.Root == d {
				base = m.Path
				break
			}
		}
	}

	path := base
	for i := len(parts) - 1; i >= 0; i-- {
		if path == "/" {
			path += parts[i]
		} else {
			path += "/" + parts[i]
		}
	}
	return path
}

// List returns the current mounts ordered by path.
func (t *Table) List() []*Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()

	mounts := make([]*Mount, 0, len(t.byPath))
	for _, m := range t.byPath {
		mounts = append(mounts, m)
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].Path < mounts[j].Path })
	return mounts
}
