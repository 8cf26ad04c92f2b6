// Package vfs is the coordinating surface of the filesystem core. A VFS
// instance owns the caches, the path resolver, the mount table, the lock
// registry, and the event bus, and exposes the syscall-level operations
// on top of them. All state lives on the instance; nothing is global.
package vfs

import (
	"context"
	"time"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/internal/config"
	"github.com/vfskit/vfskit/internal/events"
	"github.com/vfskit/vfskit/internal/locks"
	"github.com/vfskit/vfskit/internal/metrics"
	"github.com/vfskit/vfskit/internal/mount"
	"github.com/vfskit/vfskit/internal/resolver"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// MaxOpenFiles bounds the per-instance open handle table.
const MaxOpenFiles = 1024

// VFS is the explicit context object tying the subsystems together.
type VFS struct {
	config  *config.Configuration
	log     *utils.Logger
	caches  *cache.Manager
	res     *resolver.Resolver
	drivers *mount.Registry
	mounts  *mount.Table
	locks   *locks.Registry
	events  *events.Bus
	metrics *metrics.Collector

	handles *handleTable
}

// Stats aggregates the counters of every subsystem.
type Stats struct {
	Blocks   types.BlockCacheStats
	Nodes    types.CacheStats
	Dentries types.CacheStats
	Locks    types.LockStats
	Events   types.EventStats
}

// New builds a VFS instance from configuration. Filesystem drivers are
// registered separately with RegisterDriver before the first Mount.
func New(cfg *config.Configuration, logger *utils.Logger) (*VFS, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	caches := cache.NewManager(&cfg.Caches, logger)
	drivers := mount.NewRegistry()
	mounts := mount.NewTable(drivers, caches, logger)

	v := &VFS{
		config:  cfg,
		log:     logger.WithComponent("vfs"),
		caches:  caches,
		res:     resolver.New(caches, mounts, logger),
		drivers: drivers,
		mounts:  mounts,
		locks:   locks.NewRegistry(cfg.Locks, logger),
		events:  events.NewBus(cfg.Events, logger),
		handles: newHandleTable(MaxOpenFiles),
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:    cfg.Metrics.Enabled,
		ListenAddr: cfg.Metrics.ListenAddr,
	}, metrics.Source{
		Blocks:   v.caches.Blocks.Stats,
		Nodes:    v.caches.Nodes.Stats,
		Dentries: v.caches.Dentries.Stats,
		Locks:    v.locks.Stats,
		Events:   v.events.Stats,
	})
	if err != nil {
		return nil, err
	}
	v.metrics = collector
	return v, nil
}

// RegisterDriver adds a filesystem driver to the registry.
func (v *VFS) RegisterDriver(d mount.Driver) error {
	return v.drivers.Register(d)
}

// StartMetrics serves the Prometheus endpoint when metrics are enabled.
func (v *VFS) StartMetrics(ctx context.Context) error {
	return v.metrics.Start(ctx)
}

// Mount attaches a filesystem. The first mount must be at "/" and
// becomes the namespace root; later mounts attach to existing
// directories.
func (v *VFS) Mount(creds types.Credentials, path, fstype, source string, flags types.MountFlags, options map[string]string) (err error) {
	defer v.observe("mount", time.Now(), &err)

	norm, err := resolver.Normalize(path)
	if err != nil {
		return err
	}

	if v.mounts.Root() == nil {
		if norm != "/" {
			return errors.New(errors.ErrCodeNotFound, "no root filesystem mounted").
				WithComponent("vfs").WithOp("mount").WithPath(path)
		}
		if _, err = v.mounts.MountRoot(fstype, source, flags, options); err != nil {
			return err
		}
		v.events.Mounted(norm, creds)
		return nil
	}

	d, err := v.resolve(norm)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(d)

	if _, err = v.mounts.MountAt(d, norm, fstype, source, flags, options); err != nil {
		return err
	}
	v.events.Mounted(norm, creds)
	return nil
}

// Unmount detaches the filesystem mounted at path. With force set, open
// files and referenced cache entries do not block the unmount; dirty
// state is flushed either way.
func (v *VFS) Unmount(creds types.Credentials, path string, force bool) (err error) {
	defer v.observe("unmount", time.Now(), &err)

	norm, err := resolver.Normalize(path)
	if err != nil {
		return err
	}
	if err = v.mounts.Unmount(norm, force); err != nil {
		return err
	}
	v.events.Unmounted(norm, creds)
	return nil
}

// Mounts lists the current mounts ordered by path.
func (v *VFS) Mounts() []*mount.Mount {
	return v.mounts.List()
}

// SyncAll flushes dirty nodes and blocks of every mounted filesystem.
func (v *VFS) SyncAll(creds types.Credentials) (err error) {
	defer v.observe("sync", time.Now(), &err)

	for _, m := range v.mounts.List() {
		if syncErr := v.caches.Nodes.Sync(m.SB); syncErr != nil && err == nil {
			err = syncErr
		}
		if syncErr := v.caches.Blocks.SyncDevice(m.SB.DeviceID); syncErr != nil && err == nil {
			err = syncErr
		}
	}
	v.events.Publish(types.EventSync, types.PriorityNormal, "/", "", creds)
	return err
}

// CleanupProcess releases everything a terminated process left behind:
// its open handles and all its byte-range locks.
func (v *VFS) CleanupProcess(pid uint32) {
	closed := v.handles.closeProcess(pid, v.releaseHandle)
	removed := v.locks.CleanupProcess(pid)
	if closed > 0 || removed > 0 {
		v.log.Debug("process %d cleanup: %d handles, %d locks", pid, closed, removed)
	}
}

// Stats returns a snapshot of every subsystem's counters.
func (v *VFS) Stats() Stats {
	return Stats{
		Blocks:   v.caches.Blocks.Stats(),
		Nodes:    v.caches.Nodes.Stats(),
		Dentries: v.caches.Dentries.Stats(),
		Locks:    v.locks.Stats(),
		Events:   v.events.Stats(),
	}
}

// Shutdown tears the instance down: closes every open handle, unmounts
// everything (forced, flushing dirty state), closes the event bus, and
// stops the metrics endpoint.
func (v *VFS) Shutdown(ctx context.Context) error {
	v.handles.closeAll(v.releaseHandle)

	var firstErr error
	mounts := v.mounts.List()
	// Innermost mounts first, so nested filesystems never block their
	// parents.
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := v.mounts.Unmount(mounts[i].Path, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	v.events.Close()
	if err := v.metrics.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// resolve walks path from the namespace root and returns a referenced
// dentry.
func (v *VFS) resolve(path string) (*cache.Dentry, error) {
	root := v.mounts.Root()
	if root == nil {
		return nil, errors.New(errors.ErrCodeNotFound, "no root filesystem mounted").
			WithComponent("vfs").WithOp("resolve").WithPath(path)
	}
	return v.res.Resolve(root.Root, path)
}

// resolveParent returns a referenced dentry for the parent directory of
// path plus the final component.
func (v *VFS) resolveParent(path string) (*cache.Dentry, string, error) {
	root := v.mounts.Root()
	if root == nil {
		return nil, "", errors.New(errors.ErrCodeNotFound, "no root filesystem mounted").
			WithComponent("vfs").WithOp("resolve").WithPath(path)
	}
	return v.res.ResolveParent(root.Root, path)
}

// observe feeds one finished operation into the metrics collector.
func (v *VFS) observe(op string, start time.Time, err *error) {
	v.metrics.RecordOperation(op, time.Since(start), *err)
}

// checkAccess applies the classic owner/group/other permission check.
// UID 0 bypasses it.
func checkAccess(n *cache.Node, creds types.Credentials, want types.FileMode) error {
	if creds.UID == 0 {
		return nil
	}
	perm := n.Mode.Perm()
	var class types.FileMode
	switch {
	case creds.UID == n.UID:
		class = (perm >> 6) & 7
	case creds.GID == n.GID:
		class = (perm >> 3) & 7
	default:
		class = perm & 7
	}
	if class&want != want {
		return errors.Newf(errors.ErrCodePermission, "mode %04o denies %03o to uid %d", perm, want, creds.UID).
			WithComponent("vfs").WithOp("access")
	}
	return nil
}

const (
	accessRead  types.FileMode = 4
	accessWrite types.FileMode = 2
	accessExec  types.FileMode = 1
)
