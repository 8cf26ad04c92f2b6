// Package resolver turns absolute paths into referenced dentries by
// walking the dentry cache one component at a time, consulting the
// filesystem driver only on cache misses.
package resolver

import (
	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/utils"
)

// MountCrosser redirects the walk through mount boundaries. When a
// resolved dentry is a mountpoint, CrossMount returns a referenced root
// dentry of the filesystem mounted there.
type MountCrosser interface {
	CrossMount(d *cache.Dentry) (*cache.Dentry, bool)
}

// Resolver walks paths against the caches of one VFS instance.
type Resolver struct {
	caches *cache.Manager
	mounts MountCrosser
	log    *utils.Logger
}

// New creates a resolver. mounts may be nil when no mount crossing is
// needed (single-filesystem use).
func New(caches *cache.Manager, mounts MountCrosser, logger *utils.Logger) *Resolver {
	return &Resolver{
		caches: caches,
		mounts: mounts,
		log:    logger.WithComponent("resolver"),
	}
}

// Resolve walks path starting at root and returns the final dentry with
// a reference the caller must release. Every intermediate reference is
// released as the walk advances; on failure nothing stays referenced.
func (r *Resolver) Resolve(root *cache.Dentry, path string) (*cache.Dentry, error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, err
	}

	cur := r.caches.Dentries.Ref(root)
	for _, name := range components(norm) {
		next, err := r.step(cur, name)
		if err != nil {
			r.caches.Dentries.Put(cur)
			return nil, err
		}
		r.caches.Dentries.Put(cur)
		cur = next
	}
	return cur, nil
}

// ResolveParent walks to the parent directory of path and returns it
// with a reference, along with the final component name. The root
// itself has no parent.
func (r *Resolver) ResolveParent(root *cache.Dentry, path string) (*cache.Dentry, string, error) {
	norm, err := Normalize(path)
	if err != nil {
		return nil, "", err
	}
	if norm == "/" {
		return nil, "", errors.New(errors.ErrCodeInvalidPath, "root has no parent").
			WithComponent("resolver").WithPath(path)
	}

	dir, name := Split(norm)
	parent, err := r.Resolve(root, dir)
	if err != nil {
		return nil, "", err
	}
	if parent.IsNegative() || !parent.Node.Mode.IsDir() {
		r.caches.Dentries.Put(parent)
		return nil, "", errors.Newf(errors.ErrCodeNotDir, "%q is not a directory", dir).
			WithComponent("resolver").WithPath(path)
	}
	return parent, name, nil
}

// Entry resolves one component under parent without crossing a mount
// boundary, so the caller sees the covering dentry itself. Operations
// that must refuse to act on an active mountpoint (rmdir, rename) need
// this view; a full walk would hand them the mounted filesystem's root
// instead. The returned dentry carries a reference.
func (r *Resolver) Entry(parent *cache.Dentry, name string) (*cache.Dentry, error) {
	if parent.IsNegative() || !parent.Node.Mode.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotDir, "%q is not a directory", parent.Name).
			WithComponent("resolver").WithOp("walk")
	}

	d := r.caches.Dentries.Lookup(parent, name)
	if d == nil {
		var err error
		d, err = r.loadChild(parent, name)
		if err != nil {
			return nil, err
		}
	}
	if d.IsNegative() {
		r.caches.Dentries.Put(d)
		return nil, errors.Newf(errors.ErrCodeNotFound, "no such entry %q", name).
			WithComponent("resolver").WithOp("walk")
	}
	return d, nil
}

// step resolves one component under cur and returns the child with a
// reference. cur's reference is untouched.
func (r *Resolver) step(cur *cache.Dentry, name string) (*cache.Dentry, error) {
	d, err := r.Entry(cur, name)
	if err != nil {
		return nil, err
	}

	// Crossing a mount boundary swaps the mountpoint dentry for the
	// root of the filesystem mounted on it. Stacked mounts cross again.
	for d.IsMountpoint() && r.mounts != nil {
		mountRoot, ok := r.mounts.CrossMount(d)
		if !ok {
			break
		}
		r.caches.Dentries.Put(d)
		d = mountRoot
	}
	return d, nil
}

// loadChild asks the driver for a missed component and caches the
// result, negative entries included.
func (r *Resolver) loadChild(cur *cache.Dentry, name string) (*cache.Dentry, error) {
	ino, err := cur.Node.Ops.Lookup(cur.Node, name)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			// Cache the miss so repeated lookups skip the driver.
			if neg, addErr := r.caches.Dentries.Add(cur, name, nil); addErr == nil {
				return neg, nil
			}
		}
		return nil, err
	}

	node, err := r.caches.Nodes.Get(cur.Sb, ino)
	if err != nil {
		return nil, err
	}
	d, err := r.caches.Dentries.Add(cur, name, node)
	if err != nil {
		r.caches.Nodes.Put(node)
		return nil, err
	}
	return d, nil
}
