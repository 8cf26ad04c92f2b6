package vfs

import (
	"time"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/internal/resolver"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// FileInfo is the metadata snapshot returned by Stat.
type FileInfo struct {
	Ino          uint64
	Mode         types.FileMode
	UID          uint32
	GID          uint32
	Size         int64
	Links        uint32
	Times        types.Timestamps
	SuperblockID string
}

// Stat returns the metadata of the object at path.
func (v *VFS) Stat(creds types.Credentials, path string) (info FileInfo, err error) {
	defer v.observe("stat", time.Now(), &err)

	d, err := v.resolvePath(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer v.caches.Dentries.Put(d)

	n := d.Node
	n.Mu.RLock()
	info = FileInfo{
		Ino:          n.Key.Ino,
		Mode:         n.Mode,
		UID:          n.UID,
		GID:          n.GID,
		Size:         n.Size,
		Links:        n.Links,
		Times:        n.Times,
		SuperblockID: n.Key.SuperblockID,
	}
	n.Mu.RUnlock()
	return info, nil
}

// Chmod replaces the permission bits. Only the owner or root may do it.
func (v *VFS) Chmod(creds types.Credentials, path string, mode types.FileMode) (err error) {
	defer v.observe("chmod", time.Now(), &err)

	return v.changeMeta(creds, path, func(n *cache.Node) error {
		if creds.UID != 0 && creds.UID != n.UID {
			return errors.Newf(errors.ErrCodePermission, "uid %d does not own the file", creds.UID).
				WithComponent("vfs").WithOp("chmod").WithPath(path)
		}
		n.Mode = (n.Mode &^ types.ModePermMask) | mode.Perm()
		return nil
	})
}

// Chown changes the owner and group. Only root may change the owner; the
// owner may change the group. Pass ^uint32(0) to leave a field as is.
func (v *VFS) Chown(creds types.Credentials, path string, uid, gid uint32) (err error) {
	defer v.observe("chown", time.Now(), &err)

	const unchanged = ^uint32(0)
	return v.changeMeta(creds, path, func(n *cache.Node) error {
		if uid != unchanged && uid != n.UID && creds.UID != 0 {
			return errors.New(errors.ErrCodePermission, "only root may change the owner").
				WithComponent("vfs").WithOp("chown").WithPath(path)
		}
		if gid != unchanged && creds.UID != 0 && creds.UID != n.UID {
			return errors.Newf(errors.ErrCodePermission, "uid %d does not own the file", creds.UID).
				WithComponent("vfs").WithOp("chown").WithPath(path)
		}
		if uid != unchanged {
			n.UID = uid
		}
		if gid != unchanged {
			n.GID = gid
		}
		return nil
	})
}

// changeMeta applies a metadata mutation under the node lock, marks the
// node dirty, and emits a metadata event.
func (v *VFS) changeMeta(creds types.Credentials, path string, mutate func(*cache.Node) error) error {
	d, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(d)

	if d.Sb.ReadOnly() {
		return errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", path).
			WithComponent("vfs").WithPath(path)
	}

	n := d.Node
	n.Mu.Lock()
	err = mutate(n)
	if err == nil {
		n.Times.Changed = time.Now()
	}
	n.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(n)
	v.events.MetadataChanged(v.mounts.DentryPath(d), creds)
	return nil
}

// Mkdir creates a directory.
func (v *VFS) Mkdir(creds types.Credentials, path string, mode types.FileMode) (err error) {
	defer v.observe("mkdir", time.Now(), &err)

	parent, name, err := v.resolveParentPath(path)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(parent)

	if err = v.checkWriteDir(parent, creds, path); err != nil {
		return err
	}

	parent.Node.Mu.Lock()
	ino, err := parent.Node.Ops.Mkdir(parent.Node, name, mode, creds)
	parent.Node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(parent.Node)

	d, err := v.bindChild(parent, name, ino)
	if err != nil {
		return err
	}
	v.caches.Dentries.Put(d)
	v.events.FileCreated(v.childPath(parent, name), creds)
	return nil
}

// Rmdir removes an empty directory.
func (v *VFS) Rmdir(creds types.Credentials, path string) (err error) {
	defer v.observe("rmdir", time.Now(), &err)

	parent, name, child, err := v.resolveEntry(path)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(parent)
	defer v.caches.Dentries.Put(child)

	if err = v.checkWriteDir(parent, creds, path); err != nil {
		return err
	}
	if child.IsMountpoint() {
		return errors.Newf(errors.ErrCodeBusy, "%s is a mountpoint", path).
			WithComponent("vfs").WithOp("rmdir").WithPath(path)
	}
	if !child.Node.Mode.IsDir() {
		return errors.Newf(errors.ErrCodeNotDir, "%s is not a directory", path).
			WithComponent("vfs").WithOp("rmdir").WithPath(path)
	}

	parent.Node.Mu.Lock()
	err = parent.Node.Ops.Rmdir(parent.Node, name, child.Node)
	parent.Node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(parent.Node)
	v.caches.Dentries.Delete(child)
	v.events.FileDeleted(path, creds)
	return nil
}

// Unlink removes a directory entry. The node is destroyed once its link
// count is zero and the last reference drops.
func (v *VFS) Unlink(creds types.Credentials, path string) (err error) {
	defer v.observe("unlink", time.Now(), &err)

	parent, name, child, err := v.resolveEntry(path)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(parent)
	defer v.caches.Dentries.Put(child)

	if err = v.checkWriteDir(parent, creds, path); err != nil {
		return err
	}
	if child.Node.Mode.IsDir() {
		return errors.Newf(errors.ErrCodeIsDir, "%s is a directory", path).
			WithComponent("vfs").WithOp("unlink").WithPath(path)
	}

	parent.Node.Mu.Lock()
	err = parent.Node.Ops.Unlink(parent.Node, name, child.Node)
	parent.Node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(parent.Node)
	v.caches.Nodes.MarkDirty(child.Node)
	v.caches.Dentries.Delete(child)
	v.events.FileDeleted(path, creds)
	return nil
}

// Link creates a hard link to an existing file. Both paths must be on
// the same filesystem.
func (v *VFS) Link(creds types.Credentials, oldPath, newPath string) (err error) {
	defer v.observe("link", time.Now(), &err)

	target, err := v.resolvePath(oldPath)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(target)

	parent, name, err := v.resolveParentPath(newPath)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(parent)

	if parent.Sb != target.Sb {
		return errors.New(errors.ErrCodeCrossDevice, "hard link across filesystems").
			WithComponent("vfs").WithOp("link").WithPath(newPath)
	}
	if err = v.checkWriteDir(parent, creds, newPath); err != nil {
		return err
	}

	parent.Node.Mu.Lock()
	err = parent.Node.Ops.Link(parent.Node, name, target.Node)
	parent.Node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(parent.Node)
	v.caches.Nodes.MarkDirty(target.Node)

	d, err := v.bindChild(parent, name, target.Node.Key.Ino)
	if err == nil {
		v.caches.Dentries.Put(d)
	}
	v.events.Publish(types.EventLink, types.PriorityNormal, v.childPath(parent, name), oldPath, creds)
	return nil
}

// Symlink creates a symbolic link at linkPath pointing to target.
func (v *VFS) Symlink(creds types.Credentials, target, linkPath string) (err error) {
	defer v.observe("symlink", time.Now(), &err)

	parent, name, err := v.resolveParentPath(linkPath)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(parent)

	if err = v.checkWriteDir(parent, creds, linkPath); err != nil {
		return err
	}

	parent.Node.Mu.Lock()
	ino, err := parent.Node.Ops.Symlink(parent.Node, name, target, creds)
	parent.Node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(parent.Node)

	d, err := v.bindChild(parent, name, ino)
	if err == nil {
		v.caches.Dentries.Put(d)
	}
	v.events.Publish(types.EventSymlink, types.PriorityNormal, v.childPath(parent, name), target, creds)
	return nil
}

// Readlink returns the target of a symbolic link.
func (v *VFS) Readlink(creds types.Credentials, path string) (target string, err error) {
	defer v.observe("readlink", time.Now(), &err)

	d, err := v.resolvePath(path)
	if err != nil {
		return "", err
	}
	defer v.caches.Dentries.Put(d)

	d.Node.Mu.RLock()
	defer d.Node.Mu.RUnlock()
	return d.Node.Ops.Readlink(d.Node)
}

// Rename moves oldPath to newPath. Both must be on the same filesystem;
// an existing destination is replaced when the driver allows it.
func (v *VFS) Rename(creds types.Credentials, oldPath, newPath string) (err error) {
	defer v.observe("rename", time.Now(), &err)

	oldParent, oldName, child, err := v.resolveEntry(oldPath)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(oldParent)
	defer v.caches.Dentries.Put(child)

	newParent, newName, err := v.resolveParentPath(newPath)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(newParent)

	if oldParent.Sb != newParent.Sb {
		return errors.New(errors.ErrCodeCrossDevice, "rename across filesystems").
			WithComponent("vfs").WithOp("rename").WithPath(newPath)
	}
	if child.IsMountpoint() {
		return errors.Newf(errors.ErrCodeBusy, "%s is a mountpoint", oldPath).
			WithComponent("vfs").WithOp("rename").WithPath(oldPath)
	}
	if err = v.checkWriteDir(oldParent, creds, oldPath); err != nil {
		return err
	}
	if err = v.checkWriteDir(newParent, creds, newPath); err != nil {
		return err
	}

	// The two parents need a consistent lock order when distinct.
	v.lockPair(oldParent.Node, newParent.Node)
	err = oldParent.Node.Ops.Rename(oldParent.Node, oldName, newParent.Node, newName)
	v.unlockPair(oldParent.Node, newParent.Node)
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(oldParent.Node)
	v.caches.Nodes.MarkDirty(newParent.Node)

	// Both cached names are stale now: the source entry moved and any
	// destination entry points at the replaced inode.
	if stale := v.caches.Dentries.Lookup(newParent, newName); stale != nil {
		v.caches.Dentries.Delete(stale)
		v.caches.Dentries.Put(stale)
	}
	v.caches.Dentries.Delete(child)
	v.events.FileMoved(oldPath, v.childPath(newParent, newName), creds)
	return nil
}

// Readdir lists a directory.
func (v *VFS) Readdir(creds types.Credentials, path string) (entries []cache.DirEntry, err error) {
	defer v.observe("readdir", time.Now(), &err)

	d, err := v.resolvePath(path)
	if err != nil {
		return nil, err
	}
	defer v.caches.Dentries.Put(d)

	n := d.Node
	if !n.Mode.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotDir, "%s is not a directory", path).
			WithComponent("vfs").WithOp("readdir").WithPath(path)
	}
	if err = checkAccess(n, creds, accessRead); err != nil {
		return nil, err
	}

	n.Mu.RLock()
	defer n.Mu.RUnlock()
	return n.Ops.Readdir(n)
}

// Truncate resizes the file at path.
func (v *VFS) Truncate(creds types.Credentials, path string, size int64) (err error) {
	defer v.observe("truncate", time.Now(), &err)

	d, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	defer v.caches.Dentries.Put(d)

	if d.Sb.ReadOnly() {
		return errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", path).
			WithComponent("vfs").WithOp("truncate").WithPath(path)
	}
	if !d.Node.Mode.IsRegular() {
		return errors.Newf(errors.ErrCodeInvalidArg, "%s is not a regular file", path).
			WithComponent("vfs").WithOp("truncate").WithPath(path)
	}
	if err = checkAccess(d.Node, creds, accessWrite); err != nil {
		return err
	}
	if err = v.truncateNode(d.Node, size); err != nil {
		return err
	}
	v.events.Publish(types.EventTruncate, types.PriorityNormal, path, "", creds)
	return nil
}

// resolvePath normalizes and walks a path.
func (v *VFS) resolvePath(path string) (*cache.Dentry, error) {
	norm, err := resolver.Normalize(path)
	if err != nil {
		return nil, err
	}
	return v.resolve(norm)
}

// resolveParentPath normalizes a path and walks to its parent directory.
func (v *VFS) resolveParentPath(path string) (*cache.Dentry, string, error) {
	norm, err := resolver.Normalize(path)
	if err != nil {
		return nil, "", err
	}
	return v.resolveParent(norm)
}

// resolveEntry returns both the parent and the child of path, each
// referenced. The child is resolved without crossing a mount boundary,
// so an active mountpoint shows up as the covering dentry and callers
// can refuse to act on it.
func (v *VFS) resolveEntry(path string) (parent *cache.Dentry, name string, child *cache.Dentry, err error) {
	parent, name, err = v.resolveParentPath(path)
	if err != nil {
		return nil, "", nil, err
	}
	child, err = v.res.Entry(parent, name)
	if err != nil {
		v.caches.Dentries.Put(parent)
		return nil, "", nil, err
	}
	return parent, name, child, nil
}

// checkWriteDir verifies that entries may be added to or removed from a
// directory.
func (v *VFS) checkWriteDir(parent *cache.Dentry, creds types.Credentials, path string) error {
	if parent.Sb.ReadOnly() {
		return errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", path).
			WithComponent("vfs").WithPath(path)
	}
	return checkAccess(parent.Node, creds, accessWrite|accessExec)
}

// childPath joins a parent dentry's path with an entry name for event
// reporting.
func (v *VFS) childPath(parent *cache.Dentry, name string) string {
	base := v.mounts.DentryPath(parent)
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

// lockPair locks two directory nodes in a stable order, tolerating the
// same node passed twice.
func (v *VFS) lockPair(a, b *cache.Node) {
	if a == b {
		a.Mu.Lock()
		return
	}
	if a.Key.Ino < b.Key.Ino {
		a.Mu.Lock()
		b.Mu.Lock()
	} else {
		b.Mu.Lock()
		a.Mu.Lock()
	}
}

func (v *VFS) unlockPair(a, b *cache.Node) {
	a.Mu.Unlock()
	if a != b {
		b.Mu.Unlock()
	}
}
