package vfs

import (
	"sync"
	"time"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/internal/mount"
	"github.com/vfskit/vfskit/internal/resolver"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// OpenFlags selects the access mode and creation behavior of Open.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenExclusive
	OpenTruncate
)

// Handle is one open file. It pins the dentry, the node, and the mount
// until Close.
type Handle struct {
	fd     uint64
	path   string
	dentry *cache.Dentry
	node   *cache.Node
	mount  *mount.Mount
	flags  OpenFlags
	creds  types.Credentials
}

// Path returns the path the file was opened by.
func (h *Handle) Path() string { return h.path }

type handleTable struct {
	mu     sync.Mutex
	open   map[uint64]*Handle
	nextFD uint64
	max    int
}

func newHandleTable(max int) *handleTable {
	return &handleTable{
		open:   make(map[uint64]*Handle),
		nextFD: 3,
		max:    max,
	}
}

func (t *handleTable) insert(h *Handle) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.open) >= t.max {
		return 0, errors.Newf(errors.ErrCodeTooManyOpen, "open file limit %d reached", t.max).
			WithComponent("vfs").WithOp("open")
	}
	h.fd = t.nextFD
	t.nextFD++
	t.open[h.fd] = h
	return h.fd, nil
}

func (t *handleTable) get(fd uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.open[fd]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArg, "bad file descriptor %d", fd).
			WithComponent("vfs")
	}
	return h, nil
}

func (t *handleTable) remove(fd uint64) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.open[fd]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArg, "bad file descriptor %d", fd).
			WithComponent("vfs")
	}
	delete(t.open, fd)
	return h, nil
}

func (t *handleTable) closeProcess(pid uint32, release func(*Handle)) int {
	t.mu.Lock()
	var victims []*Handle
	for fd, h := range t.open {
		if h.creds.PID == pid {
			victims = append(victims, h)
			delete(t.open, fd)
		}
	}
	t.mu.Unlock()

	for _, h := range victims {
		release(h)
	}
	return len(victims)
}

func (t *handleTable) closeAll(release func(*Handle)) {
	t.mu.Lock()
	victims := make([]*Handle, 0, len(t.open))
	for fd, h := range t.open {
		victims = append(victims, h)
		delete(t.open, fd)
	}
	t.mu.Unlock()

	for _, h := range victims {
		release(h)
	}
}

// Open opens path for the given access mode, optionally creating it.
// It returns a file descriptor valid until Close.
func (v *VFS) Open(creds types.Credentials, path string, flags OpenFlags, mode types.FileMode) (fd uint64, err error) {
	defer v.observe("open", time.Now(), &err)

	if flags&(OpenRead|OpenWrite) == 0 {
		return 0, errors.New(errors.ErrCodeInvalidArg, "open needs read or write access").
			WithComponent("vfs").WithOp("open").WithPath(path)
	}
	norm, err := resolver.Normalize(path)
	if err != nil {
		return 0, err
	}

	created := false
	d, err := v.resolve(norm)
	switch {
	case err == nil:
		if flags&(OpenCreate|OpenExclusive) == OpenCreate|OpenExclusive {
			v.caches.Dentries.Put(d)
			return 0, errors.Newf(errors.ErrCodeExists, "%s already exists", norm).
				WithComponent("vfs").WithOp("open").WithPath(norm)
		}
	case errors.IsCode(err, errors.ErrCodeNotFound) && flags&OpenCreate != 0:
		if d, err = v.createFile(creds, norm, mode); err != nil {
			return 0, err
		}
		created = true
	default:
		return 0, err
	}

	node := d.Node
	if node.Mode.IsDir() {
		v.caches.Dentries.Put(d)
		return 0, errors.Newf(errors.ErrCodeIsDir, "%s is a directory", norm).
			WithComponent("vfs").WithOp("open").WithPath(norm)
	}
	if !node.Mode.IsRegular() {
		v.caches.Dentries.Put(d)
		return 0, errors.Newf(errors.ErrCodeNotSupported, "%s is not a regular file", norm).
			WithComponent("vfs").WithOp("open").WithPath(norm)
	}

	var want types.FileMode
	if flags&OpenRead != 0 {
		want |= accessRead
	}
	if flags&OpenWrite != 0 {
		want |= accessWrite
	}
	if err = checkAccess(node, creds, want); err != nil {
		v.caches.Dentries.Put(d)
		return 0, err
	}
	if flags&OpenWrite != 0 && d.Sb.ReadOnly() {
		v.caches.Dentries.Put(d)
		return 0, errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", norm).
			WithComponent("vfs").WithOp("open").WithPath(norm)
	}

	// The handle pins the node independently of the dentry, so an
	// unlink under an open file cannot destroy the node early.
	node, err = v.caches.Nodes.Get(d.Sb, node.Key.Ino)
	if err != nil {
		v.caches.Dentries.Put(d)
		return 0, err
	}

	m, err := v.mounts.FindMount(norm)
	if err != nil {
		v.caches.Nodes.Put(node)
		v.caches.Dentries.Put(d)
		return 0, err
	}
	v.mounts.Acquire(m)

	if flags&OpenTruncate != 0 && flags&OpenWrite != 0 && !created {
		if err = v.truncateNode(node, 0); err != nil {
			v.releaseHandle(&Handle{dentry: d, node: node, mount: m})
			return 0, err
		}
		v.events.Publish(types.EventTruncate, types.PriorityNormal, norm, "", creds)
	}

	h := &Handle{
		path:   norm,
		dentry: d,
		node:   node,
		mount:  m,
		flags:  flags,
		creds:  creds,
	}
	fd, err = v.handles.insert(h)
	if err != nil {
		v.releaseHandle(h)
		return 0, err
	}

	if created {
		v.events.FileCreated(norm, creds)
	}
	v.events.Publish(types.EventOpen, types.PriorityLow, norm, "", creds)
	return fd, nil
}

// Close releases a file descriptor and the references it holds.
func (v *VFS) Close(creds types.Credentials, fd uint64) (err error) {
	defer v.observe("close", time.Now(), &err)

	h, err := v.handles.remove(fd)
	if err != nil {
		return err
	}
	path := h.path
	key := h.node.Key
	v.releaseHandle(h)
	v.locks.DropIfIdle(key)
	v.events.Publish(types.EventClose, types.PriorityLow, path, "", creds)
	return nil
}

// Read reads up to len(buf) bytes at the given offset. Under mandatory
// locking, a conflicting write lock held by another owner fails the
// read.
func (v *VFS) Read(creds types.Credentials, fd uint64, offset int64, buf []byte) (n int, err error) {
	defer v.observe("read", time.Now(), &err)

	h, err := v.handles.get(fd)
	if err != nil {
		return 0, err
	}
	if h.flags&OpenRead == 0 {
		return 0, errors.New(errors.ErrCodePermission, "file not open for reading").
			WithComponent("vfs").WithOp("read").WithPath(h.path)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if err = v.checkRangeIO(h, creds, offset, len(buf), false); err != nil {
		return 0, err
	}

	h.node.Mu.RLock()
	defer h.node.Mu.RUnlock()
	return h.node.Ops.Read(h.node, offset, buf)
}

// Write writes data at the given offset, extending the file as needed.
func (v *VFS) Write(creds types.Credentials, fd uint64, offset int64, data []byte) (n int, err error) {
	defer v.observe("write", time.Now(), &err)

	h, err := v.handles.get(fd)
	if err != nil {
		return 0, err
	}
	if h.flags&OpenWrite == 0 {
		return 0, errors.New(errors.ErrCodePermission, "file not open for writing").
			WithComponent("vfs").WithOp("write").WithPath(h.path)
	}
	if h.dentry.Sb.ReadOnly() {
		return 0, errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", h.path).
			WithComponent("vfs").WithOp("write").WithPath(h.path)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err = v.checkRangeIO(h, creds, offset, len(data), true); err != nil {
		return 0, err
	}

	h.node.Mu.Lock()
	n, err = h.node.Ops.Write(h.node, offset, data)
	if err == nil {
		now := time.Now()
		h.node.Times.Modified = now
		h.node.Times.Changed = now
	}
	h.node.Mu.Unlock()
	if err != nil {
		return n, err
	}

	v.caches.Nodes.MarkDirty(h.node)
	v.events.FileModified(h.path, creds)
	return n, nil
}

// Ftruncate resizes an open file.
func (v *VFS) Ftruncate(creds types.Credentials, fd uint64, size int64) (err error) {
	defer v.observe("truncate", time.Now(), &err)

	h, err := v.handles.get(fd)
	if err != nil {
		return err
	}
	if h.flags&OpenWrite == 0 {
		return errors.New(errors.ErrCodePermission, "file not open for writing").
			WithComponent("vfs").WithOp("truncate").WithPath(h.path)
	}
	if err = v.truncateNode(h.node, size); err != nil {
		return err
	}
	v.events.Publish(types.EventTruncate, types.PriorityNormal, h.path, "", creds)
	return nil
}

func (v *VFS) truncateNode(node *cache.Node, size int64) error {
	node.Mu.Lock()
	err := node.Ops.Truncate(node, size)
	if err == nil {
		now := time.Now()
		node.Times.Modified = now
		node.Times.Changed = now
	}
	node.Mu.Unlock()
	if err != nil {
		return err
	}
	v.caches.Nodes.MarkDirty(node)
	return nil
}

// checkRangeIO applies the mandatory-locking gate for one I/O range.
func (v *VFS) checkRangeIO(h *Handle, creds types.Credentials, offset int64, length int, write bool) error {
	if offset < 0 {
		return errors.Newf(errors.ErrCodeInvalidArg, "negative offset %d", offset).
			WithComponent("vfs")
	}
	mgr := v.locks.Manager(h.node.Key)
	return mgr.CheckIO(creds, uint64(offset), uint64(offset)+uint64(length)-1, write)
}

// createFile makes a new regular file for an Open with OpenCreate set,
// returning a referenced positive dentry.
func (v *VFS) createFile(creds types.Credentials, path string, mode types.FileMode) (*cache.Dentry, error) {
	parent, name, err := v.resolveParent(path)
	if err != nil {
		return nil, err
	}
	defer v.caches.Dentries.Put(parent)

	if parent.Sb.ReadOnly() {
		return nil, errors.Newf(errors.ErrCodeReadOnly, "%s is on a read-only filesystem", path).
			WithComponent("vfs").WithOp("create").WithPath(path)
	}
	if err = checkAccess(parent.Node, creds, accessWrite|accessExec); err != nil {
		return nil, err
	}

	parent.Node.Mu.Lock()
	ino, err := parent.Node.Ops.Create(parent.Node, name, mode, creds)
	parent.Node.Mu.Unlock()
	if err != nil {
		return nil, err
	}
	v.caches.Nodes.MarkDirty(parent.Node)

	return v.bindChild(parent, name, ino)
}

// bindChild attaches the freshly created inode to the dentry cache,
// upgrading a cached negative entry when one exists. It returns a
// referenced positive dentry.
func (v *VFS) bindChild(parent *cache.Dentry, name string, ino uint64) (*cache.Dentry, error) {
	node, err := v.caches.Nodes.Get(parent.Sb, ino)
	if err != nil {
		return nil, err
	}
	if d := v.caches.Dentries.Lookup(parent, name); d != nil {
		if d.IsNegative() {
			v.caches.Dentries.MakePositive(d, node)
		} else {
			// Someone else bound it first; drop our extra node ref.
			v.caches.Nodes.Put(node)
		}
		return d, nil
	}
	d, err := v.caches.Dentries.Add(parent, name, node)
	if err != nil {
		v.caches.Nodes.Put(node)
		return nil, err
	}
	return d, nil
}

// releaseHandle drops every reference an open handle holds.
func (v *VFS) releaseHandle(h *Handle) {
	if h.node != nil {
		v.caches.Nodes.Put(h.node)
	}
	if h.dentry != nil {
		v.caches.Dentries.Put(h.dentry)
	}
	if h.mount != nil {
		v.mounts.Release(h.mount)
	}
}
