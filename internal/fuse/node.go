package fuse

import (
	"context"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vfskit/vfskit/internal/vfs"
	"github.com/vfskit/vfskit/pkg/types"
)

// node bridges a single path in the namespace. Paths are derived from
// the kernel's inode tree rather than stored, so renames performed
// through the mount keep nodes pointing at the right object.
type node struct {
	gofuse.Inode
	bridge *bridge
}

var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeLinker = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)

// creds extracts the requesting process identity from the kernel
// request. The thread ID is not exposed by FUSE, so the PID stands in
// for it, which makes lock ownership process-wide across the mount.
func (b *bridge) creds(ctx context.Context) types.Credentials {
	if caller, ok := fuse.FromContext(ctx); ok {
		return types.Credentials{PID: caller.Pid, TID: caller.Pid, UID: caller.Uid, GID: caller.Gid}
	}
	return types.Credentials{}
}

func (n *node) fullPath() string {
	return "/" + n.Path(nil)
}

func (n *node) childPath(name string) string {
	p := n.fullPath()
	if p == "/" {
		return "/" + name
	}
	return p + "/" + name
}

func (n *node) newChild(ctx context.Context, info vfs.FileInfo, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(info, &out.Attr)
	return n.NewInode(ctx, &node{bridge: n.bridge}, gofuse.StableAttr{
		Mode: uint32(info.Mode & types.ModeTypeMask),
		Ino:  stableIno(info),
	})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	info, err := n.bridge.vfs.Stat(n.bridge.creds(ctx), n.childPath(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, info, out), 0
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := n.bridge.vfs.Stat(n.bridge.creds(ctx), n.fullPath())
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(info, &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	creds := n.bridge.creds(ctx)
	path := n.fullPath()

	if size, ok := in.GetSize(); ok {
		if err := n.bridge.vfs.Truncate(creds, path, int64(size)); err != nil {
			return errnoOf(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.bridge.vfs.Chmod(creds, path, types.FileMode(mode)); err != nil {
			return errnoOf(err)
		}
	}
	uid, changeUID := in.GetUID()
	gid, changeGID := in.GetGID()
	if changeUID || changeGID {
		if !changeUID {
			uid = ^uint32(0)
		}
		if !changeGID {
			gid = ^uint32(0)
		}
		if err := n.bridge.vfs.Chown(creds, path, uid, gid); err != nil {
			return errnoOf(err)
		}
	}

	info, err := n.bridge.vfs.Stat(creds, path)
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(info, &out.Attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := n.bridge.vfs.Readdir(n.bridge.creds(ctx), n.fullPath())
	if err != nil {
		return nil, errnoOf(err)
	}
	stream := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		stream = append(stream, fuse.DirEntry{
			Name: e.Name,
			Ino:  e.Ino,
			Mode: uint32(e.Mode & types.ModeTypeMask),
		})
	}
	return &sliceDirStream{entries: stream}, 0
}

// openFlags translates kernel open(2) flags into the VFS equivalents.
func openFlags(flags uint32) vfs.OpenFlags {
	var out vfs.OpenFlags
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		out = vfs.OpenRead
	case syscall.O_WRONLY:
		out = vfs.OpenWrite
	case syscall.O_RDWR:
		out = vfs.OpenRead | vfs.OpenWrite
	}
	if flags&syscall.O_CREAT != 0 {
		out |= vfs.OpenCreate
	}
	if flags&syscall.O_EXCL != 0 {
		out |= vfs.OpenExclusive
	}
	if flags&syscall.O_TRUNC != 0 {
		out |= vfs.OpenTruncate
	}
	return out
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	creds := n.bridge.creds(ctx)
	fd, err := n.bridge.vfs.Open(creds, n.fullPath(), openFlags(flags), 0)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return &fileHandle{bridge: n.bridge, fd: fd, creds: creds}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	creds := n.bridge.creds(ctx)
	path := n.childPath(name)

	fd, err := n.bridge.vfs.Open(creds, path, openFlags(flags)|vfs.OpenCreate, types.FileMode(mode))
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	info, err := n.bridge.vfs.Stat(creds, path)
	if err != nil {
		n.bridge.vfs.Close(creds, fd)
		return nil, nil, 0, errnoOf(err)
	}
	child := n.newChild(ctx, info, out)
	fh := &fileHandle{bridge: n.bridge, fd: fd, creds: creds}
	return child, fh, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	creds := n.bridge.creds(ctx)
	path := n.childPath(name)

	if err := n.bridge.vfs.Mkdir(creds, path, types.FileMode(mode)); err != nil {
		return nil, errnoOf(err)
	}
	info, err := n.bridge.vfs.Stat(creds, path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, info, out), 0
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.bridge.vfs.Rmdir(n.bridge.creds(ctx), n.childPath(name)))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoOf(n.bridge.vfs.Unlink(n.bridge.creds(ctx), n.childPath(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return errnoOf(n.bridge.vfs.Rename(n.bridge.creds(ctx), n.childPath(name), dst.childPath(newName)))
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	src, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	creds := n.bridge.creds(ctx)
	path := n.childPath(name)

	if err := n.bridge.vfs.Link(creds, src.fullPath(), path); err != nil {
		return nil, errnoOf(err)
	}
	info, err := n.bridge.vfs.Stat(creds, path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, info, out), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	creds := n.bridge.creds(ctx)
	path := n.childPath(name)

	if err := n.bridge.vfs.Symlink(creds, target, path); err != nil {
		return nil, errnoOf(err)
	}
	info, err := n.bridge.vfs.Stat(creds, path)
	if err != nil {
		return nil, errnoOf(err)
	}
	return n.newChild(ctx, info, out), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.bridge.vfs.Readlink(n.bridge.creds(ctx), n.fullPath())
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

// fileHandle carries an open descriptor. The credentials captured at
// open time are reused for I/O so a descriptor passed between processes
// keeps the opener's identity, matching POSIX descriptor semantics.
type fileHandle struct {
	bridge *bridge
	fd     uint64
	creds  types.Credentials
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.bridge.vfs.Read(f.creds, f.fd, off, dest)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.bridge.vfs.Write(f.creds, f.fd, off, data)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(n), 0
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoOf(f.bridge.vfs.Close(f.creds, f.fd))
}

// sliceDirStream serves a directory listing that was materialized up
// front.
type sliceDirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (s *sliceDirStream) HasNext() bool {
	return s.pos < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.pos]
	s.pos++
	return e, 0
}

func (s *sliceDirStream) Close() {}
