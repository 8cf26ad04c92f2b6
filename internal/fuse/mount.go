// Package fuse exposes a VFS namespace as a host filesystem through the
// kernel FUSE interface. Every request is translated into the
// corresponding VFS operation with the caller's credentials, so
// permissions, read-only mounts, and mandatory locks apply unchanged.
package fuse

import (
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/vfskit/vfskit/internal/vfs"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the host directory where the namespace appears.
	Mountpoint string

	// VFS is the filesystem instance to expose. It must already have
	// a root mount.
	VFS *vfs.VFS

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages.
	Logger *utils.Logger
}

// Mount attaches the namespace at the configured mountpoint. The caller
// must call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.VFS == nil {
		return nil, fmt.Errorf("vfs instance is required")
	}
	if options.Logger == nil {
		options.Logger = utils.NewLogger(utils.ERROR, os.Stderr)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	b := &bridge{
		vfs: options.VFS,
		log: options.Logger.WithComponent("fuse"),
	}
	root := &node{bridge: b}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vfskit",
			Name:       "vfskit",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	b.log.Info("namespace exported at %s", options.Mountpoint)
	return server, nil
}

type bridge struct {
	vfs *vfs.VFS
	log *utils.Logger
}

// errnoOf maps the structured error codes onto kernel errnos.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var vErr *errors.VFSError
	if !stderrors.As(err, &vErr) {
		return syscall.EIO
	}
	switch vErr.Code {
	case errors.ErrCodeNotFound:
		return syscall.ENOENT
	case errors.ErrCodePermission:
		return syscall.EACCES
	case errors.ErrCodeExists:
		return syscall.EEXIST
	case errors.ErrCodeNotDir:
		return syscall.ENOTDIR
	case errors.ErrCodeIsDir:
		return syscall.EISDIR
	case errors.ErrCodeReadOnly:
		return syscall.EROFS
	case errors.ErrCodeBusy:
		return syscall.EBUSY
	case errors.ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case errors.ErrCodeCrossDevice:
		return syscall.EXDEV
	case errors.ErrCodeNameTooLong:
		return syscall.ENAMETOOLONG
	case errors.ErrCodeInvalidPath, errors.ErrCodeInvalidArg:
		return syscall.EINVAL
	case errors.ErrCodeNotSupported:
		return syscall.ENOSYS
	case errors.ErrCodeNoMemory:
		return syscall.ENOMEM
	case errors.ErrCodeTooManyOpen:
		return syscall.EMFILE
	case errors.ErrCodeLockConflict, errors.ErrCodeWouldBlock:
		return syscall.EAGAIN
	case errors.ErrCodeTooManyLocks:
		return syscall.ENOLCK
	case errors.ErrCodeDeadlock:
		return syscall.EDEADLK
	case errors.ErrCodeTimeout:
		return syscall.ETIMEDOUT
	case errors.ErrCodeCanceled:
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// stableIno folds the superblock identity into the inode number so
// nodes from different mounted filesystems never collide.
func stableIno(info vfs.FileInfo) uint64 {
	h := fnv.New64a()
	h.Write([]byte(info.SuperblockID))
	return h.Sum64()<<32 ^ info.Ino
}

func fillAttr(info vfs.FileInfo, out *fuse.Attr) {
	out.Ino = stableIno(info)
	out.Mode = uint32(info.Mode)
	out.Size = uint64(info.Size)
	out.Nlink = info.Links
	out.Owner = fuse.Owner{Uid: info.UID, Gid: info.GID}
	out.SetTimes(&info.Times.Accessed, &info.Times.Modified, &info.Times.Changed)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
}
