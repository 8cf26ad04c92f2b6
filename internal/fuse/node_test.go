package fuse

import (
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfskit/vfskit/internal/vfs"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		code errors.ErrorCode
		want syscall.Errno
	}{
		{errors.ErrCodeNotFound, syscall.ENOENT},
		{errors.ErrCodePermission, syscall.EACCES},
		{errors.ErrCodeExists, syscall.EEXIST},
		{errors.ErrCodeNotDir, syscall.ENOTDIR},
		{errors.ErrCodeIsDir, syscall.EISDIR},
		{errors.ErrCodeReadOnly, syscall.EROFS},
		{errors.ErrCodeBusy, syscall.EBUSY},
		{errors.ErrCodeNotEmpty, syscall.ENOTEMPTY},
		{errors.ErrCodeCrossDevice, syscall.EXDEV},
		{errors.ErrCodeInvalidArg, syscall.EINVAL},
		{errors.ErrCodeLockConflict, syscall.EAGAIN},
		{errors.ErrCodeTooManyOpen, syscall.EMFILE},
		{errors.ErrCodeDeadlock, syscall.EDEADLK},
		{errors.ErrCodeCorrupted, syscall.EIO},
	}
	for _, tc := range cases {
		err := errors.Newf(tc.code, "test")
		assert.Equal(t, tc.want, errnoOf(err), "code %s", tc.code)
	}

	assert.Equal(t, syscall.Errno(0), errnoOf(nil))
	assert.Equal(t, syscall.EIO, errnoOf(syscall.EPIPE), "foreign errors degrade to EIO")
}

func TestOpenFlagTranslation(t *testing.T) {
	assert.Equal(t, vfs.OpenRead, openFlags(syscall.O_RDONLY))
	assert.Equal(t, vfs.OpenWrite, openFlags(syscall.O_WRONLY))
	assert.Equal(t, vfs.OpenRead|vfs.OpenWrite, openFlags(syscall.O_RDWR))
	assert.Equal(t,
		vfs.OpenWrite|vfs.OpenCreate|vfs.OpenExclusive,
		openFlags(syscall.O_WRONLY|syscall.O_CREAT|syscall.O_EXCL))
	assert.Equal(t,
		vfs.OpenRead|vfs.OpenWrite|vfs.OpenTruncate,
		openFlags(syscall.O_RDWR|syscall.O_TRUNC))
}

func TestFillAttr(t *testing.T) {
	now := time.Now()
	info := vfs.FileInfo{
		Ino:          42,
		Mode:         types.ModeRegular | 0o644,
		UID:          1000,
		GID:          1000,
		Size:         8192,
		Links:        2,
		Times:        types.Timestamps{Accessed: now, Modified: now, Changed: now},
		SuperblockID: "memfs-1",
	}

	var attr fuse.Attr
	fillAttr(info, &attr)

	assert.Equal(t, stableIno(info), attr.Ino)
	assert.Equal(t, uint32(types.ModeRegular|0o644), attr.Mode)
	assert.Equal(t, uint64(8192), attr.Size)
	assert.Equal(t, uint32(2), attr.Nlink)
	assert.Equal(t, uint32(1000), attr.Owner.Uid)
	assert.Equal(t, uint64(16), attr.Blocks)
	assert.Equal(t, uint64(now.Unix()), attr.Mtime)
}

func TestStableInoSeparatesSuperblocks(t *testing.T) {
	a := vfs.FileInfo{Ino: 7, SuperblockID: "memfs-1"}
	b := vfs.FileInfo{Ino: 7, SuperblockID: "memfs-2"}
	require.NotEqual(t, stableIno(a), stableIno(b))

	// The same object always folds to the same number.
	assert.Equal(t, stableIno(a), stableIno(a))
}

func TestSliceDirStream(t *testing.T) {
	s := &sliceDirStream{entries: []fuse.DirEntry{
		{Name: "a", Ino: 1},
		{Name: "b", Ino: 2},
	}}
	defer s.Close()

	require.True(t, s.HasNext())
	e, errno := s.Next()
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "a", e.Name)

	e, _ = s.Next()
	assert.Equal(t, "b", e.Name)
	assert.False(t, s.HasNext())
}
