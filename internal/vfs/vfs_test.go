package vfs

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfskit/vfskit/internal/driver/memfs"
	"github.com/vfskit/vfskit/internal/events"
	"github.com/vfskit/vfskit/internal/locks"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

var (
	alice = types.Credentials{PID: 100, TID: 100, UID: 1000, GID: 1000}
	bob   = types.Credentials{PID: 200, TID: 200, UID: 2000, GID: 2000}
	root  = types.Credentials{PID: 1, TID: 1, UID: 0, GID: 0}
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()

	v, err := New(nil, utils.NewLogger(utils.ERROR, io.Discard))
	require.NoError(t, err)
	require.NoError(t, v.RegisterDriver(memfs.NewDriver()))
	require.NoError(t, v.Mount(root, "/", "memfs", "", 0, nil))
	t.Cleanup(func() { _ = v.Shutdown(context.Background()) })
	return v
}

func writeFile(t *testing.T, v *VFS, creds types.Credentials, path, contents string) {
	t.Helper()

	fd, err := v.Open(creds, path, OpenRead|OpenWrite|OpenCreate, 0o644)
	require.NoError(t, err)
	_, err = v.Write(creds, fd, 0, []byte(contents))
	require.NoError(t, err)
	require.NoError(t, v.Close(creds, fd))
}

func TestStatRoot(t *testing.T) {
	v := newTestVFS(t)

	info, err := v.Stat(alice, "/")
	require.NoError(t, err)
	assert.True(t, info.Mode.IsDir())
	assert.Equal(t, uint32(2), info.Links)
}

func TestOpenWriteReadClose(t *testing.T) {
	v := newTestVFS(t)

	fd, err := v.Open(alice, "/hello.txt", OpenRead|OpenWrite|OpenCreate, 0o644)
	require.NoError(t, err)

	n, err := v.Write(alice, fd, 0, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 32)
	n, err = v.Read(alice, fd, 6, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	require.NoError(t, v.Close(alice, fd))

	info, err := v.Stat(alice, "/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, uint32(1000), info.UID)

	// The descriptor is dead after close.
	_, err = v.Read(alice, fd, 0, buf)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArg))
}

func TestOpenExclusiveOnExisting(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "x")

	_, err := v.Open(alice, "/f", OpenWrite|OpenCreate|OpenExclusive, 0o644)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExists))
}

func TestOpenTruncate(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "long contents")

	fd, err := v.Open(alice, "/f", OpenRead|OpenWrite|OpenTruncate, 0)
	require.NoError(t, err)
	defer v.Close(alice, fd)

	info, err := v.Stat(alice, "/f")
	require.NoError(t, err)
	assert.Zero(t, info.Size)
}

func TestOpenMissingWithoutCreate(t *testing.T) {
	v := newTestVFS(t)

	_, err := v.Open(alice, "/nope", OpenRead, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestOpenDirectoryFails(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mkdir(alice, "/d", 0o755))

	_, err := v.Open(alice, "/d", OpenRead, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodeIsDir))
}

func TestMkdirReaddirRmdir(t *testing.T) {
	v := newTestVFS(t)

	require.NoError(t, v.Mkdir(alice, "/docs", 0o755))
	writeFile(t, v, alice, "/docs/a", "1")
	writeFile(t, v, alice, "/docs/b", "2")

	entries, err := v.Readdir(alice, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)

	err = v.Rmdir(alice, "/docs")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotEmpty))

	require.NoError(t, v.Unlink(alice, "/docs/a"))
	require.NoError(t, v.Unlink(alice, "/docs/b"))
	require.NoError(t, v.Rmdir(alice, "/docs"))

	_, err = v.Stat(alice, "/docs")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestUnlinkWhileOpen(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "still here")

	fd, err := v.Open(alice, "/f", OpenRead, 0)
	require.NoError(t, err)

	require.NoError(t, v.Unlink(alice, "/f"))
	_, err = v.Stat(alice, "/f")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	// The open handle still reads the unlinked file's data.
	buf := make([]byte, 16)
	n, err := v.Read(alice, fd, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))

	require.NoError(t, v.Close(alice, fd))
}

func TestRename(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/old", "contents")

	require.NoError(t, v.Rename(alice, "/old", "/new"))

	_, err := v.Stat(alice, "/old")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	info, err := v.Stat(alice, "/new")
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size)
}

func TestLinkAndSymlink(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/orig", "data")

	require.NoError(t, v.Link(alice, "/orig", "/hard"))
	orig, err := v.Stat(alice, "/orig")
	require.NoError(t, err)
	hard, err := v.Stat(alice, "/hard")
	require.NoError(t, err)
	assert.Equal(t, orig.Ino, hard.Ino)
	assert.Equal(t, uint32(2), hard.Links)

	require.NoError(t, v.Symlink(alice, "/orig", "/soft"))
	target, err := v.Readlink(alice, "/soft")
	require.NoError(t, err)
	assert.Equal(t, "/orig", target)

	_, err = v.Readlink(alice, "/orig")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArg))
}

func TestChmodChownPermissions(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "x")

	// Non-owner cannot chmod.
	err := v.Chmod(bob, "/f", 0o777)
	assert.True(t, errors.IsCode(err, errors.ErrCodePermission))

	require.NoError(t, v.Chmod(alice, "/f", 0o600))
	info, err := v.Stat(alice, "/f")
	require.NoError(t, err)
	assert.Equal(t, types.FileMode(0o600), info.Mode.Perm())

	// 0600 denies the other class.
	_, err = v.Open(bob, "/f", OpenRead, 0)
	assert.True(t, errors.IsCode(err, errors.ErrCodePermission))
	// Root bypasses.
	fd, err := v.Open(root, "/f", OpenRead, 0)
	require.NoError(t, err)
	require.NoError(t, v.Close(root, fd))

	// Only root may change the owner.
	err = v.Chown(alice, "/f", bob.UID, bob.GID)
	assert.True(t, errors.IsCode(err, errors.ErrCodePermission))
	require.NoError(t, v.Chown(root, "/f", bob.UID, bob.GID))
	info, err = v.Stat(root, "/f")
	require.NoError(t, err)
	assert.Equal(t, bob.UID, info.UID)
}

func TestReadOnlyMountRejectsWrites(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mkdir(root, "/ro", 0o755))
	require.NoError(t, v.Mount(root, "/ro", "memfs", "", types.MountReadOnly, nil))

	err := v.Mkdir(root, "/ro/d", 0o755)
	assert.True(t, errors.IsCode(err, errors.ErrCodeReadOnly))
	_, err = v.Open(root, "/ro/f", OpenWrite|OpenCreate, 0o644)
	assert.True(t, errors.IsCode(err, errors.ErrCodeReadOnly))
}

func TestNestedMountCrossing(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mkdir(alice, "/mnt", 0o755))
	require.NoError(t, v.Mount(root, "/mnt", "memfs", "", 0, nil))

	writeFile(t, v, alice, "/mnt/inner", "across the boundary")
	info, err := v.Stat(alice, "/mnt/inner")
	require.NoError(t, err)
	assert.Equal(t, int64(19), info.Size)

	// The file lives on the nested filesystem, not the root one.
	rootInfo, err := v.Stat(alice, "/")
	require.NoError(t, err)
	assert.NotEqual(t, rootInfo.SuperblockID, info.SuperblockID)

	// Busy while a file inside is open; clean unmount afterwards.
	fd, err := v.Open(alice, "/mnt/inner", OpenRead, 0)
	require.NoError(t, err)
	err = v.Unmount(root, "/mnt", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBusy))
	require.NoError(t, v.Close(alice, fd))
	require.NoError(t, v.Unmount(root, "/mnt", false))
}

func TestMountpointRejectsRmdirAndRename(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mkdir(alice, "/mnt", 0o755))
	require.NoError(t, v.Mount(root, "/mnt", "memfs", "", 0, nil))

	// The covering directory stays owned by the mount: removing or
	// moving it must fail while the mount is active.
	err := v.Rmdir(root, "/mnt")
	assert.True(t, errors.IsCode(err, errors.ErrCodeBusy), "rmdir of a mountpoint = %v", err)

	err = v.Rename(root, "/mnt", "/elsewhere")
	assert.True(t, errors.IsCode(err, errors.ErrCodeBusy), "rename of a mountpoint = %v", err)

	// The mount is still intact and usable.
	writeFile(t, v, alice, "/mnt/alive", "x")
	_, err = v.Stat(alice, "/mnt/alive")
	require.NoError(t, err)

	require.NoError(t, v.Unmount(root, "/mnt", false))
	require.NoError(t, v.Rmdir(root, "/mnt"))
}

func TestMandatoryLockGatesIO(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "0123456789")

	fdA, err := v.Open(alice, "/f", OpenRead|OpenWrite, 0)
	require.NoError(t, err)
	fdB, err := v.Open(root, "/f", OpenRead|OpenWrite, 0)
	require.NoError(t, err)
	defer v.Close(alice, fdA)
	defer v.Close(root, fdB)

	require.NoError(t, v.SetMandatory(fdA, true))
	_, err = v.LockFile(context.Background(), fdA, locks.Request{
		Type: locks.WriteLock, Start: 0, End: 4, Owner: alice,
	})
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = v.Read(root, fdB, 0, buf)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockConflict))
	// Outside the locked range the read passes.
	_, err = v.Read(root, fdB, 5, buf)
	assert.NoError(t, err)
	// The holder's own I/O passes.
	_, err = v.Write(alice, fdA, 0, []byte("AB"))
	assert.NoError(t, err)

	require.NoError(t, v.UnlockFile(fdA, alice, 0, 4))
	_, err = v.Read(root, fdB, 0, buf)
	assert.NoError(t, err)
}

func TestTestLockReportsBlocker(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "x")

	fd, err := v.Open(alice, "/f", OpenRead|OpenWrite, 0)
	require.NoError(t, err)
	defer v.Close(alice, fd)

	_, err = v.LockFile(context.Background(), fd, locks.Request{
		Type: locks.WriteLock, Start: 10, End: 20, Owner: alice,
	})
	require.NoError(t, err)

	blocker, err := v.TestLock(fd, locks.Request{
		Type: locks.ReadLock, Start: 15, End: 25, Owner: bob,
	})
	require.NoError(t, err)
	require.NotNil(t, blocker)
	assert.Equal(t, alice.PID, blocker.Owner.PID)
	assert.Equal(t, locks.WriteLock, blocker.Type)

	held, err := v.ActiveLocks(fd)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestCleanupProcess(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "x")

	fd, err := v.Open(alice, "/f", OpenRead|OpenWrite, 0)
	require.NoError(t, err)
	_, err = v.LockFile(context.Background(), fd, locks.Request{
		Type: locks.WriteLock, Start: 0, End: 0, Owner: alice,
	})
	require.NoError(t, err)

	v.CleanupProcess(alice.PID)

	// Handle is gone and the lock table is clear.
	_, err = v.Read(alice, fd, 0, make([]byte, 1))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArg))
	assert.Zero(t, v.Stats().Locks.ActiveWrite)
}

func TestEventsAtProductionSites(t *testing.T) {
	v := newTestVFS(t)

	var mu sync.Mutex
	var seen []types.EventType
	filter := events.NewFilter()
	filter.Types = types.EventCreate | types.EventModify | types.EventDelete | types.EventMove
	id, err := v.AddWatch(filter, func(e *events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	writeFile(t, v, alice, "/f", "x")
	require.NoError(t, v.Rename(alice, "/f", "/g"))
	require.NoError(t, v.Unlink(alice, "/g"))

	mu.Lock()
	got := append([]types.EventType(nil), seen...)
	mu.Unlock()
	assert.Equal(t, []types.EventType{
		types.EventCreate, types.EventModify, types.EventMove, types.EventDelete,
	}, got)

	require.NoError(t, v.RemoveWatch(id))
	writeFile(t, v, alice, "/h", "x")
	mu.Lock()
	assert.Len(t, seen, 4)
	mu.Unlock()
}

func TestEventPathGlobOnSubtree(t *testing.T) {
	v := newTestVFS(t)
	require.NoError(t, v.Mkdir(alice, "/logs", 0o755))

	filter := events.NewFilter()
	filter.Types = types.EventCreate
	filter.PathGlob = "/logs/*"
	w, err := v.AddWatchAsync(filter)
	require.NoError(t, err)

	writeFile(t, v, alice, "/logs/app.log", "x")
	writeFile(t, v, alice, "/other", "x")

	e := <-w.Events()
	assert.Equal(t, "/logs/app.log", e.Path)
	e.Release()
	select {
	case extra := <-w.Events():
		t.Fatalf("unexpected event for %s", extra.Path)
	default:
	}
}

func TestSyncAllAndStats(t *testing.T) {
	v := newTestVFS(t)
	writeFile(t, v, alice, "/f", "dirty")

	require.NoError(t, v.SyncAll(root))

	stats := v.Stats()
	assert.NotZero(t, stats.Events.Generated)
	assert.NotZero(t, stats.Dentries.Entries)
}

func TestShutdownUnmountsEverything(t *testing.T) {
	v, err := New(nil, utils.NewLogger(utils.ERROR, io.Discard))
	require.NoError(t, err)
	require.NoError(t, v.RegisterDriver(memfs.NewDriver()))
	require.NoError(t, v.Mount(root, "/", "memfs", "", 0, nil))
	require.NoError(t, v.Mkdir(alice, "/mnt", 0o755))
	require.NoError(t, v.Mount(root, "/mnt", "memfs", "", 0, nil))

	fd, err := v.Open(alice, "/mnt/f", OpenWrite|OpenCreate, 0o644)
	require.NoError(t, err)
	_ = fd

	require.NoError(t, v.Shutdown(context.Background()))
	assert.Empty(t, v.Mounts())
}
