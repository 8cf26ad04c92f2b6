package locks

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

func testRegistry(maxLocks int) *Registry {
	return NewRegistry(Config{MaxLocks: maxLocks}, utils.NewLogger(utils.ERROR, io.Discard))
}

func testManager(t *testing.T) (*Registry, *Manager) {
	t.Helper()
	r := testRegistry(512)
	return r, r.Manager(types.NodeKey{SuperblockID: "sb", Ino: 100})
}

func creds(pid uint32) types.Credentials {
	return types.Credentials{PID: pid, TID: pid, UID: 1000, GID: 1000}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestReadLocksShare(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 50, End: 150, Owner: creds(2)})
	require.NoError(t, err)

	assert.Len(t, m.ActiveLocks(), 2)
}

func TestWriteLockExcludes(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 50, End: 60, Owner: creds(2), NonBlocking: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock), "read vs write: %v", err)

	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 100, End: 200, Owner: creds(2), NonBlocking: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock), "inclusive end must overlap: %v", err)
}

func TestNonOverlappingRangesCoexist(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 99, Owner: creds(1)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 100, End: 199, Owner: creds(2), NonBlocking: true})
	require.NoError(t, err)
}

func TestEOFLockCoversTail(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	// End zero extends the lock to end of file.
	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 1000, End: 0, Owner: creds(1)})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 5_000_000, End: 5_000_100, Owner: creds(2), NonBlocking: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock), "EOF lock must cover any tail range: %v", err)

	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 999, Owner: creds(2), NonBlocking: true})
	assert.NoError(t, err, "range before the EOF lock start must not conflict")
}

func TestSameOwnerNeverConflicts(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1), NonBlocking: true})
	assert.NoError(t, err)

	// Same pid, different tid is a different owner.
	other := types.Credentials{PID: 1, TID: 99}
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: other, NonBlocking: true})
	assert.True(t, errors.IsCode(err, errors.ErrCodeWouldBlock))
}

func TestBlockingAcquireWakesOnRelease(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(2)})
		got <- err
	}()
	waitFor(t, func() bool { return m.WaitingCount() == 1 }, "waiter to enqueue")

	require.NoError(t, m.Release(creds(1), 0, 100))
	require.NoError(t, <-got)
	assert.Equal(t, 0, m.WaitingCount())
}

func TestPriorityBeatsArrivalOrder(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	lowDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(2), Priority: 0})
		lowDone <- err
	}()
	waitFor(t, func() bool { return m.WaitingCount() == 1 }, "low-priority waiter")

	highDone := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(3), Priority: 10})
		highDone <- err
	}()
	waitFor(t, func() bool { return m.WaitingCount() == 2 }, "high-priority waiter")

	// The later, higher-priority requester wins the release.
	require.NoError(t, m.Release(creds(1), 0, 100))
	require.NoError(t, <-highDone)
	assert.Equal(t, 1, m.WaitingCount(), "low-priority request still waits")

	require.NoError(t, m.Release(creds(3), 0, 100))
	require.NoError(t, <-lowDone)
}

func TestReleaseWakesAllCompatibleWaiters(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	done := make(chan error, 2)
	for pid := uint32(2); pid <= 3; pid++ {
		pid := pid
		go func() {
			_, err := m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 100, Owner: creds(pid)})
			done <- err
		}()
	}
	waitFor(t, func() bool { return m.WaitingCount() == 2 }, "two read waiters")

	// One release lets both shared waiters through: the scan restarts
	// after each grant.
	require.NoError(t, m.Release(creds(1), 0, 100))
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Len(t, m.ActiveLocks(), 2)
}

func TestPartialReleaseSplitsLock(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 299, Owner: creds(1)})
	require.NoError(t, err)

	// Release the middle third; the edges stay locked.
	require.NoError(t, m.Release(creds(1), 100, 199))

	assert.Nil(t, m.Test(Request{Type: WriteLock, Start: 100, End: 199, Owner: creds(2)}),
		"released middle must be free")
	assert.NotNil(t, m.Test(Request{Type: WriteLock, Start: 0, End: 99, Owner: creds(2)}),
		"left remainder must still be held")
	assert.NotNil(t, m.Test(Request{Type: WriteLock, Start: 200, End: 299, Owner: creds(2)}),
		"right remainder must still be held")
}

func TestReleaseWithoutLock(t *testing.T) {
	_, m := testManager(t)
	err := m.Release(creds(1), 0, 100)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "got %v", err)
}

func TestTestReportsBlocker(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 10, End: 20, Owner: creds(1), Priority: 3})
	require.NoError(t, err)

	blocker := m.Test(Request{Type: ReadLock, Start: 15, End: 25, Owner: creds(2)})
	require.NotNil(t, blocker)
	assert.Equal(t, uint32(1), blocker.Owner.PID)
	assert.Equal(t, WriteLock, blocker.Type)
	assert.Equal(t, uint64(10), blocker.Start)
	assert.Equal(t, uint64(20), blocker.End)

	assert.Nil(t, m.Test(Request{Type: ReadLock, Start: 15, End: 25, Owner: creds(1)}),
		"own locks never block a test")
}

func TestCancelWaiters(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(2)})
		got <- err
	}()
	waitFor(t, func() bool { return m.WaitingCount() == 1 }, "waiter to enqueue")

	assert.Equal(t, 1, m.Cancel(creds(2)))
	err = <-got
	assert.True(t, errors.IsCode(err, errors.ErrCodeCanceled), "got %v", err)
}

func TestAcquireTimeout(t *testing.T) {
	_, m := testManager(t)

	_, err := m.Acquire(context.Background(), Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(2)})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTimeout), "got %v", err)
	assert.Equal(t, 0, m.WaitingCount())
}

func TestCleanupOwner(t *testing.T) {
	r, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)
	other := r.Manager(types.NodeKey{SuperblockID: "sb", Ino: 200})
	_, err = other.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 0, Owner: creds(1)})
	require.NoError(t, err)

	got := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(2)})
		got <- err
	}()
	waitFor(t, func() bool { return m.WaitingCount() == 1 }, "waiter to enqueue")

	// Exiting owner drops every lock it holds; its blocker disappears
	// and the waiter is granted.
	assert.Equal(t, 2, r.CleanupOwner(creds(1)))
	require.NoError(t, <-got)
}

func TestMandatoryModeGatesIO(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)

	// Advisory by default: I/O passes regardless of locks.
	assert.NoError(t, m.CheckIO(creds(2), 0, 50, true))

	m.SetMandatory(true)
	err = m.CheckIO(creds(2), 0, 50, true)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockConflict), "got %v", err)
	assert.NoError(t, m.CheckIO(creds(1), 0, 50, true), "holder's own I/O passes")
	assert.NoError(t, m.CheckIO(creds(2), 200, 300, true), "I/O outside the range passes")

	// A read lock blocks writes but not reads under mandatory mode.
	require.NoError(t, m.Release(creds(1), 0, 100))
	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 100, Owner: creds(1)})
	require.NoError(t, err)
	assert.NoError(t, m.CheckIO(creds(2), 0, 50, false))
	err = m.CheckIO(creds(2), 0, 50, true)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockConflict), "got %v", err)
}

func TestLockTableLimit(t *testing.T) {
	r := testRegistry(2)
	m := r.Manager(types.NodeKey{SuperblockID: "sb", Ino: 1})
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 10, Owner: creds(1)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 20, End: 30, Owner: creds(2)})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 40, End: 50, Owner: creds(3)})
	assert.True(t, errors.IsCode(err, errors.ErrCodeTooManyLocks), "got %v", err)

	// Releasing frees a slot.
	require.NoError(t, m.Release(creds(1), 0, 10))
	_, err = m.Acquire(ctx, Request{Type: ReadLock, Start: 40, End: 50, Owner: creds(3)})
	assert.NoError(t, err)
}

func TestRegistryDropIfIdle(t *testing.T) {
	r, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 0, Owner: creds(1)})
	require.NoError(t, err)
	assert.False(t, r.DropIfIdle(m.Key()), "manager with active lock must not drop")

	require.NoError(t, m.Release(creds(1), 0, 0))
	assert.True(t, r.DropIfIdle(m.Key()))
	assert.Equal(t, 0, r.Stats().ManagersActive)
}

func TestStatsCounters(t *testing.T) {
	r, m := testManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{Type: ReadLock, Start: 0, End: 10, Owner: creds(1)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 20, End: 30, Owner: creds(2)})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{Type: WriteLock, Start: 0, End: 10, Owner: creds(3), NonBlocking: true})
	require.Error(t, err)

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(2), stats.Granted)
	assert.Equal(t, uint64(1), stats.Denied)
	assert.Equal(t, 1, stats.ActiveRead)
	assert.Equal(t, 1, stats.ActiveWrite)
}
