package vfs

import (
	"context"
	"time"

	"github.com/vfskit/vfskit/internal/locks"
	"github.com/vfskit/vfskit/pkg/types"
)

// LockFile acquires a byte-range lock on an open file. A blocking
// request waits until it can be granted or ctx expires.
func (v *VFS) LockFile(ctx context.Context, fd uint64, req locks.Request) (l *locks.Lock, err error) {
	defer v.observe("lock", time.Now(), &err)

	h, err := v.handles.get(fd)
	if err != nil {
		return nil, err
	}
	l, err = v.locks.Manager(h.node.Key).Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	v.events.Publish(types.EventLock, types.PriorityNormal, h.path, "", req.Owner)
	return l, nil
}

// UnlockFile releases the owner's locks over [start, end] on an open
// file, splitting partially covered locks.
func (v *VFS) UnlockFile(fd uint64, owner types.Credentials, start, end uint64) (err error) {
	defer v.observe("unlock", time.Now(), &err)

	h, err := v.handles.get(fd)
	if err != nil {
		return err
	}
	if err = v.locks.Manager(h.node.Key).Release(owner, start, end); err != nil {
		return err
	}
	v.locks.DropIfIdle(h.node.Key)
	v.events.Publish(types.EventUnlock, types.PriorityNormal, h.path, "", owner)
	return nil
}

// TestLock reports the lock that would block the request, or nil when
// it would be granted.
func (v *VFS) TestLock(fd uint64, req locks.Request) (*locks.Lock, error) {
	h, err := v.handles.get(fd)
	if err != nil {
		return nil, err
	}
	return v.locks.Manager(h.node.Key).Test(req), nil
}

// CancelLock withdraws the owner's waiting lock requests on an open
// file.
func (v *VFS) CancelLock(fd uint64, owner types.Credentials) (int, error) {
	h, err := v.handles.get(fd)
	if err != nil {
		return 0, err
	}
	return v.locks.Manager(h.node.Key).Cancel(owner), nil
}

// SetMandatory switches a file between advisory and mandatory locking.
// Under mandatory locking, Read and Write are gated by held locks.
func (v *VFS) SetMandatory(fd uint64, on bool) error {
	h, err := v.handles.get(fd)
	if err != nil {
		return err
	}
	v.locks.Manager(h.node.Key).SetMandatory(on)
	return nil
}

// ActiveLocks snapshots the locks held on an open file.
func (v *VFS) ActiveLocks(fd uint64) ([]locks.Lock, error) {
	h, err := v.handles.get(fd)
	if err != nil {
		return nil, err
	}
	return v.locks.Manager(h.node.Key).ActiveLocks(), nil
}

// AuditDeadlocks walks the global wait-for graph and reports a cycle as
// a DEADLOCK error.
func (v *VFS) AuditDeadlocks() error {
	return v.locks.AuditDeadlocks()
}
