package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// waiter is a blocked acquire sitting in the wait queue. ready is
// closed with the outcome exactly once: a nil grant, cancellation, or
// owner cleanup.
type waiter struct {
	lock  *lock
	ready chan error
	seq   uint64
}

// Manager holds the lock state of one file: the active locks and the
// wait queue, ordered by priority (highest first) and FIFO within a
// priority level.
type Manager struct {
	mu        sync.Mutex
	key       types.NodeKey
	active    []*lock
	waiters   []*waiter
	mandatory bool
	nextSeq   uint64

	registry *Registry
}

// Key returns the node this manager locks.
func (m *Manager) Key() types.NodeKey { return m.key }

// SetMandatory switches the file between advisory and mandatory
// locking. In mandatory mode ordinary reads and writes are checked
// against the lock table.
func (m *Manager) SetMandatory(on bool) {
	m.mu.Lock()
	m.mandatory = on
	m.mu.Unlock()
}

// Mandatory reports whether mandatory locking is enabled.
func (m *Manager) Mandatory() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mandatory
}

// Acquire obtains the requested lock, blocking while conflicting locks
// are held. A non-blocking request fails immediately with WOULD_BLOCK.
// Blocking requests respect ctx: cancellation or deadline removes the
// request from the wait queue.
func (m *Manager) Acquire(ctx context.Context, req Request) (*Lock, error) {
	l := &lock{
		typ:      req.Type,
		start:    req.Start,
		end:      normEnd(req.End),
		owner:    req.Owner,
		priority: req.Priority,
	}

	m.mu.Lock()
	m.registry.countRequest()

	if !m.registry.reserveSlot() {
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeTooManyLocks, "lock table full (%d locks)", m.registry.config.MaxLocks).
			WithComponent("locks").WithOp("acquire")
	}

	if blocker := m.findConflictLocked(l); blocker == nil {
		granted := m.grantLocked(l)
		m.mu.Unlock()
		return granted, nil
	} else if req.NonBlocking {
		m.registry.releaseSlot()
		m.registry.countDenied()
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeWouldBlock, "conflicts with %s lock of pid %d",
			blocker.typ, blocker.owner.PID).
			WithComponent("locks").WithOp("acquire")
	}

	w := &waiter{lock: l, ready: make(chan error, 1), seq: m.nextSeq}
	m.nextSeq++
	m.enqueueLocked(w)
	m.mu.Unlock()

	select {
	case err := <-w.ready:
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		granted := l.export()
		m.mu.Unlock()
		return &granted, nil
	case <-ctx.Done():
		m.mu.Lock()
		if !m.dequeueLocked(w) {
			// The grant raced the cancellation; the lock is already
			// active and the outcome is on the channel.
			m.mu.Unlock()
			if err := <-w.ready; err != nil {
				return nil, err
			}
			m.mu.Lock()
			granted := l.export()
			m.mu.Unlock()
			return &granted, nil
		}
		m.registry.releaseSlot()
		m.registry.countDenied()
		m.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.ErrCodeTimeout, "lock wait timed out").
				WithComponent("locks").WithOp("acquire")
		}
		return nil, errors.New(errors.ErrCodeCanceled, "lock wait canceled").
			WithComponent("locks").WithOp("acquire")
	}
}

// Test reports the first active lock that would block the request, or
// nil when the request would be granted immediately.
func (m *Manager) Test(req Request) *Lock {
	l := &lock{
		typ:   req.Type,
		start: req.Start,
		end:   normEnd(req.End),
		owner: req.Owner,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if blocker := m.findConflictLocked(l); blocker != nil {
		exported := blocker.export()
		return &exported
	}
	return nil
}

// Release drops the owner's locks over the given range. A lock only
// partially covered by the range is split and its remainder stays
// held. Releasing wakes every waiter the departed locks were blocking,
// in queue order.
func (m *Manager) Release(owner types.Credentials, start, end uint64) error {
	nEnd := normEnd(end)

	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	kept := m.active[:0]
	var remainders []*lock
	for _, l := range m.active {
		if !l.owner.SameOwner(owner) || !overlaps(l.start, l.end, start, nEnd) {
			kept = append(kept, l)
			continue
		}
		released++
		if l.start < start {
			left := *l
			left.end = start - 1
			remainders = append(remainders, &left)
		}
		if l.end > nEnd {
			right := *l
			right.start = nEnd + 1
			remainders = append(remainders, &right)
		}
	}
	if released == 0 {
		return errors.New(errors.ErrCodeNotFound, "no matching lock held").
			WithComponent("locks").WithOp("release")
	}
	m.active = kept
	for _, r := range remainders {
		// Split remainders keep their slot unconditionally; failing a
		// release over the table limit is not an option.
		m.registry.forceSlot()
		m.active = append(m.active, r)
	}
	for i := 0; i < released; i++ {
		m.registry.releaseSlot()
	}

	m.wakeWaitersLocked()
	return nil
}

// Cancel removes the owner's waiting requests, failing each with
// CANCELED, and returns how many were removed. Active locks are
// untouched.
func (m *Manager) Cancel(owner types.Credentials) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelWaitersLocked(owner)
}

// CheckIO gates a read or write under mandatory locking. With mandatory
// mode off it always succeeds; with it on, the I/O fails with
// LOCK_CONFLICT when another owner holds a conflicting lock over the
// range.
func (m *Manager) CheckIO(owner types.Credentials, start, end uint64, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mandatory {
		return nil
	}
	typ := ReadLock
	if write {
		typ = WriteLock
	}
	probe := &lock{typ: typ, start: start, end: normEnd(end), owner: owner}
	if blocker := m.findConflictLocked(probe); blocker != nil {
		return errors.Newf(errors.ErrCodeLockConflict, "mandatory %s lock held by pid %d",
			blocker.typ, blocker.owner.PID).
			WithComponent("locks").WithOp("check_io")
	}
	return nil
}

// CleanupOwner drops every active lock and waiting request of the given
// owner, then re-evaluates the wait queue. It returns the number of
// locks and waiters removed.
func (m *Manager) CleanupOwner(owner types.Credentials) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.active[:0]
	for _, l := range m.active {
		if l.owner.SameOwner(owner) {
			removed++
			m.registry.releaseSlot()
			continue
		}
		kept = append(kept, l)
	}
	m.active = kept
	removed += m.cancelWaitersLocked(owner)

	if removed > 0 {
		m.wakeWaitersLocked()
	}
	return removed
}

// CleanupProcess is CleanupOwner across every thread of a process: it
// drops all locks and waiters whose owner PID matches, regardless of
// TID.
func (m *Manager) CleanupProcess(pid uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.active[:0]
	for _, l := range m.active {
		if l.owner.PID == pid {
			removed++
			m.registry.releaseSlot()
			continue
		}
		kept = append(kept, l)
	}
	m.active = kept

	keptWaiters := m.waiters[:0]
	for _, w := range m.waiters {
		if w.lock.owner.PID == pid {
			w.ready <- errors.New(errors.ErrCodeCanceled, "lock wait canceled").
				WithComponent("locks").WithOp("cleanup")
			m.registry.releaseSlot()
			m.registry.countCanceled()
			m.registry.countWaiting(-1)
			removed++
			continue
		}
		keptWaiters = append(keptWaiters, w)
	}
	m.waiters = keptWaiters

	if removed > 0 {
		m.wakeWaitersLocked()
	}
	return removed
}

// ActiveLocks returns a snapshot of the held locks.
func (m *Manager) ActiveLocks() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, len(m.active))
	for i, l := range m.active {
		out[i] = l.export()
	}
	return out
}

// WaitingCount returns the current wait queue depth.
func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manager) findConflictLocked(l *lock) *lock {
	for _, held := range m.active {
		if conflicts(held, l) {
			return held
		}
	}
	return nil
}

func (m *Manager) grantLocked(l *lock) *Lock {
	l.id = m.registry.nextLockID()
	l.acquiredAt = time.Now()
	m.active = append(m.active, l)
	m.registry.countGranted()
	exported := l.export()
	return &exported
}

// enqueueLocked inserts by priority (highest first), FIFO within equal
// priority via the sequence number.
func (m *Manager) enqueueLocked(w *waiter) {
	idx := sort.Search(len(m.waiters), func(i int) bool {
		other := m.waiters[i]
		if other.lock.priority != w.lock.priority {
			return other.lock.priority < w.lock.priority
		}
		return other.seq > w.seq
	})
	m.waiters = append(m.waiters, nil)
	copy(m.waiters[idx+1:], m.waiters[idx:])
	m.waiters[idx] = w
	m.registry.countWaiting(1)
}

func (m *Manager) dequeueLocked(w *waiter) bool {
	for i, other := range m.waiters {
		if other == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.registry.countWaiting(-1)
			return true
		}
	}
	return false
}

// wakeWaitersLocked grants every waiter that no longer conflicts with
// the active set. Each grant can unblock waiters behind it, so the scan
// restarts from the head of the queue after every grant.
func (m *Manager) wakeWaitersLocked() {
	for {
		granted := false
		for i, w := range m.waiters {
			if m.findConflictLocked(w.lock) != nil {
				continue
			}
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.registry.countWaiting(-1)
			m.grantLocked(w.lock)
			w.ready <- nil
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

func (m *Manager) cancelWaitersLocked(owner types.Credentials) int {
	canceled := 0
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.lock.owner.SameOwner(owner) {
			w.ready <- errors.New(errors.ErrCodeCanceled, "lock wait canceled").
				WithComponent("locks").WithOp("cancel")
			m.registry.releaseSlot()
			m.registry.countCanceled()
			m.registry.countWaiting(-1)
			canceled++
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
	return canceled
}
