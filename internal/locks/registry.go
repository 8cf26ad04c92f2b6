// Package locks implements POSIX-style byte-range file locking with
// shared and exclusive locks, priority-ordered wait queues, mandatory
// mode, and a cross-file deadlock audit.
package locks

import (
	"sync"
	"sync/atomic"

	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// Config configures the lock subsystem.
type Config struct {
	// MaxLocks bounds the total number of active and waiting locks
	// across all files.
	MaxLocks int `yaml:"max_locks"`
}

// DefaultConfig returns the standard lock table sizing.
func DefaultConfig() Config {
	return Config{MaxLocks: 512}
}

// Registry hands out the per-file lock managers and enforces the global
// lock table limit.
type Registry struct {
	mu       sync.Mutex
	managers map[types.NodeKey]*Manager

	config Config
	log    *utils.Logger

	slots    int64
	lockIDs  uint64
	requests uint64
	granted  uint64
	denied   uint64
	canceled uint64
	waiting  int64
}

// NewRegistry creates a lock registry.
func NewRegistry(config Config, logger *utils.Logger) *Registry {
	if config.MaxLocks <= 0 {
		config = DefaultConfig()
	}
	return &Registry{
		managers: make(map[types.NodeKey]*Manager),
		config:   config,
		log:      logger.WithComponent("locks"),
	}
}

// Manager returns the lock manager for a file, creating it on first
// use.
func (r *Registry) Manager(key types.NodeKey) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[key]
	if !ok {
		m = &Manager{key: key, registry: r}
		r.managers[key] = m
	}
	return m
}

// DropIfIdle removes the manager for a file if it holds no locks and no
// waiters. Called when the file's node leaves the cache.
func (r *Registry) DropIfIdle(key types.NodeKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[key]
	if !ok {
		return true
	}
	m.mu.Lock()
	idle := len(m.active) == 0 && len(m.waiters) == 0 && !m.mandatory
	m.mu.Unlock()
	if idle {
		delete(r.managers, key)
	}
	return idle
}

// CleanupOwner drops the owner's locks and waiting requests on every
// file, as when a thread exits. It returns the total removed.
func (r *Registry) CleanupOwner(owner types.Credentials) int {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	removed := 0
	for _, m := range managers {
		removed += m.CleanupOwner(owner)
	}
	if removed > 0 {
		r.log.Debug("cleanup removed %d locks for pid=%d tid=%d", removed, owner.PID, owner.TID)
	}
	return removed
}

// CleanupProcess drops every lock and waiting request belonging to any
// thread of the given process. It returns the total removed.
func (r *Registry) CleanupProcess(pid uint32) int {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	removed := 0
	for _, m := range managers {
		removed += m.CleanupProcess(pid)
	}
	if removed > 0 {
		r.log.Debug("process cleanup removed %d locks for pid=%d", removed, pid)
	}
	return removed
}

// Stats returns a snapshot of the lock subsystem counters.
func (r *Registry) Stats() types.LockStats {
	r.mu.Lock()
	managerCount := len(r.managers)
	activeRead, activeWrite := 0, 0
	for _, m := range r.managers {
		m.mu.Lock()
		for _, l := range m.active {
			if l.typ == ReadLock {
				activeRead++
			} else {
				activeWrite++
			}
		}
		m.mu.Unlock()
	}
	r.mu.Unlock()

	return types.LockStats{
		Requests:       atomic.LoadUint64(&r.requests),
		Granted:        atomic.LoadUint64(&r.granted),
		Denied:         atomic.LoadUint64(&r.denied),
		Canceled:       atomic.LoadUint64(&r.canceled),
		Waiting:        int(atomic.LoadInt64(&r.waiting)),
		ActiveRead:     activeRead,
		ActiveWrite:    activeWrite,
		ManagersActive: managerCount,
	}
}

// reserveSlot claims one entry in the global lock table.
func (r *Registry) reserveSlot() bool {
	if atomic.AddInt64(&r.slots, 1) > int64(r.config.MaxLocks) {
		atomic.AddInt64(&r.slots, -1)
		return false
	}
	return true
}

// forceSlot claims a slot without honoring the limit. Used for lock
// splits, which must never fail.
func (r *Registry) forceSlot() {
	atomic.AddInt64(&r.slots, 1)
}

func (r *Registry) releaseSlot() {
	atomic.AddInt64(&r.slots, -1)
}

func (r *Registry) nextLockID() uint64 {
	return atomic.AddUint64(&r.lockIDs, 1)
}

func (r *Registry) countRequest()      { atomic.AddUint64(&r.requests, 1) }
func (r *Registry) countGranted()      { atomic.AddUint64(&r.granted, 1) }
func (r *Registry) countDenied()       { atomic.AddUint64(&r.denied, 1) }
func (r *Registry) countCanceled()     { atomic.AddUint64(&r.canceled, 1) }
func (r *Registry) countWaiting(d int) { atomic.AddInt64(&r.waiting, int64(d)) }
