package locks

import (
	"math"
	"time"

	"github.com/vfskit/vfskit/pkg/types"
)

// LockType distinguishes shared read locks from exclusive write locks.
type LockType int

const (
	// ReadLock is shared: any number of read locks may overlap.
	ReadLock LockType = iota
	// WriteLock is exclusive against every other owner's locks.
	WriteLock
)

// String returns "read" or "write".
func (t LockType) String() string {
	if t == WriteLock {
		return "write"
	}
	return "read"
}

// lockEOF is the normalized inclusive end of a lock that extends to the
// end of the file.
const lockEOF = math.MaxUint64

// Request describes a lock to acquire, test, or release. End is the
// inclusive last byte of the range; zero means the lock extends to the
// end of the file.
type Request struct {
	Type        LockType
	Start       uint64
	End         uint64
	Owner       types.Credentials
	Priority    int
	NonBlocking bool
}

// normEnd maps the public zero-means-EOF convention onto the internal
// inclusive representation.
func normEnd(end uint64) uint64 {
	if end == 0 {
		return lockEOF
	}
	return end
}

func denormEnd(end uint64) uint64 {
	if end == lockEOF {
		return 0
	}
	return end
}

// Lock is a granted byte-range lock. Start and End use the public
// convention: End zero extends to end of file.
type Lock struct {
	ID         uint64
	Type       LockType
	Start      uint64
	End        uint64
	Owner      types.Credentials
	Priority   int
	AcquiredAt time.Time
}

// lock is the internal representation with a normalized inclusive end.
type lock struct {
	id         uint64
	typ        LockType
	start, end uint64
	owner      types.Credentials
	priority   int
	acquiredAt time.Time
}

func (l *lock) export() Lock {
	return Lock{
		ID:         l.id,
		Type:       l.typ,
		Start:      l.start,
		End:        denormEnd(l.end),
		Owner:      l.owner,
		Priority:   l.priority,
		AcquiredAt: l.acquiredAt,
	}
}

// overlaps reports whether two normalized inclusive ranges intersect.
func overlaps(start1, end1, start2, end2 uint64) bool {
	return !(end1 < start2 || end2 < start1)
}

// conflicts reports whether two locks exclude each other: the ranges
// intersect, the owners differ, and at least one side is a write lock.
func conflicts(a, b *lock) bool {
	if a.owner.SameOwner(b.owner) {
		return false
	}
	if a.typ == ReadLock && b.typ == ReadLock {
		return false
	}
	return overlaps(a.start, a.end, b.start, b.end)
}
