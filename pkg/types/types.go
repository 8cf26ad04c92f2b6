// Package types holds the data types shared by every vfskit component:
// cache keys, credentials, event classification, and the statistics
// structures each subsystem exports.
package types

import "time"

// Path and name limits. Paths longer than PathMax or components longer
// than NameMax are rejected before any cache is touched.
const (
	PathMax = 4096
	NameMax = 255
)

// BlockKey identifies a cached storage block.
type BlockKey struct {
	DeviceID uint64
	BlockNum uint64
}

// NodeKey identifies a cached filesystem node within a mounted filesystem.
// The superblock ID disambiguates equal inode numbers across mounts.
type NodeKey struct {
	SuperblockID string
	Ino          uint64
}

// Credentials tags an operation with the requesting process identity.
type Credentials struct {
	PID uint32
	TID uint32
	UID uint32
	GID uint32
}

// SameOwner reports whether two credential sets name the same lock owner.
// Lock ownership is (pid, tid); uid/gid are not part of the owner identity.
func (c Credentials) SameOwner(other Credentials) bool {
	return c.PID == other.PID && c.TID == other.TID
}

// EventType is a bitmask of filesystem event classes. A watcher filter's
// mask selects any subset.
type EventType uint32

const (
	EventCreate EventType = 1 << iota
	EventDelete
	EventModify
	EventMetadata
	EventMove
	EventOpen
	EventClose
	EventAccess
	EventMount
	EventUnmount
	EventLink
	EventUnlink
	EventSymlink
	EventTruncate
	EventSetXattr
	EventRemoveXattr
	EventLock
	EventUnlock
	EventSync
	EventError
	EventSecurity
)

// String returns the name of a single event type bit.
func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "CREATE"
	case EventDelete:
		return "DELETE"
	case EventModify:
		return "MODIFY"
	case EventMetadata:
		return "METADATA"
	case EventMove:
		return "MOVE"
	case EventOpen:
		return "OPEN"
	case EventClose:
		return "CLOSE"
	case EventAccess:
		return "ACCESS"
	case EventMount:
		return "MOUNT"
	case EventUnmount:
		return "UNMOUNT"
	case EventLink:
		return "LINK"
	case EventUnlink:
		return "UNLINK"
	case EventSymlink:
		return "SYMLINK"
	case EventTruncate:
		return "TRUNCATE"
	case EventSetXattr:
		return "SETXATTR"
	case EventRemoveXattr:
		return "REMOVEXATTR"
	case EventLock:
		return "LOCK"
	case EventUnlock:
		return "UNLOCK"
	case EventSync:
		return "SYNC"
	case EventError:
		return "ERROR"
	case EventSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// EventPriority orders events and gives filters a floor to select on.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// FileMode carries the node type bits and permission bits. The layout
// follows the conventional S_IF* split.
type FileMode uint32

const (
	ModeTypeMask FileMode = 0o170000
	ModeDir      FileMode = 0o040000
	ModeRegular  FileMode = 0o100000
	ModeSymlink  FileMode = 0o120000

	ModePermMask FileMode = 0o7777
)

// IsDir reports whether the mode names a directory.
func (m FileMode) IsDir() bool { return m&ModeTypeMask == ModeDir }

// IsRegular reports whether the mode names a regular file.
func (m FileMode) IsRegular() bool { return m&ModeTypeMask == ModeRegular }

// IsSymlink reports whether the mode names a symbolic link.
func (m FileMode) IsSymlink() bool { return m&ModeTypeMask == ModeSymlink }

// Perm returns just the permission bits.
func (m FileMode) Perm() FileMode { return m & ModePermMask }

// MountFlags carries mount-time options. ReadOnly is the single canonical
// read-only flag; drivers must not invent their own.
type MountFlags uint32

const (
	MountReadOnly MountFlags = 1 << iota
	MountNoExec
	MountSynchronous
)

// CacheStats describes one object cache's behavior since the last reset.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// BlockCacheStats extends CacheStats with write-back accounting.
type BlockCacheStats struct {
	CacheStats
	DirtyBlocks int    `json:"dirty_blocks"`
	Writebacks  uint64 `json:"writebacks"`
	BytesRead   uint64 `json:"bytes_read"`
	BytesWrote  uint64 `json:"bytes_wrote"`
}

// LockStats describes the lock subsystem.
type LockStats struct {
	Requests       uint64 `json:"requests"`
	Granted        uint64 `json:"granted"`
	Denied         uint64 `json:"denied"`
	Waiting        int    `json:"waiting"`
	ActiveRead     int    `json:"active_read"`
	ActiveWrite    int    `json:"active_write"`
	ManagersActive int    `json:"managers_active"`
	Canceled       uint64 `json:"canceled"`
}

// EventStats describes the notification bus.
type EventStats struct {
	Generated      uint64 `json:"generated"`
	Delivered      uint64 `json:"delivered"`
	Filtered       uint64 `json:"filtered"`
	Dropped        uint64 `json:"dropped"`
	QueueOverflows uint64 `json:"queue_overflows"`
	WatchersActive int    `json:"watchers_active"`
}

// Timestamps groups the per-node time metadata.
type Timestamps struct {
	Accessed time.Time
	Modified time.Time
	Changed  time.Time
	Born     time.Time
}

// NowTimestamps returns timestamps with all four fields set to the
// current time, as used for freshly created nodes.
func NowTimestamps() Timestamps {
	now := time.Now()
	return Timestamps{Accessed: now, Modified: now, Changed: now, Born: now}
}
