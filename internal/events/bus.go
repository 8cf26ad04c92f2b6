// Package events implements the filesystem notification bus: pooled,
// reference-counted events fanned out to filtering watchers either
// synchronously in producer order or through bounded async queues.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

// CredUnset marks a credential field of a Filter as not participating
// in matching.
const CredUnset = ^uint32(0)

// Filter selects the events a watcher receives. Build filters with
// NewFilter so the credential fields start unset.
type Filter struct {
	// Types is a bitmask of event types; zero selects every type.
	Types types.EventType
	// PathGlob matches the event path ('*' and '?'); empty selects
	// every path.
	PathGlob string
	// PID, UID, and GID each match exactly unless left at CredUnset.
	PID uint32
	UID uint32
	GID uint32
	// MinPriority is the lowest priority delivered.
	MinPriority types.EventPriority
	// After and Before bound the event timestamp; zero values are
	// unbounded.
	After  time.Time
	Before time.Time
}

// NewFilter returns a filter that matches everything.
func NewFilter() Filter {
	return Filter{PID: CredUnset, UID: CredUnset, GID: CredUnset}
}

// Match reports whether the event passes the filter.
func (f *Filter) Match(e *Event) bool {
	if f.Types != 0 && f.Types&e.Type == 0 {
		return false
	}
	if e.Priority < f.MinPriority {
		return false
	}
	if f.PID != CredUnset && f.PID != e.PID {
		return false
	}
	if f.UID != CredUnset && f.UID != e.UID {
		return false
	}
	if f.GID != CredUnset && f.GID != e.GID {
		return false
	}
	if !f.After.IsZero() && e.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && e.Timestamp.After(f.Before) {
		return false
	}
	if f.PathGlob != "" && !Match(f.PathGlob, e.Path) {
		return false
	}
	return true
}

// Watcher is one subscription on the bus. A sync watcher's callback
// runs during Publish, in producer order; an async watcher drains its
// bounded queue via Events and must Release every event it receives.
type Watcher struct {
	ID     string
	filter Filter

	callback func(*Event)
	queue    chan *Event

	overflows uint64
}

// Events returns the async watcher's delivery channel. It is nil for
// sync watchers. The channel closes on Unsubscribe or bus Close.
func (w *Watcher) Events() <-chan *Event {
	return w.queue
}

// Config configures the notification bus.
type Config struct {
	PoolSize    int `yaml:"pool_size"`
	QueueSize   int `yaml:"queue_size"`
	RatePerSec  int `yaml:"rate_per_sec"`
	MaxWatchers int `yaml:"max_watchers"`
}

// DefaultConfig returns the standard bus sizing.
func DefaultConfig() Config {
	return Config{
		PoolSize:    2048,
		QueueSize:   256,
		RatePerSec:  10000,
		MaxWatchers: 1024,
	}
}

// Bus is the notification hub. Publishing is serialized so every
// watcher observes the same global event order; delivery happens
// outside the watcher map lock, but still inside the publish
// serialization, so a sync callback may inspect or release events yet
// must never publish — a publish from inside a callback deadlocks on
// publishMu. Callbacks that need to emit events hand them to another
// goroutine.
type Bus struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	closed   bool

	// publishMu serializes publishes end to end, preserving producer
	// order across sync callbacks and async queues alike.
	publishMu sync.Mutex

	pool    *eventPool
	limiter *rateLimiter
	config  Config
	log     *utils.Logger

	seq       uint64
	generated uint64
	delivered uint64
	filtered  uint64
	dropped   uint64
	overflows uint64
}

// NewBus creates a notification bus.
func NewBus(config Config, logger *utils.Logger) *Bus {
	if config.PoolSize <= 0 {
		config = DefaultConfig()
	}
	return &Bus{
		watchers: make(map[string]*Watcher),
		pool:     newEventPool(config.PoolSize),
		limiter:  newRateLimiter(config.RatePerSec),
		config:   config,
		log:      logger.WithComponent("events"),
	}
}

// Subscribe registers a sync watcher whose callback runs inline during
// Publish. The callback must not block and must not retain the event
// beyond the call unless it Retains it.
func (b *Bus) Subscribe(filter Filter, callback func(*Event)) (*Watcher, error) {
	if callback == nil {
		return nil, errors.New(errors.ErrCodeInvalidArg, "nil callback").
			WithComponent("events").WithOp("subscribe")
	}
	return b.addWatcher(&Watcher{filter: filter, callback: callback})
}

// SubscribeAsync registers an async watcher with a bounded queue. When
// the queue is full new events for this watcher are dropped, never
// blocked on.
func (b *Bus) SubscribeAsync(filter Filter) (*Watcher, error) {
	return b.addWatcher(&Watcher{filter: filter, queue: make(chan *Event, b.config.QueueSize)})
}

func (b *Bus) addWatcher(w *Watcher) (*Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New(errors.ErrCodeInvalidArg, "bus closed").
			WithComponent("events").WithOp("subscribe")
	}
	if len(b.watchers) >= b.config.MaxWatchers {
		return nil, errors.Newf(errors.ErrCodeTooManyOpen, "watcher limit %d reached", b.config.MaxWatchers).
			WithComponent("events").WithOp("subscribe")
	}
	w.ID = uuid.NewString()
	b.watchers[w.ID] = w
	return w, nil
}

// Unsubscribe removes a watcher. An async watcher's channel is closed;
// events already queued remain readable.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	w, ok := b.watchers[id]
	if ok {
		delete(b.watchers, id)
	}
	b.mu.Unlock()

	if !ok {
		return errors.Newf(errors.ErrCodeNotFound, "no watcher %q", id).
			WithComponent("events").WithOp("unsubscribe")
	}
	// Publishers snapshot the watcher set under the publish lock, so
	// after it cycles no new events can reach the queue.
	b.publishMu.Lock()
	if w.queue != nil {
		close(w.queue)
	}
	b.publishMu.Unlock()
	return nil
}

// Publish emits an event to every matching watcher. Sync callbacks run
// before Publish returns, in producer order; async watchers receive the
// event unless their queue is full. Events beyond the per-second rate
// limit are counted and dropped.
func (b *Bus) Publish(typ types.EventType, priority types.EventPriority, path, targetPath string, creds types.Credentials) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.generated++
	if !b.limiter.allow(time.Now()) {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.seq++
	seq := b.seq
	snapshot := make([]*Watcher, 0, len(b.watchers))
	for _, w := range b.watchers {
		snapshot = append(snapshot, w)
	}
	b.mu.Unlock()

	e := b.pool.get()
	e.Seq = seq
	e.Type = typ
	e.Priority = priority
	e.Path = path
	e.TargetPath = targetPath
	e.PID = creds.PID
	e.UID = creds.UID
	e.GID = creds.GID
	e.Timestamp = time.Now()

	var delivered, filtered, overflows uint64
	for _, w := range snapshot {
		if !w.filter.Match(e) {
			filtered++
			continue
		}
		if w.callback != nil {
			w.callback(e)
			delivered++
			continue
		}
		e.Retain()
		select {
		case w.queue <- e:
			delivered++
		default:
			e.Release()
			w.overflows++
			overflows++
		}
	}
	e.Release()

	b.mu.Lock()
	b.delivered += delivered
	b.filtered += filtered
	b.overflows += overflows
	b.mu.Unlock()
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() types.EventStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return types.EventStats{
		Generated:      b.generated,
		Delivered:      b.delivered,
		Filtered:       b.filtered,
		Dropped:        b.dropped,
		QueueOverflows: b.overflows,
		WatchersActive: len(b.watchers),
	}
}

// Close shuts the bus down: no further events are accepted and every
// async queue is closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	watchers := b.watchers
	b.watchers = make(map[string]*Watcher)
	b.mu.Unlock()

	b.publishMu.Lock()
	for _, w := range watchers {
		if w.queue != nil {
			close(w.queue)
		}
	}
	b.publishMu.Unlock()
}

// Convenience emitters for the common filesystem events.

// FileCreated publishes a CREATE event.
func (b *Bus) FileCreated(path string, creds types.Credentials) {
	b.Publish(types.EventCreate, types.PriorityNormal, path, "", creds)
}

// FileDeleted publishes a DELETE event.
func (b *Bus) FileDeleted(path string, creds types.Credentials) {
	b.Publish(types.EventDelete, types.PriorityNormal, path, "", creds)
}

// FileModified publishes a MODIFY event.
func (b *Bus) FileModified(path string, creds types.Credentials) {
	b.Publish(types.EventModify, types.PriorityLow, path, "", creds)
}

// MetadataChanged publishes a METADATA event.
func (b *Bus) MetadataChanged(path string, creds types.Credentials) {
	b.Publish(types.EventMetadata, types.PriorityLow, path, "", creds)
}

// FileMoved publishes a MOVE event carrying both paths.
func (b *Bus) FileMoved(oldPath, newPath string, creds types.Credentials) {
	b.Publish(types.EventMove, types.PriorityNormal, oldPath, newPath, creds)
}

// Mounted publishes a MOUNT event.
func (b *Bus) Mounted(path string, creds types.Credentials) {
	b.Publish(types.EventMount, types.PriorityHigh, path, "", creds)
}

// Unmounted publishes an UNMOUNT event.
func (b *Bus) Unmounted(path string, creds types.Credentials) {
	b.Publish(types.EventUnmount, types.PriorityHigh, path, "", creds)
}
