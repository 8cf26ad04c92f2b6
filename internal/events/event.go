package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vfskit/vfskit/pkg/types"
)

// Event is one filesystem notification. Events are reference counted
// and recycled through a fixed pool: every consumer that is handed an
// event must Release it when done.
type Event struct {
	Seq        uint64
	Type       types.EventType
	Priority   types.EventPriority
	Path       string
	TargetPath string
	PID        uint32
	UID        uint32
	GID        uint32
	Timestamp  time.Time

	refs   int32
	pooled bool
	pool   *eventPool
}

// Retain adds a reference, keeping the event alive across a handoff.
func (e *Event) Retain() {
	atomic.AddInt32(&e.refs, 1)
}

// Release drops a reference. The last release returns a pooled event to
// the pool; heap-allocated overflow events are left to the collector.
func (e *Event) Release() {
	if atomic.AddInt32(&e.refs, -1) == 0 && e.pooled {
		e.pool.put(e)
	}
}

// eventPool preallocates a fixed number of events and falls back to the
// heap when the pool is exhausted, so a notification burst can never
// fail for want of an event.
type eventPool struct {
	mu   sync.Mutex
	free []*Event

	heapAllocs uint64
}

func newEventPool(size int) *eventPool {
	p := &eventPool{free: make([]*Event, size)}
	for i := range p.free {
		p.free[i] = &Event{pooled: true, pool: p}
	}
	return p
}

// get returns a fresh event with one reference held.
func (p *eventPool) get() *Event {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		e := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		e.refs = 1
		return e
	}
	p.heapAllocs++
	p.mu.Unlock()
	return &Event{refs: 1, pool: p}
}

func (p *eventPool) put(e *Event) {
	*e = Event{pooled: true, pool: p}
	p.mu.Lock()
	p.free = append(p.free, e)
	p.mu.Unlock()
}

func (p *eventPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
