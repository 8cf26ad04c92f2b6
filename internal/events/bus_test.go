package events

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vfskit/vfskit/pkg/types"
	"github.com/vfskit/vfskit/pkg/utils"
)

func testBus(config Config) *Bus {
	return NewBus(config, utils.NewLogger(utils.ERROR, io.Discard))
}

func busCreds() types.Credentials {
	return types.Credentials{PID: 100, TID: 100, UID: 1000, GID: 1000}
}

func TestSyncDeliveryPreservesOrder(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	var seen []string
	_, err := b.Subscribe(NewFilter(), func(e *Event) {
		seen = append(seen, e.Path)
	})
	require.NoError(t, err)

	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		b.FileCreated(p, busCreds())
	}
	assert.Equal(t, []string{"/a", "/b", "/c", "/d"}, seen)
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	var seqs []uint64
	_, err := b.Subscribe(NewFilter(), func(e *Event) {
		seqs = append(seqs, e.Seq)
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		b.FileModified("/f", busCreds())
	}
	require.Len(t, seqs, 5)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
}

func TestTypeMaskFilter(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	f := NewFilter()
	f.Types = types.EventCreate | types.EventDelete
	var got []types.EventType
	_, err := b.Subscribe(f, func(e *Event) { got = append(got, e.Type) })
	require.NoError(t, err)

	b.FileCreated("/a", busCreds())
	b.FileModified("/a", busCreds())
	b.FileDeleted("/a", busCreds())

	assert.Equal(t, []types.EventType{types.EventCreate, types.EventDelete}, got)
	assert.Equal(t, uint64(1), b.Stats().Filtered)
}

func TestPathGlobFilter(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	f := NewFilter()
	f.PathGlob = "/logs/*.log"
	var got []string
	_, err := b.Subscribe(f, func(e *Event) { got = append(got, e.Path) })
	require.NoError(t, err)

	b.FileCreated("/logs/app.log", busCreds())
	b.FileCreated("/logs/app.txt", busCreds())
	b.FileCreated("/data/other.log", busCreds())

	assert.Equal(t, []string{"/logs/app.log"}, got)
}

func TestCredentialFilters(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	f := NewFilter()
	f.PID = 7
	count := 0
	_, err := b.Subscribe(f, func(e *Event) { count++ })
	require.NoError(t, err)

	b.FileCreated("/a", types.Credentials{PID: 7, UID: 1, GID: 1})
	b.FileCreated("/b", types.Credentials{PID: 8, UID: 1, GID: 1})
	assert.Equal(t, 1, count)

	// An unset credential field matches everything, pid 0 included.
	all, err := b.Subscribe(NewFilter(), func(e *Event) {})
	require.NoError(t, err)
	assert.Equal(t, CredUnset, all.filter.PID)
}

func TestPriorityFloorFilter(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	f := NewFilter()
	f.MinPriority = types.PriorityHigh
	var got []types.EventType
	_, err := b.Subscribe(f, func(e *Event) { got = append(got, e.Type) })
	require.NoError(t, err)

	b.FileModified("/a", busCreds())                                          // low
	b.FileCreated("/a", busCreds())                                           // normal
	b.Mounted("/mnt", busCreds())                                             // high
	b.Publish(types.EventError, types.PriorityCritical, "/a", "", busCreds()) // critical

	assert.Equal(t, []types.EventType{types.EventMount, types.EventError}, got)
}

func TestAsyncDeliveryAndRelease(t *testing.T) {
	config := DefaultConfig()
	config.PoolSize = 8
	b := testBus(config)
	defer b.Close()

	w, err := b.SubscribeAsync(NewFilter())
	require.NoError(t, err)

	b.FileMoved("/old", "/new", busCreds())

	e := <-w.Events()
	assert.Equal(t, types.EventMove, e.Type)
	assert.Equal(t, "/old", e.Path)
	assert.Equal(t, "/new", e.TargetPath)
	e.Release()

	// Once the consumer releases, the pooled event returns home.
	assert.Equal(t, 8, b.pool.available())
}

func TestAsyncQueueOverflowDrops(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 4
	b := testBus(config)
	defer b.Close()

	w, err := b.SubscribeAsync(NewFilter())
	require.NoError(t, err)

	// Nobody drains the queue: the fifth event and onward are dropped,
	// never blocked on.
	for i := 0; i < 10; i++ {
		b.FileCreated("/burst", busCreds())
	}

	stats := b.Stats()
	assert.Equal(t, uint64(4), stats.Delivered)
	assert.Equal(t, uint64(6), stats.QueueOverflows)

	drained := 0
	for len(w.Events()) > 0 {
		e := <-w.Events()
		e.Release()
		drained++
	}
	assert.Equal(t, 4, drained)
}

func TestRateLimitDropsExcess(t *testing.T) {
	config := DefaultConfig()
	config.RatePerSec = 5
	b := testBus(config)
	defer b.Close()

	count := 0
	_, err := b.Subscribe(NewFilter(), func(e *Event) { count++ })
	require.NoError(t, err)

	// Burst of limit+3 within one window: exactly the excess is
	// dropped and counted.
	for i := 0; i < 8; i++ {
		b.FileCreated("/burst", busCreds())
	}

	assert.Equal(t, 5, count)
	stats := b.Stats()
	assert.Equal(t, uint64(8), stats.Generated)
	assert.Equal(t, uint64(3), stats.Dropped)
}

func TestPoolHeapFallback(t *testing.T) {
	config := DefaultConfig()
	config.PoolSize = 2
	config.QueueSize = 16
	b := testBus(config)
	defer b.Close()

	w, err := b.SubscribeAsync(NewFilter())
	require.NoError(t, err)

	// More in-flight events than the pool holds: publishing must not
	// fail, the overflow comes off the heap.
	for i := 0; i < 6; i++ {
		b.FileCreated("/f", busCreds())
	}
	assert.Equal(t, uint64(6), b.Stats().Delivered)

	for i := 0; i < 6; i++ {
		e := <-w.Events()
		e.Release()
	}
	assert.Equal(t, 2, b.pool.available())
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := testBus(DefaultConfig())
	defer b.Close()

	w, err := b.SubscribeAsync(NewFilter())
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(w.ID))

	_, open := <-w.Events()
	assert.False(t, open, "queue must close on unsubscribe")

	err = b.Unsubscribe(w.ID)
	assert.Error(t, err)

	// Publishing after unsubscribe reaches nobody.
	b.FileCreated("/a", busCreds())
	assert.Equal(t, uint64(0), b.Stats().Delivered)
}

func TestCloseStopsDelivery(t *testing.T) {
	b := testBus(DefaultConfig())

	count := 0
	_, err := b.Subscribe(NewFilter(), func(e *Event) { count++ })
	require.NoError(t, err)

	b.FileCreated("/a", busCreds())
	b.Close()
	b.FileCreated("/b", busCreds())

	assert.Equal(t, 1, count)
	if _, err := b.Subscribe(NewFilter(), func(e *Event) {}); err == nil {
		t.Error("subscribe after close must fail")
	}
}
