package vfs

import (
	"github.com/vfskit/vfskit/internal/events"
)

// AddWatch registers a synchronous watcher: the callback runs inline at
// every matching event production site. It returns the watcher ID.
func (v *VFS) AddWatch(filter events.Filter, callback func(*events.Event)) (string, error) {
	w, err := v.events.Subscribe(filter, callback)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// AddWatchAsync registers a queued watcher. The caller drains
// Watcher.Events and releases each event after use.
func (v *VFS) AddWatchAsync(filter events.Filter) (*events.Watcher, error) {
	return v.events.SubscribeAsync(filter)
}

// RemoveWatch unregisters a watcher by ID.
func (v *VFS) RemoveWatch(id string) error {
	return v.events.Unsubscribe(id)
}
