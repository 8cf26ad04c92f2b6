package mount

import (
	"sync"

	"github.com/vfskit/vfskit/internal/cache"
	"github.com/vfskit/vfskit/pkg/errors"
	"github.com/vfskit/vfskit/pkg/types"
)

// Driver is a filesystem implementation that can be mounted. Drivers
// register themselves by name; a mount request names its driver with
// the fstype argument.
type Driver interface {
	// Name returns the fstype string the driver registers under.
	Name() string
	// Mount creates a superblock for the given backing source. The
	// table assigns the superblock its ID after a successful mount.
	Mount(source string, flags types.MountFlags, options map[string]string) (*cache.Superblock, error)
	// Unmount releases the driver's per-mount state. The caches have
	// already been flushed and invalidated when this is called.
	Unmount(sb *cache.Superblock) error
}

// Registry holds the available filesystem drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver. Registering the same name twice is an error.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[d.Name()]; exists {
		return errors.Newf(errors.ErrCodeExists, "driver %q already registered", d.Name()).
			WithComponent("mount").WithOp("register")
	}
	r.drivers[d.Name()] = d
	return nil
}

// Find returns the driver registered under fstype.
func (r *Registry) Find(fstype string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[fstype]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotSupported, "no driver for fstype %q", fstype).
			WithComponent("mount").WithOp("find")
	}
	return d, nil
}

// Names returns the registered fstypes.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}
