package cache

import (
	"github.com/vfskit/vfskit/pkg/utils"
)

// Config groups the sizing of the three object caches.
type Config struct {
	Blocks   BlockCacheConfig  `yaml:"blocks"`
	Nodes    NodeCacheConfig   `yaml:"nodes"`
	Dentries DentryCacheConfig `yaml:"dentries"`
}

// DefaultConfig returns the standard cache sizing.
func DefaultConfig() *Config {
	return &Config{
		Blocks:   DefaultBlockCacheConfig(),
		Nodes:    DefaultNodeCacheConfig(),
		Dentries: DefaultDentryCacheConfig(),
	}
}

// Manager owns the block, node, and dentry caches of one VFS instance.
type Manager struct {
	Blocks   *BlockCache
	Nodes    *NodeCache
	Dentries *DentryCache

	log *utils.Logger
}

// NewManager creates the three caches from one configuration.
func NewManager(config *Config, logger *utils.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Manager{
		Blocks:   NewBlockCache(config.Blocks, logger),
		Nodes:    NewNodeCache(config.Nodes, logger),
		Dentries: NewDentryCache(config.Dentries, logger),
		log:      logger.WithComponent("cache"),
	}
	m.Dentries.BindNodeCache(m.Nodes)
	return m
}

// ShrinkAll releases up to target entries from each cache, coldest
// first, and returns the total number freed. Dirty state reaches the
// backing store before anything is dropped.
func (m *Manager) ShrinkAll(target int) int {
	freed := m.Dentries.Shrink(target)
	freed += m.Nodes.Shrink(target)
	freed += m.Blocks.Shrink(target)
	m.log.Debug("shrink freed %d cached objects", freed)
	return freed
}
