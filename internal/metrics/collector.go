// Package metrics exposes the VFS subsystem counters over Prometheus,
// with an optional HTTP exposition endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vfskit/vfskit/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// Source provides snapshots of the subsystem counters. Any nil field is
// skipped.
type Source struct {
	Blocks   func() types.BlockCacheStats
	Nodes    func() types.CacheStats
	Dentries func() types.CacheStats
	Locks    func() types.LockStats
	Events   func() types.EventStats
}

// Collector bridges the VFS counters into a Prometheus registry and
// records per-operation latencies pushed by the syscall layer.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	source   Source
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	cacheEntries   *prometheus.GaugeVec
	cacheHitRatio  *prometheus.GaugeVec
	cacheEvictions *prometheus.GaugeVec
	dirtyBlocks    prometheus.Gauge

	locksActive  *prometheus.GaugeVec
	locksWaiting prometheus.Gauge
	lockOutcomes *prometheus.GaugeVec

	eventCounters *prometheus.GaugeVec
	watchersGauge prometheus.Gauge

	server *http.Server
}

// NewCollector creates a collector. With Enabled false it is inert: all
// record calls are no-ops and Start does nothing.
func NewCollector(config *Config, source Source) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			ListenAddr:     ":9090",
			Path:           "/metrics",
			Namespace:      "vfskit",
			UpdateInterval: 15 * time.Second,
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "vfskit"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 15 * time.Second
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:   config,
		source:   source,
		registry: prometheus.NewRegistry(),
	}
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Start serves the exposition endpoint and begins periodic snapshot
// updates. It returns immediately; the server runs until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"vfskit-metrics"}`))
	})

	c.server = &http.Server{
		Addr:              c.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	go c.updateLoop(ctx)

	return nil
}

// Stop shuts the exposition server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one syscall-level operation outcome.
func (c *Collector) RecordOperation(operation string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())
}

// Refresh pulls a snapshot from every source and updates the gauges.
// The update loop calls it periodically; callers may force one before a
// scrape.
func (c *Collector) Refresh() {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source.Blocks != nil {
		stats := c.source.Blocks()
		c.setCache("blocks", stats.CacheStats)
		c.dirtyBlocks.Set(float64(stats.DirtyBlocks))
	}
	if c.source.Nodes != nil {
		c.setCache("nodes", c.source.Nodes())
	}
	if c.source.Dentries != nil {
		c.setCache("dentries", c.source.Dentries())
	}
	if c.source.Locks != nil {
		stats := c.source.Locks()
		c.locksActive.With(prometheus.Labels{"type": "read"}).Set(float64(stats.ActiveRead))
		c.locksActive.With(prometheus.Labels{"type": "write"}).Set(float64(stats.ActiveWrite))
		c.locksWaiting.Set(float64(stats.Waiting))
		c.lockOutcomes.With(prometheus.Labels{"outcome": "granted"}).Set(float64(stats.Granted))
		c.lockOutcomes.With(prometheus.Labels{"outcome": "denied"}).Set(float64(stats.Denied))
		c.lockOutcomes.With(prometheus.Labels{"outcome": "canceled"}).Set(float64(stats.Canceled))
	}
	if c.source.Events != nil {
		stats := c.source.Events()
		c.eventCounters.With(prometheus.Labels{"result": "generated"}).Set(float64(stats.Generated))
		c.eventCounters.With(prometheus.Labels{"result": "delivered"}).Set(float64(stats.Delivered))
		c.eventCounters.With(prometheus.Labels{"result": "filtered"}).Set(float64(stats.Filtered))
		c.eventCounters.With(prometheus.Labels{"result": "dropped"}).Set(float64(stats.Dropped))
		c.eventCounters.With(prometheus.Labels{"result": "queue_overflow"}).Set(float64(stats.QueueOverflows))
		c.watchersGauge.Set(float64(stats.WatchersActive))
	}
}

// Registry returns the underlying Prometheus registry, nil when
// disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) setCache(name string, stats types.CacheStats) {
	labels := prometheus.Labels{"cache": name}
	c.cacheEntries.With(labels).Set(float64(stats.Entries))
	c.cacheHitRatio.With(labels).Set(stats.HitRate)
	c.cacheEvictions.With(labels).Set(float64(stats.Evictions))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Total number of VFS operations",
		},
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Duration of VFS operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.000_01, 4, 12),
		},
		[]string{"operation"},
	)

	c.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_entries",
			Help:      "Current number of entries per cache",
		},
		[]string{"cache"},
	)
	c.cacheHitRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_hit_ratio",
			Help:      "Lifetime hit ratio per cache",
		},
		[]string{"cache"},
	)
	c.cacheEvictions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_evictions",
			Help:      "Lifetime evictions per cache",
		},
		[]string{"cache"},
	)
	c.dirtyBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "dirty_blocks",
			Help:      "Blocks awaiting write-back",
		},
	)

	c.locksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "locks_active",
			Help:      "Currently held byte-range locks",
		},
		[]string{"type"},
	)
	c.locksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "locks_waiting",
			Help:      "Lock requests currently blocked",
		},
	)
	c.lockOutcomes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "lock_outcomes",
			Help:      "Lifetime lock request outcomes",
		},
		[]string{"outcome"},
	)

	c.eventCounters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "events",
			Help:      "Lifetime notification bus counters",
		},
		[]string{"result"},
	)
	c.watchersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "watchers_active",
			Help:      "Currently registered watchers",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.cacheEntries,
		c.cacheHitRatio,
		c.cacheEvictions,
		c.dirtyBlocks,
		c.locksActive,
		c.locksWaiting,
		c.lockOutcomes,
		c.eventCounters,
		c.watchersGauge,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}
