package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/types"
)

// CollectorConfig represents Prometheus exposition configuration.
type CollectorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

func (c *CollectorConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 9090
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "datapath"
	}
}

// Collector registers and updates the Prometheus metrics for query
// executions, the cache tiers, the connection pool, and the breakers. A
// disabled collector accepts every call and records nothing.
type Collector struct {
	config CollectorConfig
	logger *zap.Logger

	registry *prometheus.Registry

	queryCounter   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	cacheRequests  *prometheus.CounterVec
	cacheSizeGauge *prometheus.GaugeVec
	poolActive     prometheus.Gauge
	poolIdle       prometheus.Gauge
	breakerState   *prometheus.GaugeVec
	errorCounter   *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates the collector and registers its metrics.
func NewCollector(config CollectorConfig, logger *zap.Logger) (*Collector, error) {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config: config,
		logger: logger,
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// Registry exposes the underlying registry for callers embedding the
// handler in their own mux.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordQuery records one execution.
func (c *Collector) RecordQuery(mode types.FetchMode, elapsed time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.queryCounter.With(prometheus.Labels{
		"mode":   string(mode),
		"status": status,
	}).Inc()
	c.queryDuration.With(prometheus.Labels{
		"mode": string(mode),
	}).Observe(elapsed.Seconds())
}

// RecordCache records a cache lookup outcome for a tier. result is "hit" or
// "miss".
func (c *Collector) RecordCache(tier, result string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{
		"tier":   tier,
		"result": result,
	}).Inc()
}

// RecordError records a classified error by code.
func (c *Collector) RecordError(code string) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{"code": code}).Inc()
}

// UpdateSnapshot pushes gauge-style values from a stats snapshot.
func (c *Collector) UpdateSnapshot(snapshot types.Snapshot) {
	if !c.config.Enabled {
		return
	}

	c.poolActive.Set(float64(snapshot.Pool.Active))
	c.poolIdle.Set(float64(snapshot.Pool.Idle))

	c.cacheSizeGauge.With(prometheus.Labels{"tier": "l1"}).Set(float64(snapshot.Cache.L1.Size))
	c.cacheSizeGauge.With(prometheus.Labels{"tier": "l2"}).Set(float64(snapshot.Cache.L2.Size))

	for name, b := range snapshot.Breaker {
		c.breakerState.With(prometheus.Labels{"name": name}).Set(breakerStateValue(b.State))
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "CLOSED":
		return 0
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	}
	return -1
}

func (c *Collector) initMetrics() {
	c.queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "queries_total",
			Help:      "Total number of query executions",
		},
		[]string{"mode", "status"},
	)

	c.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "query_duration_seconds",
			Help:      "Query execution time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"mode"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_requests_total",
			Help:      "Total number of cache lookups",
		},
		[]string{"tier", "result"},
	)

	c.cacheSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_size_bytes",
			Help:      "Current cache size in bytes",
		},
		[]string{"tier"},
	)

	c.poolActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_active_connections",
			Help:      "Connections currently checked out",
		},
	)

	c.poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "pool_idle_connections",
			Help:      "Connections sitting idle in the pool",
		},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		},
		[]string{"code"},
	)
}

func (c *Collector) registerMetrics() error {
	for _, metric := range []prometheus.Collector{
		c.queryCounter,
		c.queryDuration,
		c.cacheRequests,
		c.cacheSizeGauge,
		c.poolActive,
		c.poolIdle,
		c.breakerState,
		c.errorCounter,
	} {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
