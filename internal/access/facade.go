// Package access exposes the single entry point for query execution. The
// facade composes the connection pool, circuit breaker, retry policy, and
// multi-level cache behind one Execute call: reads are served from cache
// when possible, and every store round trip runs as retry(breaker(pool)).
package access

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/datapath/datapath/internal/cache"
	"github.com/datapath/datapath/internal/circuit"
	"github.com/datapath/datapath/internal/config"
	"github.com/datapath/datapath/internal/connector"
	"github.com/datapath/datapath/internal/health"
	"github.com/datapath/datapath/internal/metrics"
	"github.com/datapath/datapath/internal/pool"
	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/logging"
	"github.com/datapath/datapath/pkg/retry"
	"github.com/datapath/datapath/pkg/types"
)

const breakerName = "store"

// Cached rows are gob-encoded: unlike JSON, gob keeps int64 values int64
// across a round trip, so a cache hit is indistinguishable from a fresh read.
func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register("")
	gob.Register([]byte(nil))
	gob.Register(false)
	gob.Register(time.Time{})
}

// DataAccess is the facade over the resilience and caching layers. It is
// safe for concurrent use.
type DataAccess struct {
	config *config.Configuration
	logger *zap.Logger

	pool      *pool.ConnectionPool
	breakers  *circuit.Manager
	retrier   *retry.Manager
	cache     *cache.MultiLevelCache
	tracker   *metrics.QueryTracker
	collector *metrics.Collector
	checker   *health.Checker

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// New builds the facade from configuration, wiring the driver named in
// storage.driver. A nil logger gets one built from the logging section.
func New(cfg *config.Configuration, logger *zap.Logger) (*DataAccess, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := connectorFor(cfg.Storage.Driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to build logger", err).
				WithComponent("access")
		}
	}
	return NewWithConnector(cfg, conn, logger)
}

// NewWithConnector builds the facade over a caller-supplied connector.
func NewWithConnector(cfg *config.Configuration, conn types.Connector, logger *zap.Logger) (*DataAccess, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &DataAccess{
		config: cfg,
		logger: logger,
	}

	var err error
	d.pool, err = buildPool(cfg, conn, logger)
	if err != nil {
		return nil, err
	}

	d.retrier = retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}, logger.Named("retry"))

	d.breakers = circuit.NewManager(circuit.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Window:           cfg.Breaker.Window,
	}, logger.Named("circuit"))

	mlCache, err := buildCache(cfg, logger)
	if err != nil {
		_ = d.pool.Close()
		return nil, err
	}
	d.cache = mlCache

	d.tracker = metrics.NewQueryTracker(metrics.TrackerConfig{
		SlowThreshold: cfg.Metrics.SlowThreshold,
	}, logger.Named("metrics"))

	d.collector, err = metrics.NewCollector(metrics.CollectorConfig{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	}, logger.Named("metrics"))
	if err != nil {
		_ = d.cache.Close()
		_ = d.pool.Close()
		return nil, err
	}

	if cfg.Limits.MaxConcurrency > 0 {
		d.sem = semaphore.NewWeighted(cfg.Limits.MaxConcurrency)
	}
	if cfg.Limits.Rate > 0 {
		burst := cfg.Limits.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.Rate), burst)
	}

	d.checker = health.NewChecker(health.Config{
		Enabled:  cfg.Health.Enabled,
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
	}, logger.Named("health"))
	d.registerHealthChecks()
	d.checker.Start()

	return d, nil
}

// Execute runs one statement with the configured resilience stack. Reads
// with a cacheable fetch mode are answered from cache when fresh; misses and
// writes go to the store as retry-wrapped, breaker-guarded pool executions.
func (d *DataAccess) Execute(ctx context.Context, query string, params []interface{}, mode types.FetchMode) (*types.Result, error) {
	if !mode.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown fetch mode %q", mode).
			WithComponent("access")
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "empty query").
			WithComponent("access")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New(errors.ErrCodeClosed, "data access is closed").
			WithComponent("access")
	}
	d.mu.Unlock()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "rate limit wait canceled", err).
				WithComponent("access")
		}
	}
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "concurrency wait canceled", err).
				WithComponent("access")
		}
		defer d.sem.Release(1)
	}

	start := time.Now()
	cacheable := d.cacheable(query, mode)
	key := cacheKey(query, params)

	if cacheable {
		if rows, ok := d.cacheGet(key); ok {
			result := shape(rows, mode)
			result.FromCache = true
			result.Elapsed = time.Since(start)
			d.collector.RecordQuery(mode, result.Elapsed, true)
			return result, nil
		}
	}

	rows, attempts, err := d.executeStore(ctx, query, params)
	elapsed := time.Since(start)

	d.tracker.Record(query, len(params), elapsed, err)
	d.collector.RecordQuery(mode, elapsed, err == nil)
	if err != nil {
		d.collector.RecordError(string(errors.Code(err)))
		return nil, err
	}

	if cacheable {
		d.cacheSet(key, rows)
	}

	result := shape(rows, mode)
	result.Elapsed = elapsed
	result.Attempts = attempts
	return result, nil
}

// Health runs all registered probes and returns the aggregate.
func (d *DataAccess) Health(ctx context.Context) types.HealthStatus {
	return d.checker.RunChecks(ctx)
}

// Metrics returns a point-in-time snapshot across every component and
// refreshes the exported gauges.
func (d *DataAccess) Metrics() types.Snapshot {
	snapshot := types.Snapshot{
		Timestamp: time.Now(),
		Pool:      d.pool.Stats(),
		Breaker:   d.breakers.Stats(),
		Cache:     d.cache.Stats(),
		Query:     d.tracker.Stats(),
	}
	d.collector.UpdateSnapshot(snapshot)
	return snapshot
}

// StartMetricsServer exposes the Prometheus endpoint.
func (d *DataAccess) StartMetricsServer(ctx context.Context) error {
	return d.collector.Start(ctx)
}

// Close shuts every component down. Execute calls after Close fail with
// COMPONENT_CLOSED.
func (d *DataAccess) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.checker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.collector.Stop(ctx); err != nil {
		d.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}

	cacheErr := d.cache.Close()
	poolErr := d.pool.Close()
	if poolErr != nil {
		return poolErr
	}
	return cacheErr
}

// executeStore runs the statement against the store with retry around the
// breaker around the pool, and reports how many attempts it took.
func (d *DataAccess) executeStore(ctx context.Context, query string, params []interface{}) (*types.Rows, int, error) {
	var rows *types.Rows
	attempts := 0

	breaker := d.breakers.Get(breakerName)
	err := d.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		if !d.config.Breaker.Enabled {
			return d.executePooled(ctx, query, params, &rows)
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			return d.executePooled(ctx, query, params, &rows)
		})
	})
	return rows, attempts, err
}

func (d *DataAccess) executePooled(ctx context.Context, query string, params []interface{}, out **types.Rows) error {
	pc, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	rows, err := pc.Execute(ctx, query, params)
	if err != nil {
		err = connector.Classify(err)
		// A transient failure may mean the connection itself went bad;
		// let the release-time probe decide.
		d.pool.Release(pc)
		return err
	}

	d.pool.Release(pc)
	*out = rows
	return nil
}

// cacheable reports whether a query's result may be served from cache: only
// row-returning reads qualify, writes always hit the store.
func (d *DataAccess) cacheable(query string, mode types.FetchMode) bool {
	if mode == types.FetchNone {
		return false
	}
	head := strings.ToLower(strings.TrimSpace(query))
	for _, prefix := range []string{"select", "with", "values"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

func (d *DataAccess) cacheGet(key string) (*types.Rows, bool) {
	data, ok := d.cache.Get(key)
	if !ok {
		d.collector.RecordCache("multi", "miss")
		return nil, false
	}

	var rows types.Rows
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rows); err != nil {
		d.logger.Warn("cached entry undecodable, dropping", zap.Error(err))
		d.cache.Delete(key)
		d.collector.RecordCache("multi", "miss")
		return nil, false
	}

	d.collector.RecordCache("multi", "hit")
	return &rows, true
}

func (d *DataAccess) cacheSet(key string, rows *types.Rows) {
	if rows == nil {
		return
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rows); err != nil {
		d.logger.Warn("result not cacheable", zap.Error(err))
		return
	}
	d.cache.Set(key, buf.Bytes(), 0)
}

func (d *DataAccess) registerHealthChecks() {
	_ = d.checker.RegisterCheck("storage", true, func(ctx context.Context) error {
		return d.pool.Ping(ctx)
	})
	_ = d.checker.RegisterCheck("pool", false, func(ctx context.Context) error {
		stats := d.pool.Stats()
		if stats.Utilization >= 1.0 {
			return fmt.Errorf("pool saturated: %d/%d connections in use",
				stats.Active, stats.MaxConnections)
		}
		return nil
	})
	_ = d.checker.RegisterCheck("breaker", false, func(ctx context.Context) error {
		if state := d.breakers.Get(breakerName).State(); state == circuit.StateOpen {
			return fmt.Errorf("circuit %q is open", breakerName)
		}
		return nil
	})
}

// shape trims the full row set down to the requested fetch mode.
func shape(rows *types.Rows, mode types.FetchMode) *types.Result {
	result := &types.Result{Mode: mode}
	if rows == nil {
		return result
	}

	switch mode {
	case types.FetchAll:
		result.Rows = rows
	case types.FetchOne:
		if len(rows.Values) > 0 {
			result.Row = rows.Values[0]
		}
	case types.FetchScalar:
		if len(rows.Values) > 0 && len(rows.Values[0]) > 0 {
			result.Scalar = rows.Values[0][0]
		}
	case types.FetchNone:
		result.Rows = &types.Rows{RowsAffected: rows.RowsAffected}
	}
	return result
}

// cacheKey builds a stable key from the normalized statement and the bound
// parameter values.
func cacheKey(query string, params []interface{}) string {
	h := xxhash.New()
	_, _ = h.WriteString(metrics.Normalize(query))
	if len(params) > 0 {
		if data, err := json.Marshal(params); err == nil {
			_, _ = h.Write(data)
		}
	}
	return fmt.Sprintf("q:%016x", h.Sum64())
}

func connectorFor(driver string) (types.Connector, error) {
	switch driver {
	case "", "sqlite":
		return connector.NewSQLite(), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage driver %q", driver).
			WithComponent("access")
	}
}

func buildPool(cfg *config.Configuration, conn types.Connector, logger *zap.Logger) (*pool.ConnectionPool, error) {
	return pool.New(pool.Config{
		DSN:             cfg.Storage.DSN,
		PoolSize:        cfg.Pool.PoolSize,
		MaxConnections:  cfg.Pool.MaxConnections,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		MaxIdleLifetime: cfg.Pool.MaxIdleLifetime,
	}, conn, logger.Named("pool"))
}

func buildCache(cfg *config.Configuration, logger *zap.Logger) (*cache.MultiLevelCache, error) {
	cacheCfg := cache.Config{
		Enabled:    cfg.Cache.Enabled,
		DefaultTTL: cfg.Cache.DefaultTTL,
		L2Enabled:  cfg.Cache.L2Enabled,
	}
	if cfg.Cache.Enabled {
		l1Bytes, err := config.ParseSize(cfg.Cache.L1MaxBytes)
		if err != nil {
			return nil, err
		}
		cacheCfg.L1 = cache.MemoryConfig{
			MaxBytes: l1Bytes,
			MaxItems: cfg.Cache.L1MaxItems,
		}
		if cfg.Cache.L2Enabled {
			l2Bytes, err := config.ParseSize(cfg.Cache.L2MaxBytes)
			if err != nil {
				return nil, err
			}
			cacheCfg.L2 = cache.DiskConfig{
				Directory: cfg.Cache.L2Directory,
				MaxBytes:  l2Bytes,
			}
		}
	}
	return cache.NewMultiLevel(cacheCfg, logger.Named("cache"))
}
