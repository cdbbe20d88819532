// Package pool manages a bounded set of reusable connections to the backing
// store, with blocking acquire, liveness verification on release, and idle
// eviction.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// Config contains connection pool configuration.
type Config struct {
	// DSN is passed to the connector when minting connections.
	DSN string `yaml:"dsn"`

	// PoolSize is the number of connections opened eagerly at startup.
	PoolSize int `yaml:"pool_size"`

	// MaxConnections bounds the total live connections (idle + checked out).
	MaxConnections int `yaml:"max_connections"`

	// AcquireTimeout bounds how long Acquire blocks waiting for a free
	// connection when the pool is at capacity.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// MaxIdleLifetime is how long a connection may sit idle before the
	// background sweep closes it.
	MaxIdleLifetime time.Duration `yaml:"max_idle_lifetime"`

	// SweepInterval is the idle sweep period.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PingTimeout bounds the liveness probe on release.
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 8
	}
	if c.PoolSize < 0 {
		c.PoolSize = 0
	}
	if c.PoolSize > c.MaxConnections {
		c.PoolSize = c.MaxConnections
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.MaxIdleLifetime <= 0 {
		c.MaxIdleLifetime = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = time.Second
	}
}

// PooledConn is a connection checked out of the pool. It is owned by exactly
// one caller until returned via Release.
type PooledConn struct {
	ID         string
	conn       types.Conn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
	errorCount int64
}

// Execute runs a statement on the underlying connection and tracks usage.
func (pc *PooledConn) Execute(ctx context.Context, stmt string, params []interface{}) (*types.Rows, error) {
	pc.useCount++
	pc.lastUsedAt = time.Now()
	rows, err := pc.conn.Execute(ctx, stmt, params)
	if err != nil {
		pc.errorCount++
	}
	return rows, err
}

// UseCount returns how many statements this connection has executed.
func (pc *PooledConn) UseCount() int64 { return pc.useCount }

// ErrorCount returns how many executions on this connection have failed.
func (pc *PooledConn) ErrorCount() int64 { return pc.errorCount }

// Age returns how long ago the connection was created.
func (pc *PooledConn) Age() time.Duration { return time.Since(pc.createdAt) }

// ConnectionPool is a bounded pool over the storage connector. The total
// number of live connections never exceeds MaxConnections.
type ConnectionPool struct {
	config    Config
	connector types.Connector
	logger    *zap.Logger

	mu      sync.Mutex
	total   int // live connections, idle + checked out
	waiting int // Acquire callers blocked on the idle channel
	closed  bool

	idle chan *PooledConn

	stats   stats
	stopCh  chan struct{}
	stopped chan struct{}
}

type stats struct {
	acquires      int64
	waits         int64
	timeouts      int64
	created       int64
	destroyed     int64
	idleClosed    int64
	deadDiscarded int64
	lastCreated   time.Time
}

// New creates a connection pool and eagerly opens PoolSize connections.
// Warmup failures are logged, not fatal: the pool mints lazily on demand.
func New(config Config, connector types.Connector, logger *zap.Logger) (*ConnectionPool, error) {
	config.applyDefaults()
	if connector == nil {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "connector cannot be nil").
			WithComponent("pool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &ConnectionPool{
		config:    config,
		connector: connector,
		logger:    logger,
		idle:      make(chan *PooledConn, config.MaxConnections),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.AcquireTimeout)
	defer cancel()
	for i := 0; i < config.PoolSize; i++ {
		pc, err := p.mint(ctx)
		if err != nil {
			p.logger.Warn("pool warmup connection failed", zap.Error(err))
			break
		}
		p.total++
		p.idle <- pc
	}

	go p.sweep()

	return p, nil
}

// Acquire returns a connection, blocking up to the configured acquire
// timeout (or the context deadline, whichever comes first) when the pool is
// at capacity. Pops an idle connection if present, mints a new one while
// under MaxConnections, otherwise waits for a release.
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodePoolClosed, "pool is closed").WithComponent("pool")
	}
	p.stats.acquires++
	p.mu.Unlock()

	// Fast path: reuse an idle connection.
	select {
	case pc := <-p.idle:
		return pc, nil
	default:
	}

	// Mint a new connection while under the cap.
	p.mu.Lock()
	if p.total < p.config.MaxConnections {
		p.total++
		p.mu.Unlock()
		pc, err := p.mint(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return pc, nil
	}
	p.stats.waits++
	p.waiting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	// At capacity: block on the wait queue up to the timeout.
	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-p.idle:
		return pc, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.stats.timeouts++
		p.mu.Unlock()
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "acquire canceled", ctx.Err()).
			WithComponent("pool").WithOperation("acquire")
	case <-timer.C:
		p.mu.Lock()
		p.stats.timeouts++
		p.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodePoolExhausted,
			"no connection available within %s", p.config.AcquireTimeout).
			WithComponent("pool").WithOperation("acquire")
	}
}

// Release returns a connection to the pool. The connection is cheaply probed
// for liveness; dead connections are destroyed rather than returned to the
// idle set.
func (p *ConnectionPool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.destroy(pc, &p.stats.destroyed)
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), p.config.PingTimeout)
	err := pc.conn.Ping(pingCtx)
	cancel()
	if err != nil {
		p.logger.Debug("discarding dead connection",
			zap.String("conn_id", pc.ID),
			zap.Error(err))
		p.destroy(pc, &p.stats.deadDiscarded)
		return
	}

	pc.lastUsedAt = time.Now()
	select {
	case p.idle <- pc:
	default:
		// Idle set already holds MaxConnections; should not happen, but
		// never block a release.
		p.destroy(pc, &p.stats.destroyed)
	}
}

// Destroy removes a connection from the pool without returning it, for
// callers that know the connection is broken.
func (p *ConnectionPool) Destroy(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.destroy(pc, &p.stats.deadDiscarded)
}

// Stats returns a snapshot of pool statistics.
func (p *ConnectionPool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle)
	s := types.PoolStats{
		Active:         p.total - idle,
		Idle:           idle,
		MaxConnections: p.config.MaxConnections,
		Acquires:       p.stats.acquires,
		Waits:          p.stats.waits,
		Timeouts:       p.stats.timeouts,
		Created:        p.stats.created,
		Destroyed:      p.stats.destroyed,
		IdleClosed:     p.stats.idleClosed,
		DeadDiscarded:  p.stats.deadDiscarded,
		LastCreated:    p.stats.lastCreated,
	}
	if p.config.MaxConnections > 0 {
		s.Utilization = float64(p.total) / float64(p.config.MaxConnections)
	}
	return s
}

// Ping checks connectivity by acquiring a connection and probing it.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pc)
	return pc.conn.Ping(ctx)
}

// Close stops the sweep and closes every idle connection. Checked-out
// connections are destroyed as they are released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stopped

	for {
		select {
		case pc := <-p.idle:
			p.destroy(pc, &p.stats.destroyed)
		default:
			return nil
		}
	}
}

func (p *ConnectionPool) mint(ctx context.Context) (*PooledConn, error) {
	conn, err := p.connector.Open(ctx, p.config.DSN)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionCreation, "failed to open connection", err).
			WithComponent("pool")
	}

	now := time.Now()
	p.mu.Lock()
	p.stats.created++
	p.stats.lastCreated = now
	p.mu.Unlock()

	return &PooledConn{
		ID:         uuid.NewString(),
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

func (p *ConnectionPool) destroy(pc *PooledConn, counter *int64) {
	_ = pc.conn.Close()
	p.mu.Lock()
	p.total--
	*counter++
	// A destroy can free the capacity a blocked Acquire is waiting on; the
	// waiter only watches the idle channel, so reserve the slot and mint a
	// replacement for it.
	replace := !p.closed && p.waiting > 0 && p.total < p.config.MaxConnections
	if replace {
		p.total++
	}
	p.mu.Unlock()

	if replace {
		go p.replaceForWaiter()
	}
}

func (p *ConnectionPool) replaceForWaiter() {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
	defer cancel()

	pc, err := p.mint(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.logger.Warn("replacement connection failed", zap.Error(err))
		return
	}

	select {
	case p.idle <- pc:
	default:
		p.destroy(pc, &p.stats.destroyed)
	}
}

// sweep periodically closes connections idle longer than MaxIdleLifetime and
// reports pool utilization.
func (p *ConnectionPool) sweep() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *ConnectionPool) sweepIdle() {
	cutoff := time.Now().Add(-p.config.MaxIdleLifetime)

	// Drain the idle set once, keeping fresh connections.
	n := len(p.idle)
drain:
	for i := 0; i < n; i++ {
		select {
		case pc := <-p.idle:
			if pc.lastUsedAt.Before(cutoff) {
				p.destroy(pc, &p.stats.idleClosed)
				continue
			}
			select {
			case p.idle <- pc:
			default:
				p.destroy(pc, &p.stats.destroyed)
			}
		default:
			break drain
		}
	}

	stats := p.Stats()
	p.logger.Debug("pool sweep",
		zap.Int("active", stats.Active),
		zap.Int("idle", stats.Idle),
		zap.Float64("utilization", stats.Utilization),
		zap.Int64("idle_closed", stats.IdleClosed))
}
