package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapath/datapath/internal/config"
	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// scriptedConn replays a sequence of responses, one per Execute call. Once
// the script is exhausted the last response repeats.
type scriptedConn struct {
	mu       sync.Mutex
	script   []response
	executed int
}

type response struct {
	rows *types.Rows
	err  error
}

func (c *scriptedConn) Execute(ctx context.Context, stmt string, params []interface{}) (*types.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.executed
	c.executed++
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	r := c.script[i]
	return r.rows, r.err
}

func (c *scriptedConn) Ping(ctx context.Context) error { return nil }
func (c *scriptedConn) Close() error                   { return nil }

func (c *scriptedConn) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

type scriptedConnector struct {
	conn *scriptedConn
}

func (f *scriptedConnector) Open(ctx context.Context, dsn string) (types.Conn, error) {
	return f.conn, nil
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Pool.PoolSize = 0
	cfg.Pool.MaxConnections = 4
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Breaker.FailureThreshold = 10
	cfg.Cache.L1MaxItems = 100
	cfg.Metrics.Enabled = false
	cfg.Health.Enabled = false
	return cfg
}

func newFacade(t *testing.T, cfg *config.Configuration, script ...response) (*DataAccess, *scriptedConn) {
	t.Helper()
	if len(script) == 0 {
		script = []response{{rows: &types.Rows{
			Columns: []string{"id", "name"},
			Values:  [][]interface{}{{int64(1), "ada"}, {int64(2), "grace"}},
		}}}
	}
	conn := &scriptedConn{script: script}
	d, err := NewWithConnector(cfg, &scriptedConnector{conn: conn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, conn
}

func TestExecuteFetchAll(t *testing.T) {
	d, _ := newFacade(t, testConfig())

	result, err := d.Execute(context.Background(), "SELECT id, name FROM users", nil, types.FetchAll)
	require.NoError(t, err)

	require.NotNil(t, result.Rows)
	assert.Equal(t, []string{"id", "name"}, result.Rows.Columns)
	assert.Len(t, result.Rows.Values, 2)
	assert.False(t, result.FromCache)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteFetchOneAndScalar(t *testing.T) {
	d, _ := newFacade(t, testConfig())
	ctx := context.Background()

	one, err := d.Execute(ctx, "SELECT id, name FROM users WHERE rowid = 1", nil, types.FetchOne)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), "ada"}, one.Row)
	assert.Nil(t, one.Rows)

	scalar, err := d.Execute(ctx, "SELECT count(*) FROM users", nil, types.FetchScalar)
	require.NoError(t, err)
	assert.Equal(t, int64(1), scalar.Scalar)
}

func TestExecuteServesRepeatReadFromCache(t *testing.T) {
	d, conn := newFacade(t, testConfig())
	ctx := context.Background()

	first, err := d.Execute(ctx, "SELECT id, name FROM users", nil, types.FetchAll)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := d.Execute(ctx, "SELECT id, name FROM users", nil, types.FetchAll)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Rows.Values, second.Rows.Values)

	assert.Equal(t, 1, conn.calls(), "cache hit must not touch the store")
}

func TestExecuteDistinguishesParams(t *testing.T) {
	d, conn := newFacade(t, testConfig())
	ctx := context.Background()

	_, err := d.Execute(ctx, "SELECT * FROM t WHERE id = ?", []interface{}{1}, types.FetchAll)
	require.NoError(t, err)
	_, err = d.Execute(ctx, "SELECT * FROM t WHERE id = ?", []interface{}{2}, types.FetchAll)
	require.NoError(t, err)

	assert.Equal(t, 2, conn.calls(), "different params must not share a cache entry")
}

func TestExecuteWriteBypassesCache(t *testing.T) {
	d, conn := newFacade(t, testConfig(),
		response{rows: &types.Rows{RowsAffected: 1}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := d.Execute(ctx, "INSERT INTO t (id) VALUES (?)", []interface{}{i}, types.FetchNone)
		require.NoError(t, err)
		assert.False(t, result.FromCache)
		assert.Equal(t, int64(1), result.Rows.RowsAffected)
	}
	assert.Equal(t, 3, conn.calls())
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	transient := errors.New(errors.ErrCodeStorageTransient, "database busy")
	d, conn := newFacade(t, testConfig(),
		response{err: transient},
		response{err: transient},
		response{rows: &types.Rows{RowsAffected: 1}})

	result, err := d.Execute(context.Background(), "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, conn.calls())
}

func TestExecuteDoesNotRetryPermanentFailures(t *testing.T) {
	permanent := errors.New(errors.ErrCodeStoragePermanent, "constraint violation")
	d, conn := newFacade(t, testConfig(), response{err: permanent})

	_, err := d.Execute(context.Background(), "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStoragePermanent))
	assert.Equal(t, 1, conn.calls())
}

func TestExecuteExhaustsRetries(t *testing.T) {
	transient := errors.New(errors.ErrCodeStorageTransient, "database busy")
	d, conn := newFacade(t, testConfig(), response{err: transient})

	_, err := d.Execute(context.Background(), "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.Equal(t, 3, conn.calls())
}

func TestExecuteBreakerShortCircuits(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.ResetTimeout = time.Minute

	transient := errors.New(errors.ErrCodeStorageTransient, "database busy")
	d, conn := newFacade(t, cfg, response{err: transient})
	ctx := context.Background()

	_, _ = d.Execute(ctx, "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	_, _ = d.Execute(ctx, "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	callsBefore := conn.calls()

	_, err := d.Execute(ctx, "INSERT INTO t VALUES (1)", nil, types.FetchNone)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen) ||
		errors.IsCode(err, errors.ErrCodeRetryExhausted), "got %v", err)
	assert.Equal(t, callsBefore, conn.calls(), "open breaker must not reach the store")
}

func TestExecuteValidatesInput(t *testing.T) {
	d, _ := newFacade(t, testConfig())
	ctx := context.Background()

	_, err := d.Execute(ctx, "SELECT 1", nil, types.FetchMode("sideways"))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = d.Execute(ctx, "   ", nil, types.FetchAll)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
}

func TestExecuteAfterCloseFails(t *testing.T) {
	d, _ := newFacade(t, testConfig())
	require.NoError(t, d.Close())

	_, err := d.Execute(context.Background(), "SELECT 1", nil, types.FetchAll)
	assert.True(t, errors.IsCode(err, errors.ErrCodeClosed))
}

func TestExecuteHonorsConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConcurrency = 1
	d, _ := newFacade(t, cfg)

	// With the limit at one, a canceled context cannot sneak past the
	// semaphore while another execution is parked inside it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d.sem.TryAcquire(1) {
		defer d.sem.Release(1)
		_, err := d.Execute(ctx, "SELECT 1", nil, types.FetchAll)
		assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
	}
}

func TestMetricsSnapshot(t *testing.T) {
	d, _ := newFacade(t, testConfig())
	ctx := context.Background()

	_, err := d.Execute(ctx, "SELECT id, name FROM users", nil, types.FetchAll)
	require.NoError(t, err)
	_, err = d.Execute(ctx, "SELECT id, name FROM users", nil, types.FetchAll)
	require.NoError(t, err)

	snapshot := d.Metrics()
	assert.False(t, snapshot.Timestamp.IsZero())
	assert.Equal(t, 4, snapshot.Pool.MaxConnections)
	require.Len(t, snapshot.Query, 1)
	assert.Equal(t, int64(1), snapshot.Query[0].Executions, "cache hits do not re-execute")
	assert.Equal(t, uint64(1), snapshot.Cache.L1Hits)
	assert.Contains(t, snapshot.Breaker, "store")
}

func TestHealthReportsHealthy(t *testing.T) {
	d, _ := newFacade(t, testConfig())

	status := d.Health(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Contains(t, status.Checks, "storage")
	assert.Contains(t, status.Checks, "pool")
	assert.Contains(t, status.Checks, "breaker")
}

func TestHealthReportsOpenBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 1
	cfg.Breaker.ResetTimeout = time.Minute

	transient := errors.New(errors.ErrCodeStorageTransient, "database busy")
	d, _ := newFacade(t, cfg, response{err: transient})
	ctx := context.Background()

	_, _ = d.Execute(ctx, "INSERT INTO t VALUES (1)", nil, types.FetchNone)

	status := d.Health(ctx)
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "unhealthy", status.Checks["breaker"].Status)
}
