// Package health runs named probes against the data-access components and
// aggregates them into a single status.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// Overall status values, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Config represents health checker configuration.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// CheckFunc probes one component. A nil return means healthy; an error's
// message becomes the check's reported detail.
type CheckFunc func(ctx context.Context) error

// check pairs a probe with whether its failure degrades or fails the whole.
type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Checker runs registered probes on demand and on a background interval,
// keeping the latest results.
type Checker struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	checks  []check
	latest  types.HealthStatus
	started bool

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewChecker creates a health checker.
func NewChecker(config Config, logger *zap.Logger) *Checker {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		config: config,
		logger: logger,
		latest: types.HealthStatus{Status: StatusUnknown},
		stopCh: make(chan struct{}),
	}
}

// RegisterCheck adds a named probe. Critical probes fail the overall status;
// non-critical ones only degrade it.
func (c *Checker) RegisterCheck(name string, critical bool, fn CheckFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.checks {
		if existing.name == name {
			return errors.Newf(errors.ErrCodeInvalidArgument, "health check %q already registered", name).
				WithComponent("health")
		}
	}
	c.checks = append(c.checks, check{name: name, critical: critical, fn: fn})
	return nil
}

// RunChecks executes every probe once and returns the aggregated status.
func (c *Checker) RunChecks(ctx context.Context) types.HealthStatus {
	c.mu.RLock()
	checks := make([]check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	status := types.HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]types.CheckResult, len(checks)),
	}
	if len(checks) == 0 {
		status.Status = StatusUnknown
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	for _, ck := range checks {
		result := c.runOne(ctx, ck)
		status.Checks[ck.name] = result

		if result.Status == StatusUnhealthy {
			if ck.critical {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	c.mu.Lock()
	c.latest = status
	c.mu.Unlock()

	return status
}

// Status returns the most recent aggregated result without running probes.
func (c *Checker) Status() types.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// Start launches the periodic check loop. A disabled checker still serves
// on-demand RunChecks.
func (c *Checker) Start() {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopped = make(chan struct{})
	c.mu.Unlock()

	go c.loop()
}

// Stop halts the periodic loop.
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stopped
}

func (c *Checker) loop() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			status := c.RunChecks(context.Background())
			if status.Status != StatusHealthy {
				c.logger.Warn("health check cycle",
					zap.String("status", status.Status),
					zap.Int("checks", len(status.Checks)))
			}
		}
	}
}

func (c *Checker) runOne(ctx context.Context, ck check) types.CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	err := ck.fn(checkCtx)
	result := types.CheckResult{
		Status:   StatusHealthy,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	return result
}
