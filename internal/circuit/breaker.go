// Package circuit implements the circuit breaker guarding the backing store.
package circuit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/errors"
	"github.com/datapath/datapath/pkg/types"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed - requests pass through.
	StateClosed State = iota
	// StateOpen - requests are rejected without invoking the operation.
	StateOpen
	// StateHalfOpen - a limited trial of requests probes recovery.
	StateHalfOpen
)

// String returns the canonical name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of failures within the observation
	// window that trips CLOSED into OPEN.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long after the last failure an OPEN breaker
	// waits before admitting trial requests.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN required to close the breaker.
	SuccessThreshold int `yaml:"success_threshold"`

	// Window is the observation period over which CLOSED-state failure
	// counts accumulate before being cleared.
	Window time.Duration `yaml:"window"`

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
}

// counts holds the request tally for the current window or trial.
type counts struct {
	requests             uint32
	failures             uint32
	successes            uint32
	consecutiveSuccesses uint32
}

func (c *counts) onRequest() {
	c.requests++
}

func (c *counts) onSuccess() {
	c.successes++
	c.consecutiveSuccesses++
}

func (c *counts) onFailure() {
	c.failures++
	c.consecutiveSuccesses = 0
}

func (c *counts) clear() {
	*c = counts{}
}

// Breaker is a per-named-resource CLOSED/OPEN/HALF_OPEN state machine. It
// never retries; it only fails fast or lets the call through.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	counts         counts
	rejected       int64
	lastFailure    time.Time
	lastTransition time.Time
	windowExpiry   time.Time
}

// New creates a breaker for the named resource.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Breaker{
		name:           name,
		config:         config,
		logger:         logger,
		state:          StateClosed,
		lastTransition: now,
		windowExpiry:   now.Add(config.Window),
	}
}

// Execute runs fn only if the state permits; otherwise it fails fast with a
// CIRCUIT_OPEN error carrying the last failure time. Counters update on
// every admitted call regardless of outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.currentState(now) {
	case StateOpen:
		b.rejected++
		return errors.Newf(errors.ErrCodeCircuitOpen, "breaker %q is open", b.name).
			WithComponent("circuit").
			WithLastFailure(b.lastFailure)
	case StateHalfOpen:
		// The trial admits exactly SuccessThreshold calls; everyone else
		// fails fast until the trial resolves the state.
		if b.counts.requests >= uint32(b.config.SuccessThreshold) {
			b.rejected++
			return errors.Newf(errors.ErrCodeCircuitOpen, "breaker %q is probing recovery", b.name).
				WithComponent("circuit").
				WithLastFailure(b.lastFailure)
		}
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if err == nil {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.consecutiveSuccesses >= uint32(b.config.SuccessThreshold) {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	b.lastFailure = now

	switch state {
	case StateClosed:
		if b.counts.failures >= uint32(b.config.FailureThreshold) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Any failure during the trial reopens immediately.
		b.setState(StateOpen, now)
	}
}

// currentState resolves time-driven transitions. Callers hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.windowExpiry.Before(now) {
			b.counts.clear()
			b.windowExpiry = now.Add(b.config.Window)
		}
	case StateOpen:
		if now.Sub(b.lastFailure) >= b.config.ResetTimeout {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

// setState transitions and clears the tally. Callers hold b.mu.
func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()
	b.lastTransition = now
	if state == StateClosed {
		b.windowExpiry = now.Add(b.config.Window)
	}

	b.logger.Info("breaker state change",
		zap.String("breaker", b.name),
		zap.Stringer("from", prev),
		zap.Stringer("to", state))

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state, resolving any pending time transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Name returns the guarded resource name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to CLOSED with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Stats returns an observable snapshot of the breaker.
func (b *Breaker) Stats() types.BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	return types.BreakerStats{
		Name:                 b.name,
		State:                state.String(),
		Failures:             b.counts.failures,
		Successes:            b.counts.successes,
		ConsecutiveSuccesses: b.counts.consecutiveSuccesses,
		Rejected:             b.rejected,
		LastFailure:          b.lastFailure,
		LastTransition:       b.lastTransition,
	}
}

// Manager holds one breaker per named resource for the process lifetime.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewManager creates a breaker manager using config for every new breaker.
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.config, m.logger)
	m.breakers[name] = b
	return b
}

// Stats returns snapshots for every breaker keyed by name.
func (m *Manager) Stats() map[string]types.BreakerStats {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	stats := make(map[string]types.BreakerStats, len(breakers))
	for _, b := range breakers {
		stats[b.Name()] = b.Stats()
	}
	return stats
}

// ResetAll resets every breaker to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.RUnlock()

	for _, b := range breakers {
		b.Reset()
	}
}
