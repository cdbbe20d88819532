// Package retry provides bounded retries with exponential backoff and jitter
// for DataPath operations.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the backoff growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter is the randomization fraction applied to each delay, in
	// [0, 1]. Zero disables jitter.
	Jitter float64 `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Manager executes operations with bounded attempts and exponential backoff.
// Only errors the taxonomy marks retryable are attempted again; everything
// else propagates immediately without sleeping.
type Manager struct {
	config Config
	logger *zap.Logger
}

// New creates a retry manager. A nil logger is replaced with a nop logger.
func New(config Config, logger *zap.Logger) *Manager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier < 1.0 {
		config.Multiplier = 2.0
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	if config.Jitter > 1 {
		config.Jitter = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{config: config, logger: logger}
}

// Do executes fn until it succeeds, fails with a non-retryable error, the
// context expires, or attempts are exhausted. Exhaustion wraps the last
// cause in RETRY_EXHAUSTED annotated with the attempt count.
func (m *Manager) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= m.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.ErrCodeOperationCanceled, "retry canceled", ctx.Err()).
				WithAttempts(attempt - 1)
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				m.logger.Debug("operation succeeded after retry",
					zap.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt == m.config.MaxAttempts {
			break
		}

		delay := m.Delay(attempt)
		if m.config.OnRetry != nil {
			m.config.OnRetry(attempt, err, delay)
		}
		m.logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.config.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(errors.ErrCodeOperationCanceled, "retry canceled during backoff", ctx.Err()).
				WithAttempts(attempt)
		case <-timer.C:
		}
	}

	m.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", m.config.MaxAttempts),
		zap.Error(lastErr))

	return errors.Wrap(errors.ErrCodeRetryExhausted, "all attempts failed", lastErr).
		WithAttempts(m.config.MaxAttempts)
}

// Delay returns the backoff for the given attempt (1-based):
// min(base * multiplier^(attempt-1), max), randomized by the jitter fraction.
func (m *Manager) Delay(attempt int) time.Duration {
	d := float64(m.config.BaseDelay) * math.Pow(m.config.Multiplier, float64(attempt-1))
	if d > float64(m.config.MaxDelay) {
		d = float64(m.config.MaxDelay)
	}
	if m.config.Jitter > 0 {
		d += d * m.config.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// MaxAttempts exposes the configured attempt bound.
func (m *Manager) MaxAttempts() int {
	return m.config.MaxAttempts
}
