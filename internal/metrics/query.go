package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/datapath/datapath/pkg/types"
)

// TrackerConfig represents query tracker configuration.
type TrackerConfig struct {
	// SlowThreshold marks a query as slow once its average execution time
	// crosses it.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// MaxTracked bounds the number of distinct fingerprints kept. The
	// least recently seen record is dropped when full.
	MaxTracked int `yaml:"max_tracked"`
}

func (c *TrackerConfig) applyDefaults() {
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 500 * time.Millisecond
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = 1000
	}
}

type queryRecord struct {
	fingerprint string
	statement   string
	executions  int64
	errors      int64
	totalTime   time.Duration
	minTime     time.Duration
	maxTime     time.Duration
	lastSeen    time.Time
}

// QueryTracker aggregates execution statistics per query fingerprint and
// flags slow or rewritable statements.
type QueryTracker struct {
	config TrackerConfig
	logger *zap.Logger

	mu      sync.RWMutex
	queries map[string]*queryRecord
}

// NewQueryTracker creates a query tracker.
func NewQueryTracker(config TrackerConfig, logger *zap.Logger) *QueryTracker {
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryTracker{
		config:  config,
		logger:  logger,
		queries: make(map[string]*queryRecord),
	}
}

// Fingerprint derives a stable identifier for a statement: whitespace is
// collapsed and case normalized, then hashed together with the parameter
// arity so "SELECT ?" with one and with two parameters stay distinct.
func Fingerprint(statement string, paramCount int) string {
	normalized := Normalize(statement)
	h := xxhash.New()
	_, _ = h.WriteString(normalized)
	_, _ = h.WriteString(fmt.Sprintf("|%d", paramCount))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Normalize collapses whitespace and lowercases a statement for
// fingerprinting and display.
func Normalize(statement string) string {
	return strings.ToLower(strings.Join(strings.Fields(statement), " "))
}

// Record folds one execution into the fingerprint's aggregate.
func (t *QueryTracker) Record(statement string, paramCount int, elapsed time.Duration, execErr error) {
	fingerprint := Fingerprint(statement, paramCount)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.queries[fingerprint]
	if !ok {
		if len(t.queries) >= t.config.MaxTracked {
			t.dropOldest()
		}
		record = &queryRecord{
			fingerprint: fingerprint,
			statement:   Normalize(statement),
			minTime:     elapsed,
		}
		t.queries[fingerprint] = record
	}

	record.executions++
	record.totalTime += elapsed
	if execErr != nil {
		record.errors++
	}
	if elapsed < record.minTime {
		record.minTime = elapsed
	}
	if elapsed > record.maxTime {
		record.maxTime = elapsed
	}
	record.lastSeen = now

	if avg := record.totalTime / time.Duration(record.executions); avg > t.config.SlowThreshold {
		t.logger.Warn("slow query",
			zap.String("fingerprint", fingerprint),
			zap.String("statement", record.statement),
			zap.Duration("avg_time", avg),
			zap.Int64("executions", record.executions))
	}
}

// Stats returns per-fingerprint statistics sorted by total time, heaviest
// first, with rewrite suggestions attached.
func (t *QueryTracker) Stats() []types.QueryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.QueryStats, 0, len(t.queries))
	for _, r := range t.queries {
		avg := r.totalTime / time.Duration(r.executions)
		out = append(out, types.QueryStats{
			Fingerprint: r.fingerprint,
			Statement:   r.statement,
			Executions:  r.executions,
			Errors:      r.errors,
			TotalTime:   r.totalTime,
			AvgTime:     avg,
			MinTime:     r.minTime,
			MaxTime:     r.maxTime,
			Slow:        avg > t.config.SlowThreshold,
			Suggestion:  Suggest(r.statement),
			LastSeen:    r.lastSeen,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].TotalTime > out[j].TotalTime
	})
	return out
}

// Reset drops all tracked queries.
func (t *QueryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries = make(map[string]*queryRecord)
}

// dropOldest evicts the least recently seen record. Callers hold t.mu.
func (t *QueryTracker) dropOldest() {
	var oldestKey string
	var oldest time.Time
	for key, r := range t.queries {
		if oldestKey == "" || r.lastSeen.Before(oldest) {
			oldestKey = key
			oldest = r.lastSeen
		}
	}
	if oldestKey != "" {
		delete(t.queries, oldestKey)
	}
}

// Suggest inspects a normalized statement and returns a rewrite hint, or an
// empty string when nothing stands out.
func Suggest(statement string) string {
	normalized := Normalize(statement)
	if !strings.HasPrefix(normalized, "select") {
		return ""
	}

	switch {
	case strings.HasPrefix(normalized, "select *"):
		return "select only the columns you need instead of *"
	case !strings.Contains(normalized, " where ") && !strings.Contains(normalized, " limit "):
		return "unbounded scan: add a WHERE clause or a LIMIT"
	case strings.Contains(normalized, " like '%"):
		return "leading-wildcard LIKE cannot use an index"
	}
	return ""
}
