package types

import (
	"time"
)

// FetchMode controls how many rows an execution materializes.
type FetchMode string

const (
	// FetchNone executes the statement without materializing rows (writes, DDL).
	FetchNone FetchMode = "none"
	// FetchOne returns the first row only.
	FetchOne FetchMode = "one"
	// FetchAll returns every row.
	FetchAll FetchMode = "all"
	// FetchScalar returns the first column of the first row.
	FetchScalar FetchMode = "scalar"
)

// Valid reports whether the fetch mode is one of the recognized values.
func (m FetchMode) Valid() bool {
	switch m {
	case FetchNone, FetchOne, FetchAll, FetchScalar:
		return true
	}
	return false
}

// Rows is the materialized result of a statement execution.
type Rows struct {
	Columns      []string        `json:"columns,omitempty"`
	Values       [][]interface{} `json:"values,omitempty"`
	RowsAffected int64           `json:"rows_affected"`
}

// Result is what the facade hands back to callers. Exactly one of Rows,
// Row, or Scalar is populated depending on the fetch mode.
type Result struct {
	Mode   FetchMode     `json:"mode"`
	Rows   *Rows         `json:"rows,omitempty"`
	Row    []interface{} `json:"row,omitempty"`
	Scalar interface{}   `json:"scalar,omitempty"`

	// FromCache indicates the result was served without touching the store.
	FromCache bool          `json:"from_cache"`
	Elapsed   time.Duration `json:"elapsed"`
	Attempts  int           `json:"attempts"`
}

// CacheStats represents cache performance statistics for a single tier.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expired     uint64  `json:"expired"`
	Items       int     `json:"items"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// MultiLevelCacheStats aggregates the two cache tiers.
type MultiLevelCacheStats struct {
	L1Hits     uint64     `json:"l1_hits"`
	L2Hits     uint64     `json:"l2_hits"`
	Misses     uint64     `json:"misses"`
	Promotions uint64     `json:"promotions"`
	Evictions  uint64     `json:"evictions"`
	HitRate    float64    `json:"hit_rate"`
	L1         CacheStats `json:"l1"`
	L2         CacheStats `json:"l2"`
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	Active         int       `json:"active"`
	Idle           int       `json:"idle"`
	MaxConnections int       `json:"max_connections"`
	Utilization    float64   `json:"utilization"`
	Acquires       int64     `json:"acquires"`
	Waits          int64     `json:"waits"`
	Timeouts       int64     `json:"timeouts"`
	Created        int64     `json:"created"`
	Destroyed      int64     `json:"destroyed"`
	IdleClosed     int64     `json:"idle_closed"`
	DeadDiscarded  int64     `json:"dead_discarded"`
	LastCreated    time.Time `json:"last_created"`
}

// BreakerStats represents the observable state of one circuit breaker.
type BreakerStats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	Failures             uint32    `json:"failures"`
	Successes            uint32    `json:"successes"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	Rejected             int64     `json:"rejected"`
	LastFailure          time.Time `json:"last_failure"`
	LastTransition       time.Time `json:"last_transition"`
}

// QueryStats represents aggregated metrics for one query fingerprint.
type QueryStats struct {
	Fingerprint string        `json:"fingerprint"`
	Statement   string        `json:"statement"`
	Executions  int64         `json:"executions"`
	Errors      int64         `json:"errors"`
	TotalTime   time.Duration `json:"total_time"`
	AvgTime     time.Duration `json:"avg_time"`
	MinTime     time.Duration `json:"min_time"`
	MaxTime     time.Duration `json:"max_time"`
	Slow        bool          `json:"slow"`
	Suggestion  string        `json:"suggestion,omitempty"`
	LastSeen    time.Time     `json:"last_seen"`
}

// Snapshot is the structured metrics view the facade exposes for an
// external monitoring collaborator.
type Snapshot struct {
	Timestamp time.Time               `json:"timestamp"`
	Pool      PoolStats               `json:"pool"`
	Breaker   map[string]BreakerStats `json:"breaker"`
	Cache     MultiLevelCacheStats    `json:"cache"`
	Query     []QueryStats            `json:"query"`
}

// HealthStatus represents the outcome of the facade health probe.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single named health check.
type CheckResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}
