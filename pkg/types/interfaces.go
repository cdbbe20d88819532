package types

import (
	"context"
	"time"
)

// Connector mints connections to a backing store. The core is agnostic to
// the engine behind it; anything that can open a connection, execute a
// parameterized statement, ping, and close satisfies the contract.
type Connector interface {
	// Open establishes a new connection. Failures are classified by the
	// implementation into transient or permanent storage errors.
	Open(ctx context.Context, dsn string) (Conn, error)
}

// Conn is a single live connection to the backing store. A Conn is owned by
// the pool while idle and by exactly one caller while checked out; it is
// never used concurrently.
type Conn interface {
	// Execute runs a parameterized statement and materializes the result.
	Execute(ctx context.Context, stmt string, params []interface{}) (*Rows, error)

	// Ping verifies liveness. A non-nil error marks the connection dead.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// Cache is the tier contract shared by the memory and disk caches. A zero
// ttl means the tier's default TTL applies.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Stats() CacheStats
}
