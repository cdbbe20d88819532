// Package cache implements the two-tier read-through cache: a fast bounded
// in-memory LRU (L1) backed by a larger persistent disk cache (L2), with
// promotion into L1 on an L2 hit.
//
// Both tiers expire entries lazily on read and sweep them periodically in
// the background. Cache failures are non-fatal by design: a broken L2 read
// is reported as a miss, never as an error to the caller.
package cache
