// Package metrics tracks per-query execution statistics and exports
// operational metrics through a Prometheus registry.
//
// Queries are aggregated by fingerprint: a hash of the normalized statement
// text plus its parameter arity, so the same statement with different bound
// values rolls up into one record.
package metrics
