// Package types defines the shared data types and interfaces used across
// DataPath components: the storage-connector contract, fetch modes, result
// sets, and the statistics snapshots exposed through the facade.
package types
