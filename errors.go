// Package meridian implements the durable partitioned key-value store at the
// core of the meridian graph database: a write-ahead log per partition, an
// embedded sorted engine per data path, and a façade routing reads and writes
// by (space, partition).
package meridian

import "errors"

var (
	// ErrSpaceNotFound is returned when routing to an unknown space.
	ErrSpaceNotFound = errors.New("space not found")
	// ErrPartitionNotFound is returned when routing to an unknown partition.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrKeyNotFound is returned by Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrMemoryExceeded is returned when the process memory high watermark
	// refuses admission, before a write or in the middle of a long scan.
	ErrMemoryExceeded = errors.New("memory high watermark exceeded")
	// ErrCancelled is returned by an iterator whose caller gave up.
	ErrCancelled = errors.New("operation cancelled")
	// ErrTimeout is returned when the caller's deadline elapsed.
	ErrTimeout = errors.New("operation timed out")
	// ErrPartitionInconsistent is returned for writes to a partition whose
	// engine diverged from its WAL; the partition must be rebuilt first.
	ErrPartitionInconsistent = errors.New("partition is inconsistent, rebuild required")
	// ErrStopped is returned once the store or partition has shut down.
	ErrStopped = errors.New("store stopped")
	// ErrInvalidArgument is returned for malformed configuration.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrListenerMode is returned for engine reads on a WAL-only replica.
	ErrListenerMode = errors.New("store is in listener mode")
)
