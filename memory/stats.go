// Package memory tracks process-wide memory use against a configurable limit
// and probes the operating system for the high-watermark signal that makes
// the store refuse new work.
package memory

import (
	"errors"

	"go.uber.org/atomic"
)

// ErrOutOfMemory is returned by Alloc when the accounted usage would exceed
// the limit.
var ErrOutOfMemory = errors.New("memory: limit exceeded")

// Stats is the process-wide memory account. Used may transiently exceed the
// limit; the check is advisory, not an allocator bound.
type Stats struct {
	used  atomic.Int64
	limit atomic.Int64
}

// NewStats returns a Stats with the given limit. A limit of 0 means
// unlimited until the watermark probe installs one.
func NewStats(limit int64) *Stats {
	s := &Stats{}
	s.limit.Store(limit)
	return s
}

// Add adjusts the accounted usage. It never fails.
func (s *Stats) Add(delta int64) {
	s.used.Add(delta)
}

// Amount returns the accounted usage.
func (s *Stats) Amount() int64 {
	return s.used.Load()
}

// SetLimit replaces the limit.
func (s *Stats) SetLimit(bytes int64) {
	s.limit.Store(bytes)
}

// GetLimit returns the current limit.
func (s *Stats) GetLimit() int64 {
	return s.limit.Load()
}

// UsedRatio returns used/limit, or 0 when no limit is set.
func (s *Stats) UsedRatio() float64 {
	limit := s.limit.Load()
	if limit <= 0 {
		return 0
	}
	return float64(s.used.Load()) / float64(limit)
}

// Alloc accounts size bytes, failing with ErrOutOfMemory when the limit would
// be exceeded.
func (s *Stats) Alloc(size int64) error {
	if limit := s.limit.Load(); limit > 0 && s.used.Load()+size > limit {
		return ErrOutOfMemory
	}
	s.used.Add(size)
	return nil
}

// AllocNoThrow accounts size bytes without checking the limit.
func (s *Stats) AllocNoThrow(size int64) {
	s.used.Add(size)
}

// Realloc accounts the difference between the old and new sizes.
func (s *Stats) Realloc(oldSize, newSize int64) error {
	if delta := newSize - oldSize; delta > 0 {
		return s.Alloc(delta)
	} else if delta < 0 {
		s.Free(-delta)
	}
	return nil
}

// Free releases size bytes from the account.
func (s *Stats) Free(size int64) {
	s.used.Sub(size)
}
