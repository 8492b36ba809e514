/*
Copyright 2025 The controlmgr Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"math"
	"sync/atomic"
)

// RollingStats accumulates a running mean, minimum, and maximum of a sampled
// quantity (periodicity in Hz, execution time in seconds).
//
// The writer is always the realtime thread; non-realtime readers observe the
// fields through atomics and accept values from slightly different samples.
// No locks are taken on either side.
type RollingStats struct {
	count atomic.Uint64
	mean  atomic.Uint64 // float64 bits
	min   atomic.Uint64 // float64 bits
	max   atomic.Uint64 // float64 bits
}

// NewRollingStats returns an empty accumulator.
func NewRollingStats() *RollingStats {
	s := &RollingStats{}
	s.Reset()
	return s
}

// Reset clears the accumulator. Called at the activation boundary, from
// Record.Activate on the realtime thread, while the controller is not being
// triggered.
func (s *RollingStats) Reset() {
	s.count.Store(0)
	s.mean.Store(math.Float64bits(0))
	s.min.Store(math.Float64bits(math.Inf(1)))
	s.max.Store(math.Float64bits(math.Inf(-1)))
}

// AddSample folds one sample into the running statistics. Realtime-safe:
// no allocation, no locks.
func (s *RollingStats) AddSample(v float64) {
	n := s.count.Add(1)
	mean := math.Float64frombits(s.mean.Load())
	mean += (v - mean) / float64(n)
	s.mean.Store(math.Float64bits(mean))
	if v < math.Float64frombits(s.min.Load()) {
		s.min.Store(math.Float64bits(v))
	}
	if v > math.Float64frombits(s.max.Load()) {
		s.max.Store(math.Float64bits(v))
	}
}

// Count returns the number of samples folded in so far.
func (s *RollingStats) Count() uint64 { return s.count.Load() }

// Mean returns the running mean, or 0 before the first sample.
func (s *RollingStats) Mean() float64 { return math.Float64frombits(s.mean.Load()) }

// Min returns the smallest sample, or +Inf before the first sample.
func (s *RollingStats) Min() float64 { return math.Float64frombits(s.min.Load()) }

// Max returns the largest sample, or -Inf before the first sample.
func (s *RollingStats) Max() float64 { return math.Float64frombits(s.max.Load()) }
