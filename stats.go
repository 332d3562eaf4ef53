// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

// RefinementStats accumulates per-thread refinement counters. Instances
// are owned by caller threads and passed into refinement operations; this
// package reads and writes them but never shares one instance across
// concurrent callers.
type RefinementStats struct {
	// RefinedCards counts cards actually processed, including partial
	// buffer walks ended by a yield.
	RefinedCards int64
	// RefinedBuffers counts buffers drained to completion.
	RefinedBuffers int64
	// YieldInterruptions counts refinement walks cut short by the yield
	// predicate.
	YieldInterruptions int64
}

// Add accumulates other into s.
func (s *RefinementStats) Add(other RefinementStats) {
	s.RefinedCards += other.RefinedCards
	s.RefinedBuffers += other.RefinedBuffers
	s.YieldInterruptions += other.YieldInterruptions
}

// Reset zeroes all counters.
func (s *RefinementStats) Reset() {
	*s = RefinementStats{}
}
