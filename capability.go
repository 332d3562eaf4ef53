// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

// CardRefiner converts one dirty-card notification into remembered-set
// updates. Supplied by the enclosing collector.
//
// workerID is a dense id from the set's par-id allocator; implementations
// may use it to index per-worker scratch state. RefineCard is called by at
// most one worker per card, but concurrently for different cards.
type CardRefiner interface {
	RefineCard(c Card, workerID int)
}

// NodeAllocator is the pooled BufferNode storage this package draws from.
//
// AcquireNode returns an empty node (index == capacity). ReleaseNode gives
// a fully drained node back; the allocator must not physically reuse it
// until the coordinator's Synchronizer has write-synchronized past all
// in-flight pops (call WriteSynchronize before recycling a batch, or keep
// released nodes on a pending list until then). The pool must keep every
// node it has ever handed out reachable.
type NodeAllocator interface {
	AcquireNode() *BufferNode
	ReleaseNode(n *BufferNode)
}

// SafepointMonitor is the view of the safepoint subsystem this package
// needs: a monotonic pause-epoch counter, an at-safepoint query for
// precondition checks, and the cooperative yield predicate polled inside
// refinement loops.
//
// Epoch must advance exactly when a safepoint begins, and AtSafepoint must
// be true for the whole safepoint. ShouldYield is a hint that a safepoint
// is imminent; worst-case pause-onset latency is bounded by how often
// refiners poll it, never by forced preemption.
type SafepointMonitor interface {
	AtSafepoint() bool
	Epoch() uint64
	ShouldYield() bool
}

// ThreadRole classifies a log's owning thread. Only Mutator-role logs are
// subject to refinement backpressure; collector workers already refine.
type ThreadRole int32

const (
	// Mutator is an application thread.
	Mutator ThreadRole = iota
	// CollectorWorker is a concurrent collector/refinement thread.
	CollectorWorker
)
