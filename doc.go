// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cardq provides dirty-card buffering and concurrent-refinement
// coordination for a regionalized, incremental garbage collector.
//
// Every heap pointer store runs a write barrier that records the affected
// card into a thread-local buffer. This package collects those buffers,
// hands them to background refinement workers that turn dirty-card
// notifications into remembered-set updates, and bounds the backlog without
// blocking mutators except as deliberate backpressure.
//
// # Quick Start
//
// Construct one QueueSet per collector lifetime and pass it by reference to
// participants:
//
//	set := cardq.NewQueueSet(cardq.Config{
//	    Refiner:                    refiner,   // refine-one-card capability
//	    Allocator:                  pool,      // pooled BufferNode storage
//	    Safepoint:                  safepoint, // epoch + yield + at-safepoint
//	    Workers:                    4,
//	    MutatorSlots:               2,
//	    MutatorRefinementThreshold: 1024,
//	})
//
// Each thread owns a CardLog and appends cards through it:
//
//	var stats cardq.RefinementStats
//	log := set.NewCardLog(cardq.Mutator, &stats)
//
//	// in the write barrier slow path
//	log.Enqueue(card)
//
//	// on thread exit — a card is never dropped
//	log.Flush()
//
// Refinement workers drain the completed-buffer queue:
//
//	id, ok := set.ClaimParID()
//	if ok {
//	    var stats cardq.RefinementStats
//	    for set.RefineCompletedBufferConcurrently(id, 0, &stats) {
//	    }
//	    set.ReleaseParID(id)
//	}
//
// # Buffer Lifecycle
//
// A BufferNode is owned by exactly one holder at a time:
//
//	allocator pool → CardLog (filling, single writer)
//	              → completed queue (awaiting refinement)
//	              → one refiner (claimed)
//	              → allocator pool (fully refined)
//	                or paused store (refinement interrupted by a safepoint)
//	              → completed queue again (merged back after the safepoint)
//
// Nodes fill downward: an empty node has index == capacity, a full one has
// index == 0. Pending entries occupy buf[index:capacity), so refinement is
// resumable — re-invoking RefineBuffer on the same node continues exactly
// where it stopped.
//
// # Pause/Resume Protocol
//
// A refiner polls the injected yield predicate and stops on an imminent
// safepoint. The partially processed buffer cannot be re-pushed onto the
// completed queue directly: an in-flight pop of the old epoch might still
// hold a stale reference to it, and reinserting it would reopen the ABA
// hazard. Interrupted buffers instead go to a paused store tagged with the
// pause epoch, and are merged back only outside any conflicting pop:
//
//   - EnqueuePreviousPausedBuffers (never at a safepoint) folds in buffers
//     from already-passed epochs; GetCompletedBuffer calls it for you.
//   - EnqueueAllPausedBuffers (only at a safepoint) folds in everything,
//     since a collecting safepoint will process all pending work anyway.
//
// # Backpressure
//
// NumCards is an approximate upper bound on enqueued, unrefined cards. When
// a mutator-role log retires a full buffer and the count exceeds
// MutatorRefinementThreshold, the mutator performs one round of concurrent
// refinement itself before returning. Heavier mutation load produces more
// mutator-side refinement, throttling further mutation.
//
// # Safe Reclamation
//
// Popping from the completed queue is protected two ways: the queue head
// carries a version tag updated by a single 128-bit compare-and-swap, and
// each pop runs inside an epoch read-section of the set's Synchronizer.
// An allocator must call Synchronizer.WriteSynchronize before physically
// recycling a released node, so no in-flight pop can still dereference a
// stale read of it.
//
// Node links are stored as integer addresses. The allocator pool must keep
// every node it has handed out reachable; this package never frees nodes
// itself.
//
// # Error Handling
//
// There is no recoverable error taxonomy. GetCompletedBuffer returns
// [ErrWouldBlock] when the queue is empty and [ErrContended] when a pop
// race was lost; both are control flow signals. Callers retry only when
// independent evidence (NumCards > 0) suggests more work exists:
//
//	n, err := set.GetCompletedBuffer(id)
//	if cardq.IsWouldBlock(err) {
//	    // empty — no work right now
//	}
//
// Precondition violations (a safepoint-only call made off-safepoint, a node
// linked into two lists) are fatal programming errors. They panic in builds
// with the cardqcheck tag and go unchecked in normal builds.
//
// # Thread Safety
//
// CardLog is single-writer: only its owning thread may call Enqueue and
// Flush. All QueueSet operations are safe for concurrent use within their
// documented safepoint preconditions. At most one refiner ever holds a
// given buffer; the paused store, not the completed queue, holds a node
// while its refinement is interrupted.
//
// # Race Detection
//
// Go's race detector cannot observe happens-before relationships
// established through atomic memory orderings on separate variables, so it
// reports false positives for the lock-free paths. Tests incompatible with
// race detection are gated on RaceEnabled.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit
// memory ordering, and [code.hybscloud.com/spin] for CPU pause
// instructions.
package cardq
