// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Config configures a QueueSet. Refiner, Allocator, and Safepoint are
// required; NewQueueSet panics on misuse.
type Config struct {
	// Refiner is the refine-one-card capability.
	Refiner CardRefiner
	// Allocator supplies and recycles BufferNode storage.
	Allocator NodeAllocator
	// Safepoint supplies the pause epoch, the at-safepoint query, and the
	// cooperative yield predicate.
	Safepoint SafepointMonitor

	// Workers is the number of concurrent refinement workers. Together
	// with MutatorSlots it bounds the dense par-id space (max 64 total).
	Workers int
	// MutatorSlots is the number of extra par ids reserved for
	// mutator-side backpressure refinement rounds.
	MutatorSlots int

	// MutatorRefinementThreshold is the card-count watermark above which
	// a mutator retiring a full buffer refines one buffer itself.
	MutatorRefinementThreshold int64

	// YieldCheckInterval is the number of cards refined between polls of
	// the yield predicate. 0 selects the default of 8.
	YieldCheckInterval int
}

// QueueSet coordinates dirty-card buffering and concurrent refinement: it
// owns the completed-buffer queue and the paused-buffer store, tracks an
// approximate global card count, enforces the mutator backpressure
// threshold, and aggregates refinement statistics.
//
// Model one QueueSet as an explicitly constructed, explicitly owned object
// created once per collector lifetime and passed by reference to
// participants.
type QueueSet struct {
	refiner CardRefiner
	alloc   NodeAllocator
	sp      SafepointMonitor

	completed completedQueue
	paused    pausedBuffers
	epochSync *Synchronizer
	ids       workerIDAllocator

	_ pad
	// numCards is an approximate upper bound on enqueued, unrefined
	// cards: incremented before a buffer becomes poppable, decremented
	// after a successful pop. Transient overcount is tolerated — it only
	// gates a heuristic threshold — and it never permanently undercounts.
	numCards  atomix.Int64
	_         pad
	threshold atomix.Int64
	_         pad

	yieldInterval int

	mu           sync.Mutex
	logs         map[*CardLog]struct{}
	concatenated RefinementStats
	detached     RefinementStats
}

// NewQueueSet creates the coordinator. Panics if a required capability is
// missing or the id space is misconfigured.
func NewQueueSet(cfg Config) *QueueSet {
	if cfg.Refiner == nil {
		panic("cardq: Config.Refiner is required")
	}
	if cfg.Allocator == nil {
		panic("cardq: Config.Allocator is required")
	}
	if cfg.Safepoint == nil {
		panic("cardq: Config.Safepoint is required")
	}
	if cfg.Workers < 1 {
		panic("cardq: Config.Workers must be >= 1")
	}
	if cfg.MutatorSlots < 0 {
		panic("cardq: Config.MutatorSlots must be >= 0")
	}
	numIds := cfg.Workers + cfg.MutatorSlots
	if numIds > maxParIds {
		panic("cardq: Workers + MutatorSlots must be <= 64")
	}
	if cfg.MutatorRefinementThreshold < 0 {
		panic("cardq: Config.MutatorRefinementThreshold must be >= 0")
	}
	interval := cfg.YieldCheckInterval
	if interval == 0 {
		interval = 8
	}
	if interval < 0 {
		panic("cardq: Config.YieldCheckInterval must be >= 0")
	}

	s := &QueueSet{
		refiner:       cfg.Refiner,
		alloc:         cfg.Allocator,
		sp:            cfg.Safepoint,
		epochSync:     newSynchronizer(numIds),
		yieldInterval: interval,
		logs:          make(map[*CardLog]struct{}),
	}
	s.completed.init()
	s.paused.init()
	s.ids.count = numIds
	s.threshold.StoreRelaxed(cfg.MutatorRefinementThreshold)
	return s
}

// NewCardLog creates and registers a per-thread log. stats is the calling
// thread's statistics object; the set reads and writes it but does not own
// it. The log must be Flushed on thread exit.
func (s *QueueSet) NewCardLog(role ThreadRole, stats *RefinementStats) *CardLog {
	if stats == nil {
		panic("cardq: stats must not be nil")
	}
	l := &CardLog{set: s, stats: stats, role: role}
	s.mu.Lock()
	s.logs[l] = struct{}{}
	s.mu.Unlock()
	return l
}

func (s *QueueSet) dropLog(l *CardLog) {
	s.RecordDetachedRefinementStats(l.stats)
	s.mu.Lock()
	delete(s.logs, l)
	s.mu.Unlock()
}

// NumCards returns the approximate count of enqueued, unrefined cards. It
// is a heuristic upper bound: after a quiescent period with no concurrent
// pushes it converges to the exact value.
func (s *QueueSet) NumCards() int64 {
	return s.numCards.LoadAcquire()
}

// MutatorRefinementThreshold returns the backpressure watermark.
func (s *QueueSet) MutatorRefinementThreshold() int64 {
	return s.threshold.LoadRelaxed()
}

// SetMutatorRefinementThreshold retunes the backpressure watermark, e.g.
// between collection cycles.
func (s *QueueSet) SetMutatorRefinementThreshold(v int64) {
	if v < 0 {
		panic("cardq: threshold must be >= 0")
	}
	s.threshold.StoreRelaxed(v)
}

// NumParIds returns the size of the dense worker-id space.
func (s *QueueSet) NumParIds() int {
	return s.ids.count
}

// ClaimParID claims a dense worker id for a refinement attempt. Returns
// (-1, false) without blocking when all ids are busy.
func (s *QueueSet) ClaimParID() (int, bool) {
	return s.ids.claim()
}

// ReleaseParID returns a claimed id.
func (s *QueueSet) ReleaseParID(id int) {
	s.ids.release(id)
}

// Synchronizer returns the safe-reclamation primitive guarding pops. The
// allocator must WriteSynchronize on it before physically recycling
// released nodes.
func (s *QueueSet) Synchronizer() *Synchronizer {
	return s.epochSync
}

// EnqueueCompletedBuffer pushes a retired buffer onto the completed queue
// and raises the global card count by its unprocessed-card count.
func (s *QueueSet) EnqueueCompletedBuffer(n *BufferNode) {
	s.numCards.AddAcqRel(int64(n.Unprocessed()))
	s.completed.push(n)
}

// HandleCompletedBuffer is invoked when a local log fills. It always
// enqueues. If the caller is a mutator and the card count exceeds the
// threshold, the caller performs one round of concurrent refinement itself
// before returning — backpressure that is self-limiting: heavier mutation
// load produces more mutator-side refinement, throttling further mutation.
func (s *QueueSet) HandleCompletedBuffer(n *BufferNode, stats *RefinementStats, role ThreadRole) {
	s.EnqueueCompletedBuffer(n)
	if role == CollectorWorker {
		return
	}
	threshold := s.threshold.LoadRelaxed()
	if s.numCards.LoadAcquire() <= threshold {
		return
	}
	id, ok := s.ids.claim()
	if !ok {
		// Every id is busy refining already; adding this thread would
		// not reduce the backlog faster.
		return
	}
	s.RefineCompletedBufferConcurrently(id, threshold, stats)
	s.ids.release(id)
}

// GetCompletedBuffer folds in stale paused work, then makes one pop
// attempt on the completed queue. On success the card count drops by the
// popped node's unprocessed count (a bound, since concurrent pushes may
// occur). Returns ErrWouldBlock or ErrContended otherwise. Must not be
// called at a safepoint.
func (s *QueueSet) GetCompletedBuffer(workerID int) (*BufferNode, error) {
	s.EnqueuePreviousPausedBuffers()
	n, err := s.completed.tryPop(s.epochSync, workerID)
	if err != nil {
		return nil, err
	}
	s.numCards.AddAcqRel(-int64(n.Unprocessed()))
	return n, nil
}

// EnqueuePreviousPausedBuffers splices buffers paused for an already
// passed epoch back into the completed queue. Called opportunistically
// before any pop attempt so stale paused work is folded back before the
// completed queue is found empty. Must not be called at a safepoint.
//
// The merged cards are already in the global count; no adjustment here.
func (s *QueueSet) EnqueuePreviousPausedBuffers() {
	s.assertNotAtSafepoint("EnqueuePreviousPausedBuffers")
	ht, _ := s.paused.takePrevious(s.sp.Epoch())
	s.completed.spliceRun(ht)
}

// EnqueueAllPausedBuffers splices every paused buffer back regardless of
// epoch. Only legal at a safepoint, which will process all pending work
// anyway.
func (s *QueueSet) EnqueueAllPausedBuffers() {
	s.assertAtSafepoint("EnqueueAllPausedBuffers")
	ht, _ := s.paused.takeAll()
	s.completed.spliceRun(ht)
}

// RefineBuffer walks the node's pending entries, invoking the injected
// refiner per card and polling the yield predicate every YieldCheckInterval
// cards. Returns true when the buffer is fully processed, false when the
// walk was interrupted; the node's cursor advances either way, so
// re-invoking on the same node continues exactly where it stopped. stats
// always receives the cards actually processed.
//
// At most one caller may hold n; claim it via GetCompletedBuffer.
func (s *QueueSet) RefineBuffer(n *BufferNode, workerID int, stats *RefinementStats) bool {
	capacity := len(n.buf)
	i := n.index
	processed := 0
	for i < capacity {
		s.refiner.RefineCard(n.buf[i], workerID)
		i++
		processed++
		if i < capacity && processed%s.yieldInterval == 0 && s.sp.ShouldYield() {
			break
		}
	}
	n.index = i
	stats.RefinedCards += int64(processed)
	if i < capacity {
		stats.YieldInterruptions++
		return false
	}
	stats.RefinedBuffers++
	return true
}

// HandleRefinedBuffer routes a buffer after a refinement walk: fully
// processed nodes go back to the allocator, interrupted ones to the paused
// store for the current epoch. A partially processed buffer must not be
// re-pushed onto the completed queue — an in-flight pop of the old epoch
// might still reference it, reopening the ABA hazard.
func (s *QueueSet) HandleRefinedBuffer(n *BufferNode, fullyProcessed bool) {
	if fullyProcessed {
		s.releaseNode(n)
		return
	}
	s.assertNotAtSafepoint("HandleRefinedBuffer(paused)")
	s.numCards.AddAcqRel(int64(n.Unprocessed()))
	s.paused.add(n, s.sp.Epoch())
}

// RefineCompletedBufferConcurrently pops one buffer, refines it, and
// routes it through HandleRefinedBuffer, as long as the card count exceeds
// stopAt. Returns true after processing one buffer, false if none was
// available. Contended pops are retried while the count says work remains;
// an empty queue ends the attempt even with a nonzero count, since the
// count is approximate.
func (s *QueueSet) RefineCompletedBufferConcurrently(workerID int, stopAt int64, stats *RefinementStats) bool {
	sw := spin.Wait{}
	for s.numCards.LoadAcquire() > stopAt {
		n, err := s.GetCompletedBuffer(workerID)
		if err != nil {
			if IsWouldBlock(err) {
				return false
			}
			sw.Once()
			continue
		}
		fully := s.RefineBuffer(n, workerID, stats)
		s.HandleRefinedBuffer(n, fully)
		return true
	}
	return false
}

// AbandonCompletedBuffers frees every completed and paused buffer without
// refining and zeroes the card count. Only legal at a safepoint whose full
// collection is about to rebuild the remembered-set information by other
// means; that guarantee is the caller's responsibility.
func (s *QueueSet) AbandonCompletedBuffers() {
	s.assertAtSafepoint("AbandonCompletedBuffers")
	s.releaseChain(s.completed.takeAll())
	ht, _ := s.paused.takeAll()
	s.releaseChain(ht.head)
	s.numCards.Store(0)
}

// AbandonLogsAndStats discards partial per-thread logs and resets the
// statistic aggregates ahead of a full collection that makes pending
// refinement moot. Only legal at a safepoint, and only when the caller
// guarantees the dropped cards' remembered-set information will be rebuilt
// by a full heap trace.
func (s *QueueSet) AbandonLogsAndStats() {
	s.assertAtSafepoint("AbandonLogsAndStats")
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.logs {
		l.discard()
		l.stats.Reset()
	}
	s.concatenated.Reset()
	s.detached.Reset()
}

// ConcatenateLogsAndStats flushes every registered log's partial buffer
// into the completed queue and folds per-thread and detached statistics
// into the concatenated aggregate. Only legal at a safepoint, while the
// owning threads are stopped.
func (s *QueueSet) ConcatenateLogsAndStats() {
	s.assertAtSafepoint("ConcatenateLogsAndStats")
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.logs {
		l.retire()
		s.concatenated.Add(*l.stats)
		l.stats.Reset()
	}
	s.concatenated.Add(s.detached)
	s.detached.Reset()
}

// UpdateRefinementStats folds a collector worker's statistics into the
// concatenated aggregate and resets the worker's object. Only legal at a
// safepoint.
func (s *QueueSet) UpdateRefinementStats(stats *RefinementStats) {
	s.assertAtSafepoint("UpdateRefinementStats")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concatenated.Add(*stats)
	stats.Reset()
}

// RecordDetachedRefinementStats folds an exiting thread's statistics into
// the detached bucket and resets the thread's object. Safe at any time.
func (s *QueueSet) RecordDetachedRefinementStats(stats *RefinementStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached.Add(*stats)
	stats.Reset()
}

// ConcatenatedRefinementStats returns and clears the aggregate gathered
// since the previous call. Valid only after UpdateRefinementStats and
// ConcatenateLogsAndStats have run for the current safepoint; this
// precondition is documented, not enforced.
func (s *QueueSet) ConcatenatedRefinementStats() RefinementStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.concatenated
	s.concatenated.Reset()
	return out
}

func (s *QueueSet) acquireNode() *BufferNode {
	n := s.alloc.AcquireNode()
	if CheckEnabled && !n.Empty() {
		panic("cardq: allocator returned a non-empty node")
	}
	n.enterList(ownerLocal)
	return n
}

func (s *QueueSet) releaseNode(n *BufferNode) {
	if CheckEnabled {
		n.owner.Store(ownerFree)
	}
	n.next.StoreRelaxed(0)
	s.alloc.ReleaseNode(n)
}

// releaseChain frees a detached chain, dropping any pending cards. Only
// reached from the abandon path.
func (s *QueueSet) releaseChain(head *BufferNode) {
	for n := head; n != nil; {
		next := nodeAt(n.next.LoadRelaxed())
		n.index = len(n.buf)
		s.releaseNode(n)
		n = next
	}
}

func (s *QueueSet) assertNotAtSafepoint(op string) {
	if CheckEnabled && s.sp.AtSafepoint() {
		panic("cardq: " + op + " called at a safepoint")
	}
}

func (s *QueueSet) assertAtSafepoint(op string) {
	if CheckEnabled && !s.sp.AtSafepoint() {
		panic("cardq: " + op + " requires a safepoint")
	}
}
