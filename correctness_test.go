// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq_test

import (
	"testing"

	"code.hybscloud.com/cardq"
)

// =============================================================================
// Refinement Rounds
// =============================================================================

// TestRefineThreeFullBuffers drains three full capacity-10 buffers with
// successive concurrent-refinement rounds.
func TestRefineThreeFullBuffers(t *testing.T) {
	env := newTestEnv(t, cardq.Config{}, 30, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 30)
	if got := set.NumCards(); got != 30 {
		t.Fatalf("NumCards() = %d, want 30", got)
	}

	id, ok := set.ClaimParID()
	if !ok {
		t.Fatal("no par id available")
	}
	defer set.ReleaseParID(id)

	var stats cardq.RefinementStats
	for round := 0; round < 3; round++ {
		if !set.RefineCompletedBufferConcurrently(id, 0, &stats) {
			t.Fatalf("round %d: no buffer available", round)
		}
	}
	if set.RefineCompletedBufferConcurrently(id, 0, &stats) {
		t.Error("fourth round should find nothing")
	}

	if stats.RefinedCards != 30 {
		t.Errorf("stats.RefinedCards = %d, want 30", stats.RefinedCards)
	}
	if stats.RefinedBuffers != 3 {
		t.Errorf("stats.RefinedBuffers = %d, want 3", stats.RefinedBuffers)
	}
	if got := set.NumCards(); got != 0 {
		t.Errorf("NumCards() = %d after drain, want 0", got)
	}
	env.refiner.exactlyOnce(t, 30)
}

// TestRefineStopsAtWatermark verifies stopAt bounds a refinement round.
func TestRefineStopsAtWatermark(t *testing.T) {
	env := newTestEnv(t, cardq.Config{}, 20, 10)
	set := env.set
	env.fillBuffers(cardq.CollectorWorker, 0, 20)

	id, _ := set.ClaimParID()
	defer set.ReleaseParID(id)

	var stats cardq.RefinementStats
	if !set.RefineCompletedBufferConcurrently(id, 15, &stats) {
		t.Fatal("expected one buffer processed")
	}
	// Count dropped to 10, at or below the watermark.
	if set.RefineCompletedBufferConcurrently(id, 15, &stats) {
		t.Error("round should stop at the watermark")
	}
	if got := set.NumCards(); got != 10 {
		t.Errorf("NumCards() = %d, want 10", got)
	}
}

// =============================================================================
// Pause / Resume
// =============================================================================

// TestPauseAndResume interrupts refinement after 4 of 10 entries on an
// imminent safepoint, checks the paused buffer is invisible to its own
// epoch, merges it at the safepoint, and resumes exactly where it stopped.
func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, cardq.Config{YieldCheckInterval: 1}, 10, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 10)

	// Yield as soon as 4 cards have been refined.
	env.sp.yieldFn = func() bool { return env.refiner.refined.Load() >= 4 }

	id, _ := set.ClaimParID()
	defer set.ReleaseParID(id)

	n, err := set.GetCompletedBuffer(id)
	if err != nil {
		t.Fatalf("GetCompletedBuffer: %v", err)
	}
	var stats cardq.RefinementStats
	if set.RefineBuffer(n, id, &stats) {
		t.Fatal("refinement should have been interrupted")
	}
	if stats.RefinedCards != 4 || stats.YieldInterruptions != 1 {
		t.Fatalf("stats = %+v, want 4 cards, 1 interruption", stats)
	}
	if n.Unprocessed() != 6 {
		t.Fatalf("Unprocessed() = %d, want 6", n.Unprocessed())
	}

	firstPass := env.refiner.snapshot()

	// Paused, not freed.
	set.HandleRefinedBuffer(n, false)
	if got := env.pool.releasedCount(); got != 0 {
		t.Fatalf("paused buffer was released (%d releases)", got)
	}
	if got := set.NumCards(); got != 6 {
		t.Fatalf("NumCards() = %d with paused buffer, want 6", got)
	}

	// Before the safepoint the buffer belongs to the current epoch, so
	// folding previous paused work finds nothing.
	env.sp.yieldFn = nil
	if _, err := set.GetCompletedBuffer(id); !cardq.IsWouldBlock(err) {
		t.Fatalf("pop before safepoint: err = %v, want would-block", err)
	}

	// At the safepoint everything paused is folded back.
	env.sp.begin()
	set.EnqueueAllPausedBuffers()
	env.sp.end()

	n, err = set.GetCompletedBuffer(id)
	if err != nil {
		t.Fatalf("pop after safepoint: %v", err)
	}
	if !set.RefineBuffer(n, id, &stats) {
		t.Fatal("resumed refinement should complete")
	}
	set.HandleRefinedBuffer(n, true)

	// Resuming processed exactly the remaining 6 entries, never
	// re-processing the first 4.
	if stats.RefinedCards != 10 {
		t.Errorf("stats.RefinedCards = %d, want 10", stats.RefinedCards)
	}
	env.refiner.exactlyOnce(t, 10)
	if countSeen(firstPass) != 4 {
		t.Errorf("first pass refined %d cards, want 4", countSeen(firstPass))
	}
	if got := env.pool.releasedCount(); got != 1 {
		t.Errorf("released = %d after completion, want 1", got)
	}
}

// TestPausedMergedByLaterEpoch verifies a buffer paused for epoch E is
// folded back by the first pop attempt of any epoch > E.
func TestPausedMergedByLaterEpoch(t *testing.T) {
	env := newTestEnv(t, cardq.Config{YieldCheckInterval: 1}, 10, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 10)
	env.sp.yieldFn = func() bool { return true }

	id, _ := set.ClaimParID()
	defer set.ReleaseParID(id)

	n, err := set.GetCompletedBuffer(id)
	if err != nil {
		t.Fatal(err)
	}
	var stats cardq.RefinementStats
	if set.RefineBuffer(n, id, &stats) {
		t.Fatal("expected interruption")
	}
	set.HandleRefinedBuffer(n, false)

	// The safepoint passes without touching paused buffers.
	env.sp.begin()
	env.sp.end()
	env.sp.yieldFn = nil

	// The next pop folds the now-previous list in and claims the buffer.
	n, err = set.GetCompletedBuffer(id)
	if err != nil {
		t.Fatalf("pop after epoch advance: %v", err)
	}
	if !set.RefineBuffer(n, id, &stats) {
		t.Fatal("resumed refinement should complete")
	}
	set.HandleRefinedBuffer(n, true)
	env.refiner.exactlyOnce(t, 10)
}

// =============================================================================
// Mutator Backpressure
// =============================================================================

// TestMutatorBackpressure puts the card count over the threshold and
// verifies a mutator retiring a buffer refines one itself.
func TestMutatorBackpressure(t *testing.T) {
	env := newTestEnv(t, cardq.Config{
		MutatorSlots:               1,
		MutatorRefinementThreshold: 50,
	}, 80, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 60)
	if got := set.NumCards(); got != 60 {
		t.Fatalf("NumCards() = %d, want 60", got)
	}

	var stats cardq.RefinementStats
	log := set.NewCardLog(cardq.Mutator, &stats)
	for c := 60; c < 71; c++ {
		log.Enqueue(cardq.Card(c)) // the 11th card retires a full buffer
	}

	if stats.RefinedCards < 10 {
		t.Errorf("mutator refined %d cards, want >= 10", stats.RefinedCards)
	}
	if got := set.NumCards(); got > 70-stats.RefinedCards {
		t.Errorf("NumCards() = %d, want <= %d", got, 70-stats.RefinedCards)
	}
	log.Flush()
}

// TestEnqueueDuringBackpressureRefinement exercises the write-barrier
// re-entrancy path: the refiner invoked by a mutator's backpressure round
// dirties cards through the same log, filling the freshly installed
// replacement node before the outer Enqueue resumes. The log must keep
// retiring until a slot is free instead of writing past the buffer start.
func TestEnqueueDuringBackpressureRefinement(t *testing.T) {
	env := newTestEnv(t, cardq.Config{
		MutatorSlots:               1,
		MutatorRefinementThreshold: 0,
	}, 102, 2)
	set := env.set

	var stats cardq.RefinementStats
	log := set.NewCardLog(cardq.Mutator, &stats)

	// The first two refined cards each dirty one new card, so the
	// replacement node fills to capacity while refinement is in flight.
	dirtied := 0
	env.refiner.onRefine = func(c cardq.Card, workerID int) {
		if dirtied < 2 {
			log.Enqueue(cardq.Card(100 + dirtied))
			dirtied++
		}
	}

	log.Enqueue(cardq.Card(0))
	log.Enqueue(cardq.Card(1))
	log.Enqueue(cardq.Card(2)) // retires, refines, re-enters, retires again

	log.Flush()
	id, _ := set.ClaimParID()
	defer set.ReleaseParID(id)
	for set.RefineCompletedBufferConcurrently(id, 0, &stats) {
	}

	for _, c := range []int{0, 1, 2, 100, 101} {
		if got := env.refiner.seen[c].Load(); got != 1 {
			t.Errorf("card %d refined %d times, want 1", c, got)
		}
	}
	if got := set.NumCards(); got != 0 {
		t.Errorf("NumCards() = %d after drain, want 0", got)
	}
}

// TestBackpressureSkipsWhenIDsBusy verifies a mutator over the threshold
// skips its refinement round, without blocking, when every par id is
// claimed.
func TestBackpressureSkipsWhenIDsBusy(t *testing.T) {
	env := newTestEnv(t, cardq.Config{
		Workers:                    1,
		MutatorRefinementThreshold: 1,
	}, 8, 2)
	set := env.set

	id, ok := set.ClaimParID()
	if !ok {
		t.Fatal("no par id available")
	}
	defer set.ReleaseParID(id)

	var stats cardq.RefinementStats
	log := set.NewCardLog(cardq.Mutator, &stats)
	for c := 0; c < 5; c++ {
		log.Enqueue(cardq.Card(c)) // retirements find the count over 1
	}
	log.Flush()

	if got := env.refiner.refined.Load(); got != 0 {
		t.Errorf("mutator refined %d cards with all ids busy, want 0", got)
	}
	if got := set.NumCards(); got != 5 {
		t.Errorf("NumCards() = %d, want 5", got)
	}
}

// TestCollectorWorkerSkipsBackpressure verifies collector-role retirement
// never triggers a mutator refinement round.
func TestCollectorWorkerSkipsBackpressure(t *testing.T) {
	env := newTestEnv(t, cardq.Config{MutatorRefinementThreshold: 5}, 40, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 30)
	if env.refiner.refined.Load() != 0 {
		t.Error("collector retirement performed refinement")
	}
	if got := set.NumCards(); got != 30 {
		t.Errorf("NumCards() = %d, want 30", got)
	}
}

// =============================================================================
// Abandon Paths
// =============================================================================

func TestAbandonCompletedBuffers(t *testing.T) {
	env := newTestEnv(t, cardq.Config{YieldCheckInterval: 1}, 30, 10)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 20)

	// Park one interrupted buffer in the paused store as well.
	env.sp.yieldFn = func() bool { return true }
	id, _ := set.ClaimParID()
	n, err := set.GetCompletedBuffer(id)
	if err != nil {
		t.Fatal(err)
	}
	var stats cardq.RefinementStats
	set.RefineBuffer(n, id, &stats)
	set.HandleRefinedBuffer(n, false)
	set.ReleaseParID(id)
	env.sp.yieldFn = nil

	env.sp.begin()
	set.AbandonCompletedBuffers()
	env.sp.end()

	if got := set.NumCards(); got != 0 {
		t.Errorf("NumCards() = %d after abandon, want 0", got)
	}
	if got := env.pool.releasedCount(); got != 2 {
		t.Errorf("released %d nodes, want 2", got)
	}
	id, _ = set.ClaimParID()
	if _, err := set.GetCompletedBuffer(id); !cardq.IsWouldBlock(err) {
		t.Errorf("pop after abandon: err = %v, want would-block", err)
	}
	set.ReleaseParID(id)
}

func TestAbandonLogsAndStats(t *testing.T) {
	env := newTestEnv(t, cardq.Config{}, 8, 8)
	set := env.set

	stats := cardq.RefinementStats{RefinedCards: 9}
	log := set.NewCardLog(cardq.Mutator, &stats)
	for c := 0; c < 3; c++ {
		log.Enqueue(cardq.Card(c))
	}

	env.sp.begin()
	set.AbandonLogsAndStats()
	env.sp.end()

	if stats != (cardq.RefinementStats{}) {
		t.Errorf("thread stats not reset: %+v", stats)
	}
	if got := set.NumCards(); got != 0 {
		t.Errorf("NumCards() = %d, want 0", got)
	}
	if got := env.pool.releasedCount(); got != 1 {
		t.Errorf("released %d nodes, want 1", got)
	}

	// The log stays usable after its buffer was discarded.
	log.Enqueue(cardq.Card(3))
	log.Flush()
	if got := set.NumCards(); got != 1 {
		t.Errorf("NumCards() = %d after re-use, want 1", got)
	}
}

// =============================================================================
// Count Semantics
// =============================================================================

// TestNumCardsConverges drains everything and checks the approximate
// counter converges to exact zero once quiescent.
func TestNumCardsConverges(t *testing.T) {
	env := newTestEnv(t, cardq.Config{}, 100, 8)
	set := env.set

	env.fillBuffers(cardq.CollectorWorker, 0, 100)
	if got := set.NumCards(); got != 100 {
		t.Fatalf("NumCards() = %d, want 100", got)
	}

	id, _ := set.ClaimParID()
	defer set.ReleaseParID(id)
	var stats cardq.RefinementStats
	for set.RefineCompletedBufferConcurrently(id, 0, &stats) {
	}
	if got := set.NumCards(); got != 0 {
		t.Errorf("NumCards() = %d after quiescence, want 0", got)
	}
	if stats.RefinedCards != 100 {
		t.Errorf("stats.RefinedCards = %d, want 100", stats.RefinedCards)
	}
	env.refiner.exactlyOnce(t, 100)
}

// countSeen returns how many cards a snapshot marks as refined.
func countSeen(snap []int64) int {
	n := 0
	for _, v := range snap {
		if v > 0 {
			n++
		}
	}
	return n
}
