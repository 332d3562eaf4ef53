// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// idleEpoch marks a reader slot as outside any critical section.
const idleEpoch = ^uint64(0)

type epochSlot struct {
	value atomix.Uint64
	_     padShort
}

// Synchronizer is the safe-reclamation primitive guarding completed-queue
// pops. A pop runs inside a short read-section keyed by the popper's worker
// id; WriteSynchronize waits until every read-section that began before the
// call has ended.
//
// The required property: a popped node cannot be physically reused while
// any thread might still dereference a stale read of it. Allocators call
// WriteSynchronize before recycling released nodes.
//
// Read-sections are wait-free and bounded (a handful of loads and one CAS),
// so WriteSynchronize terminates quickly; it is the subsystem's only wait
// point besides the cooperative yield poll.
type Synchronizer struct {
	_      pad
	global atomix.Uint64
	_      pad
	slots  []epochSlot
}

func newSynchronizer(slots int) *Synchronizer {
	s := &Synchronizer{slots: make([]epochSlot, slots)}
	for i := range s.slots {
		s.slots[i].value.StoreRelaxed(idleEpoch)
	}
	return s
}

// enterCritical opens a read-section for workerID. The sequentially
// consistent store orders the slot publication before any subsequent
// queue-link loads.
func (s *Synchronizer) enterCritical(workerID int) {
	s.slots[workerID].value.Store(s.global.LoadAcquire())
}

// exitCritical closes workerID's read-section.
func (s *Synchronizer) exitCritical(workerID int) {
	s.slots[workerID].value.StoreRelease(idleEpoch)
}

// WriteSynchronize returns once every read-section that was in flight when
// it was called has exited. Read-sections that begin afterward observe the
// bumped epoch and are not waited for.
func (s *Synchronizer) WriteSynchronize() {
	g := s.global.AddAcqRel(1)
	for i := range s.slots {
		sw := spin.Wait{}
		for {
			v := s.slots[i].value.LoadAcquire()
			if v == idleEpoch || v >= g {
				break
			}
			sw.Once()
		}
	}
}
