// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// completedQueue is the lock-free multi-producer/multi-consumer list of
// buffers awaiting refinement.
//
// Cross-card ordering is irrelevant to refinement, so the list is a LIFO
// over the intrusive next-links with all mutation through one 128-bit head
// word: lo = pop version, hi = head node address. Pops and whole-list
// detaches bump the version, so a CAS taken against a stale (version, head)
// pair can never succeed after the head node has been removed and
// re-inserted at the same address — the ABA case. The version makes the
// CAS itself safe; the Synchronizer read-section around pops additionally
// keeps a removed node from being physically recycled while a stale link
// read is still possible.
//
// Uint128 requires 16-byte alignment, which plain struct embedding does
// not provide, so the head word is placed into owned backing storage.
// The zero value is not usable; call init first.
type completedQueue struct {
	head *atomix.Uint128Padded // lo = pop version, hi = head node address
	buf  []byte                // keeps the placed word reachable
}

func (q *completedQueue) init() {
	q.buf = make([]byte, 2*atomix.CacheLineSize)
	_, q.head = atomix.PlaceCacheAlignedUint128(q.buf, 0)
}

// push inserts one node. Lock-free, any thread, any time, O(1).
func (q *completedQueue) push(n *BufferNode) {
	n.enterList(ownerCompleted)
	sw := spin.Wait{}
	for {
		ver, headAddr := q.head.LoadAcquire()
		n.next.StoreRelaxed(uintptr(headAddr))
		if q.head.CompareAndSwapAcqRel(ver, headAddr, ver, uint64(nodeAddr(n))) {
			return
		}
		sw.Once()
	}
}

// spliceRun inserts a whole detached run in O(1). The run is private to
// the caller until the CAS publishes it.
func (q *completedQueue) spliceRun(ht HeadTail) {
	if ht.Empty() {
		return
	}
	if CheckEnabled {
		for n := ht.head; n != nil; n = nodeAt(n.next.LoadRelaxed()) {
			n.enterList(ownerCompleted)
		}
	}
	sw := spin.Wait{}
	for {
		ver, headAddr := q.head.LoadAcquire()
		ht.tail.next.StoreRelaxed(uintptr(headAddr))
		if q.head.CompareAndSwapAcqRel(ver, headAddr, ver, uint64(nodeAddr(ht.head))) {
			return
		}
		sw.Once()
	}
}

// tryPop makes a single claim attempt. Returns the node, ErrWouldBlock if
// the list looked empty, or ErrContended if a concurrent push/pop won the
// race. A race may spuriously report empty or contention rather than
// block; callers retry only when the card count says work remains.
func (q *completedQueue) tryPop(s *Synchronizer, workerID int) (*BufferNode, error) {
	s.enterCritical(workerID)
	ver, headAddr := q.head.LoadAcquire()
	if headAddr == 0 {
		s.exitCritical(workerID)
		return nil, ErrWouldBlock
	}
	n := nodeAt(uintptr(headAddr))
	next := n.next.LoadAcquire()
	ok := q.head.CompareAndSwapAcqRel(ver, headAddr, ver+1, uint64(next))
	s.exitCritical(workerID)
	if !ok {
		return nil, ErrContended
	}
	n.leaveList(ownerCompleted)
	n.next.StoreRelaxed(0)
	return n, nil
}

// takeAll detaches the entire list and returns its head, or nil if empty.
// Used on the abandon path; callers own the detached chain exclusively.
func (q *completedQueue) takeAll() *BufferNode {
	sw := spin.Wait{}
	for {
		ver, headAddr := q.head.LoadAcquire()
		if headAddr == 0 {
			return nil
		}
		if q.head.CompareAndSwapAcqRel(ver, headAddr, ver+1, 0) {
			head := nodeAt(uintptr(headAddr))
			if CheckEnabled {
				for n := head; n != nil; n = nodeAt(n.next.LoadRelaxed()) {
					n.leaveList(ownerCompleted)
				}
			}
			return head
		}
		sw.Once()
	}
}
