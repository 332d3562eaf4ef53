// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// pausedBuffers holds buffers whose refinement was interrupted by an
// impending pause, partitioned by pause epoch.
//
// At most one list exists at a time, held entirely in a 128-bit word:
// lo = the pause epoch the list was opened in, hi = chain head address
// (0 = no list). While the tag equals the current epoch the list is
// accepting appends; once the epoch's safepoint passes, the tag is behind
// the current epoch and the list is sealed until a drain detaches it.
//
// Append is multi-producer; drains are effectively single-drainer (the CAS
// hands the chain to exactly one caller). A thread must drain all
// previous-epoch paused buffers before adding a new one — this keeps the
// backlog bounded to one epoch and makes add always target the accepting
// list.
//
// The state word is placed into owned backing storage to satisfy the
// Uint128 16-byte alignment contract. The zero value is not usable; call
// init first.
type pausedBuffers struct {
	state *atomix.Uint128Padded // lo = epoch tag, hi = chain head address
	buf   []byte                // keeps the placed word reachable
}

func (p *pausedBuffers) init() {
	p.buf = make([]byte, 2*atomix.CacheLineSize)
	_, p.state = atomix.PlaceCacheAlignedUint128(p.buf, 0)
}

// add appends n to the accepting list for epoch, opening it if absent.
// Must not be called at a safepoint; the safepoint protocol guarantees the
// epoch cannot advance while the call is in flight.
func (p *pausedBuffers) add(n *BufferNode, epoch uint64) {
	n.enterList(ownerPaused)
	sw := spin.Wait{}
	for {
		tag, headAddr := p.state.LoadAcquire()
		if CheckEnabled && headAddr != 0 && tag != epoch {
			panic("cardq: paused buffers from a previous epoch not yet drained")
		}
		n.next.StoreRelaxed(uintptr(headAddr))
		if p.state.CompareAndSwapAcqRel(tag, headAddr, epoch, uint64(nodeAddr(n))) {
			return
		}
		sw.Once()
	}
}

// takePrevious atomically detaches the sealed list if one exists, leaving
// an accepting list untouched. Returns the detached run and its pending
// card count. Must not be called at a safepoint.
func (p *pausedBuffers) takePrevious(current uint64) (HeadTail, int) {
	sw := spin.Wait{}
	for {
		tag, headAddr := p.state.LoadAcquire()
		if headAddr == 0 || tag == current {
			return HeadTail{}, 0
		}
		if p.state.CompareAndSwapAcqRel(tag, headAddr, tag, 0) {
			return p.detach(uintptr(headAddr))
		}
		sw.Once()
	}
}

// takeAll detaches every paused buffer regardless of epoch. Only legal at
// a safepoint, where a collecting pause will process everything anyway and
// no concurrent adds exist.
func (p *pausedBuffers) takeAll() (HeadTail, int) {
	sw := spin.Wait{}
	for {
		tag, headAddr := p.state.LoadAcquire()
		if headAddr == 0 {
			return HeadTail{}, 0
		}
		if p.state.CompareAndSwapAcqRel(tag, headAddr, tag, 0) {
			return p.detach(uintptr(headAddr))
		}
		sw.Once()
	}
}

func (p *pausedBuffers) detach(headAddr uintptr) (HeadTail, int) {
	head := nodeAt(headAddr)
	if CheckEnabled {
		for n := head; n != nil; n = nodeAt(n.next.LoadRelaxed()) {
			n.leaveList(ownerPaused)
		}
	}
	return chainRun(head)
}
