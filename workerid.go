// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// maxParIds bounds the dense id space to one claim word.
const maxParIds = 64

// workerIDAllocator hands out small dense ids bounding per-worker scratch
// state (epoch reader slots, refiner scratch). Claimed bits live in one
// 64-bit mask.
type workerIDAllocator struct {
	_     pad
	mask  atomix.Uint64
	_     pad
	count int
}

// claim returns an unused id in [0, count), or (-1, false) if all ids are
// busy. Non-blocking: callers that cannot claim skip their refinement
// round rather than wait.
func (a *workerIDAllocator) claim() (int, bool) {
	sw := spin.Wait{}
	for {
		m := a.mask.LoadAcquire()
		id := -1
		for i := 0; i < a.count; i++ {
			if m&(1<<uint(i)) == 0 {
				id = i
				break
			}
		}
		if id < 0 {
			return -1, false
		}
		if a.mask.CompareAndSwapAcqRel(m, m|1<<uint(id)) {
			return id, true
		}
		sw.Once()
	}
}

// release returns id to the pool.
func (a *workerIDAllocator) release(id int) {
	if id < 0 || id >= a.count {
		panic("cardq: worker id out of range")
	}
	bit := uint64(1) << uint(id)
	sw := spin.Wait{}
	for {
		m := a.mask.LoadAcquire()
		if CheckEnabled && m&bit == 0 {
			panic("cardq: worker id released twice")
		}
		if a.mask.CompareAndSwapAcqRel(m, m&^bit) {
			return
		}
		sw.Once()
	}
}
