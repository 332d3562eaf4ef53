// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"unsafe"

	"code.hybscloud.com/atomix"
)

// Card is an opaque handle to one dirty card. Its interpretation (card
// table position, covered heap range) belongs to the injected CardRefiner.
type Card uintptr

// BufferNode is a pool-owned, fixed-capacity buffer of card handles with
// one intrusive next-link.
//
// Nodes fill downward: an empty node has index == capacity, a full one has
// index == 0. Pending entries occupy buf[index:capacity); slots below index
// were either never written (while filling) or already refined.
//
// The next-link is reused across whichever single list currently holds the
// node — free list, completed queue, paused store — never more than one at
// a time. Links are stored as integer addresses; the owning allocator pool
// must keep every node reachable for as long as it exists.
//
// Filling is single-writer (the owning CardLog's thread). A node in the
// completed queue or paused store may be claimed by exactly one refiner at
// a time, so index needs no synchronization either; hand-offs between
// holders publish it via the list atomics.
type BufferNode struct {
	next  atomix.Uintptr
	owner atomix.Int32 // checked builds: which list holds the node
	index int
	buf   []Card
}

// NewBufferNode creates an empty node with the given slot capacity.
// Intended for allocator pools; panics if capacity < 1.
func NewBufferNode(capacity int) *BufferNode {
	if capacity < 1 {
		panic("cardq: capacity must be >= 1")
	}
	return &BufferNode{
		index: capacity,
		buf:   make([]Card, capacity),
	}
}

// Capacity returns the node's slot capacity.
func (n *BufferNode) Capacity() int {
	return len(n.buf)
}

// Unprocessed returns the number of pending (unrefined) cards in the node.
func (n *BufferNode) Unprocessed() int {
	return len(n.buf) - n.index
}

// Empty reports whether the node holds no pending cards.
func (n *BufferNode) Empty() bool {
	return n.index == len(n.buf)
}

// Reset empties the node for reuse. Only the owning allocator may call it,
// and only after WriteSynchronize has passed all in-flight pops.
func (n *BufferNode) Reset() {
	n.index = len(n.buf)
	n.next.StoreRelaxed(0)
	if CheckEnabled {
		n.owner.Store(ownerFree)
	}
}

func nodeAddr(n *BufferNode) uintptr {
	return uintptr(unsafe.Pointer(n))
}

func nodeAt(addr uintptr) *BufferNode {
	// Safe only because the allocator pool keeps all nodes reachable.
	return (*BufferNode)(unsafe.Pointer(addr))
}

// Owning-list tags, checked at each transition in cardqcheck builds. The
// type system cannot express "linked into at most one list at a time" for
// an intrusive link, so coordinator call-sequencing enforces it and these
// tags catch violations early.
const (
	ownerFree  int32 = iota // in the allocator pool or brand new
	ownerLocal              // filling in a CardLog
	ownerCompleted
	ownerPaused
	ownerClaimed // held by exactly one refiner
)

// enterList tags the node as held by list, panicking if it is already
// linked somewhere. No-op in normal builds.
func (n *BufferNode) enterList(list int32) {
	if !CheckEnabled {
		return
	}
	old := n.owner.LoadAcquire()
	if old == ownerCompleted || old == ownerPaused {
		panic("cardq: buffer node linked into more than one list")
	}
	n.owner.Store(list)
}

// leaveList tags the node as claimed by a single holder after removal
// from list. No-op in normal builds.
func (n *BufferNode) leaveList(list int32) {
	if !CheckEnabled {
		return
	}
	if !n.owner.CompareAndSwapAcqRel(list, ownerClaimed) {
		panic("cardq: buffer node removed from a list it was not on")
	}
}

// HeadTail describes a linked run of nodes, allowing O(1) splicing of
// whole runs into a target list. The zero value is the empty run.
type HeadTail struct {
	head *BufferNode
	tail *BufferNode
}

// Empty reports whether the run holds no nodes.
func (ht HeadTail) Empty() bool {
	return ht.head == nil
}

// chainRun walks a detached chain starting at head and returns it as a
// HeadTail run plus the total pending-card count. Chains are short (they
// accumulate only between two drain points), so the walk is cheap.
func chainRun(head *BufferNode) (HeadTail, int) {
	if head == nil {
		return HeadTail{}, 0
	}
	cards := 0
	tail := head
	for {
		cards += tail.Unprocessed()
		next := nodeAt(tail.next.LoadRelaxed())
		if next == nil {
			break
		}
		tail = next
	}
	return HeadTail{head: head, tail: tail}, cards
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort is padding to fill cache line after 8-byte field.
type padShort [64 - 8]byte
