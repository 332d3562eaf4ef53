// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

// CardLog is a per-thread log of dirty cards. The write barrier appends
// through Enqueue into one active BufferNode; when the node fills, the log
// retires it to the coordinator and obtains a replacement from the
// allocator.
//
// A CardLog is single-writer: only the owning thread may call Enqueue and
// Flush. Safepoint-only bulk operations on the QueueSet may also touch the
// log, which is safe because the owning thread is stopped then.
type CardLog struct {
	set   *QueueSet
	stats *RefinementStats
	role  ThreadRole
	node  *BufferNode
}

// Enqueue appends one card to the active buffer, retiring a full buffer
// first. Retiring a mutator-role log's buffer may perform a round of
// refinement as backpressure before returning.
func (l *CardLog) Enqueue(c Card) {
	n := l.node
	if n == nil {
		n = l.set.acquireNode()
		l.node = n
	}
	// A backpressure refinement round inside handleZeroIndex may re-enter
	// this log and fill the replacement node too; keep retiring until a
	// slot is free.
	for n.index == 0 {
		l.handleZeroIndex()
		n = l.node
	}
	n.index--
	n.buf[n.index] = c
}

// handleZeroIndex retires the full active buffer to the coordinator and
// installs a fresh one.
func (l *CardLog) handleZeroIndex() {
	n := l.node
	l.node = l.set.acquireNode()
	l.set.HandleCompletedBuffer(n, l.stats, l.role)
}

// Flush retires any partial buffer, folds the log's statistics into the
// detached bucket, and detaches the log from the coordinator. Must be
// called on thread exit — dropping a card would silently omit a
// remembered-set update. The log must not be used afterward.
func (l *CardLog) Flush() {
	if n := l.node; n != nil {
		l.node = nil
		if n.Empty() {
			l.set.releaseNode(n)
		} else {
			// No backpressure on the exit path.
			l.set.EnqueueCompletedBuffer(n)
		}
	}
	l.set.dropLog(l)
}

// retire moves a partial buffer into the completed queue, leaving the log
// empty. Called at a safepoint while the owning thread is stopped.
func (l *CardLog) retire() {
	n := l.node
	if n == nil {
		return
	}
	l.node = nil
	if n.Empty() {
		l.set.releaseNode(n)
		return
	}
	l.set.EnqueueCompletedBuffer(n)
}

// discard drops the active buffer's cards and returns the node to the
// allocator. Legal only when the caller guarantees the affected
// remembered-set information will be rebuilt by other means.
func (l *CardLog) discard() {
	n := l.node
	if n == nil {
		return
	}
	l.node = nil
	n.index = len(n.buf)
	l.set.releaseNode(n)
}
