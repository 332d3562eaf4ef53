// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cardq

import (
	"errors"

	"code.hybscloud.com/iox"
)

// ErrWouldBlock indicates the completed-buffer queue is empty.
//
// ErrWouldBlock is a control flow signal, not a failure. Callers should
// retry only when independent evidence (NumCards > 0) suggests more work
// exists, or defer to a later round.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrContended indicates a pop attempt lost a race with a concurrent
// push or pop and may be retried immediately.
//
// A race between concurrent operations may spuriously report contention
// rather than block; like ErrWouldBlock it is a control flow signal.
var ErrContended = errors.New("cardq: contended, retry")

// IsWouldBlock reports whether err indicates the queue was empty.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsContended reports whether err indicates a lost pop race.
func IsContended(err error) bool {
	return errors.Is(err, ErrContended)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
func IsSemantic(err error) bool {
	return errors.Is(err, ErrContended) || iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Returns true for nil, ErrWouldBlock, or ErrContended.
func IsNonFailure(err error) bool {
	return err == nil || errors.Is(err, ErrContended) || iox.IsNonFailure(err)
}
