// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build cardqcheck

package cardq

// CheckEnabled is true when the cardqcheck build tag is set.
// Enables owning-list tags on buffer nodes and safepoint precondition
// assertions. Violations panic instead of silently corrupting the
// epoch/ABA-safety invariants.
const CheckEnabled = true
