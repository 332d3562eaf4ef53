// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !cardqcheck

package cardq

// CheckEnabled is false without the cardqcheck build tag; ownership and
// safepoint precondition checks compile away.
const CheckEnabled = false
