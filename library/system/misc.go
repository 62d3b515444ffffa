// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Auxiliary operating system helpers.

package system

import (
	"runtime"
)

// HardwareConcurrency is the number of usable execution units.
func HardwareConcurrency() int { return runtime.NumCPU() }
