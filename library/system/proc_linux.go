// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Process helpers for Linux.

package system

import (
	"golang.org/x/sys/unix"
)

// SetAffinityRange pins the calling thread to CPUs [lowCPU, highCPU].
// The caller must hold its OS thread. This is an advisory hint: a
// failure is reported, never fatal.
func SetAffinityRange(lowCPU int, highCPU int) bool {
	if lowCPU < 0 || highCPU < lowCPU {
		return false
	}
	var set unix.CPUSet
	for cpu := lowCPU; cpu <= highCPU; cpu++ {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set) == nil
}
