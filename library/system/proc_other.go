// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !linux

// Process helpers for platforms without affinity control.

package system

// SetAffinityRange is a no-op here.
func SetAffinityRange(lowCPU int, highCPU int) bool {
	return true
}
