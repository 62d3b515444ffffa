// Copyright (c) 2023-2026 Lin Haoyu <verto@vertohttp.org>.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Verto is an embeddable HTTP server engine. Given an established byte
// transport it parses requests, routes them to application endpoints,
// writes responses, and decides whether the transport is kept alive,
// closed, or handed off to another protocol. Two execution models are
// provided: one worker per connection, and a cooperative state machine
// multiplexed over a shared worker pool. A virtual in-process transport
// is included so the engine can be exercised without a network stack.

package verto

import (
	"sync/atomic"

	"go.uber.org/zap"
)

const Version = "0.3.1"

var debugLevel atomic.Int32 // 0: quiet, 1: verbose, 2: chatty

func DebugLevel() int32         { return debugLevel.Load() }
func SetDebugLevel(level int32) { debugLevel.Store(level) }

var baseLogger atomic.Pointer[zap.Logger]

func init() {
	baseLogger.Store(zap.NewNop())
}

// SetLogger replaces the engine-wide logger. Pass nil to silence the engine.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseLogger.Store(logger)
}

func Logger() *zap.Logger { return baseLogger.Load() }
