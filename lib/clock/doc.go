// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Structs that measure durations or wait on timers carry a Clock field
// defaulting to Real(). Tests substitute Fake(), which stands still
// until Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	m := membrane.New(endpoint, handler, membrane.Options{Clock: c, ShutdownGrace: 5 * time.Second})
//	go m.Stop()
//	c.WaitForTimers(1)         // Stop has armed its grace timer
//	c.Advance(5 * time.Second) // grace expires deterministically
//
// WaitForTimers blocks until the goroutine under test has registered
// its timer, which removes the race between registration and Advance.
package clock
