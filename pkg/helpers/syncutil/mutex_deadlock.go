//go:build deadlock

// Zaparoo SerialScope
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo SerialScope.
//
// Zaparoo SerialScope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo SerialScope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo SerialScope.  If not, see <http://www.gnu.org/licenses/>.

// Package syncutil provides the locks used across SerialScope. Building
// with -tags=deadlock swaps them for instrumented versions that report lock
// cycles and locks held longer than the configured timeout.
package syncutil

import (
	"io"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

const DeadlockEnabled = true

// DefaultDeadlockTimeout is generous enough for a journal rewrite on slow
// storage while the session lock is held.
const DefaultDeadlockTimeout = 30 * time.Second

func init() {
	deadlock.Opts.DeadlockTimeout = DefaultDeadlockTimeout
}

// Configure sets the lock hold timeout and where reports are written.
func Configure(timeout time.Duration, report io.Writer) {
	if timeout > 0 {
		deadlock.Opts.DeadlockTimeout = timeout
	}
	if report != nil {
		deadlock.Opts.LogBuf = report
	}
}

type Mutex struct {
	deadlock.Mutex
}

type RWMutex struct {
	deadlock.RWMutex
}
