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

package analysis

import (
	"context"
	"errors"

	"github.com/ZaparooProject/serialscope/pkg/queue"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
)

const DefaultWindowSize = 500

// Window keeps the most recent records for evaluation.
type Window struct {
	ring *queue.Ring[records.Received]
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{ring: queue.NewRing[records.Received](size)}
}

func (w *Window) Push(r records.Received) {
	w.ring.Push(r)
}

// Records returns the window contents, oldest first.
func (w *Window) Records() []records.Received {
	return w.ring.Snapshot()
}

func (w *Window) Reset() {
	w.ring.Drain()
}

// Run fills the window from sub until ctx is cancelled or the subscription
// closes.
func (w *Window) Run(ctx context.Context, sub *hub.Subscription) error {
	for {
		r, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err //nolint:wrapcheck // context errors passed through
		}
		w.Push(r)
	}
}
