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

// Package queue provides the bounded queues that connect the ingestion loop
// with its consumers.
//
// Ring is used on the device-to-consumer path: pushes never block and the
// oldest item is evicted when full, favouring freshness for live displays.
// Bounded is used on the consumer-to-device path: a full queue rejects the
// push with ErrFull so operator commands are never dropped silently.
package queue

import (
	"context"
	"errors"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
)

// ErrFull is returned when a Bounded queue has no room. It is retryable.
var ErrFull = errors.New("queue full")

// Ring is a fixed-capacity FIFO that drops its oldest item on overflow.
type Ring[T any] struct {
	notify  chan struct{}
	buf     []T
	head    int
	size    int
	dropped uint64
	mu      syncutil.Mutex
}

// NewRing creates a ring holding at most capacity items. Capacities below 1
// are raised to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v without blocking. It reports whether an older item was
// evicted to make room.
func (r *Ring[T]) Push(v T) (dropped bool) {
	r.mu.Lock()
	capacity := len(r.buf)
	if r.size == capacity {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % capacity
		r.size--
		r.dropped++
		dropped = true
	}
	r.buf[(r.head+r.size)%capacity] = v
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns the oldest item, if any.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Pop waits for an item until ctx is done.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := r.TryPop(); ok {
			return v, nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err() //nolint:wrapcheck // caller checks for context errors directly
		}
	}
}

// Drain removes and returns every queued item, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.size)
	var zero T
	for r.size > 0 {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	return out
}

// Snapshot copies the queued items, oldest first, without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped is the number of items evicted since creation.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Bounded is a small FIFO that refuses pushes when full.
type Bounded[T any] struct {
	ch chan T
}

// NewBounded creates a queue with room for capacity items (minimum 1).
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v or returns ErrFull.
func (b *Bounded[T]) TryPush(v T) error {
	select {
	case b.ch <- v:
		return nil
	default:
		return ErrFull
	}
}

// TryPop dequeues the oldest item, if any.
func (b *Bounded[T]) TryPop() (T, bool) {
	select {
	case v := <-b.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func (b *Bounded[T]) Len() int {
	return len(b.ch)
}

func (b *Bounded[T]) Cap() int {
	return cap(b.ch)
}
