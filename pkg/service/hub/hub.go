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

// Package hub fans received records out to any number of consumers without
// letting a slow consumer stall ingestion or its peers.
//
// Each subscription owns a drop-oldest ring, so Publish is a handful of
// non-blocking pushes regardless of how far behind a subscriber is.
package hub

import (
	"context"
	"errors"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/queue"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Next once the subscription has been closed and
// drained.
var ErrClosed = errors.New("subscription closed")

// Hub manages record subscriptions and broadcasts to all of them.
type Hub struct {
	subscribers map[int]*Subscription
	log         zerolog.Logger
	mu          syncutil.RWMutex
	nextID      int
	closed      bool
}

// New creates an empty hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		log:         logger.With().Str("component", "hub").Logger(),
		subscribers: make(map[int]*Subscription),
	}
}

// Publish pushes r to every subscriber. It never blocks; subscribers that
// are full lose their oldest unconsumed record.
func (h *Hub) Publish(r records.Received) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, sub := range h.subscribers {
		if sub.ring.Push(r) {
			h.log.Trace().
				Int("subscriber_id", id).
				Str("subscriber", sub.name).
				Msg("subscriber full, dropped oldest record")
		}
	}
}

// Subscribe registers a new consumer with its own queue of the given
// capacity.
func (h *Hub) Subscribe(name string, capacity int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	sub := &Subscription{
		hub:  h,
		id:   id,
		name: name,
		ring: queue.NewRing[records.Received](capacity),
		done: make(chan struct{}),
	}
	if h.closed {
		close(sub.done)
		return sub
	}
	h.subscribers[id] = sub

	h.log.Debug().
		Int("subscriber_id", id).
		Str("subscriber", name).
		Int("capacity", sub.ring.Cap()).
		Msg("new subscriber registered")
	return sub
}

// Unsubscribe removes a subscription and marks it done. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub.id]; ok {
		delete(h.subscribers, sub.id)
		close(sub.done)
		h.log.Debug().Int("subscriber_id", sub.id).Msg("subscriber unsubscribed")
	}
}

// Len is the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close marks every subscription done. Records already queued can still be
// read with TryNext.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		close(sub.done)
		h.log.Debug().Int("subscriber_id", id).Msg("closed subscriber on shutdown")
	}
	h.subscribers = make(map[int]*Subscription)
	h.closed = true
}

// Subscription is one consumer's view of the record stream. A subscription
// is meant to be read by a single goroutine.
type Subscription struct {
	hub  *Hub
	ring *queue.Ring[records.Received]
	done chan struct{}
	name string
	id   int
}

func (s *Subscription) Name() string { return s.name }

// TryNext returns the next queued record without waiting.
func (s *Subscription) TryNext() (records.Received, bool) {
	return s.ring.TryPop()
}

// Next waits for the next record until ctx is done or the subscription is
// closed and empty.
func (s *Subscription) Next(ctx context.Context) (records.Received, error) {
	if r, ok := s.ring.TryPop(); ok {
		return r, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	r, err := s.ring.Pop(ctx)
	if err != nil {
		select {
		case <-s.done:
			if r, ok := s.ring.TryPop(); ok {
				return r, nil
			}
			return records.Received{}, ErrClosed
		default:
		}
		return records.Received{}, err //nolint:wrapcheck // context error passed through
	}
	return r, nil
}

// Done is closed when the subscription is removed or the hub shuts down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped is the number of records this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.ring.Dropped()
}

// Pending is the number of records waiting to be read.
func (s *Subscription) Pending() int {
	return s.ring.Len()
}

// Close unsubscribes from the hub.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}
