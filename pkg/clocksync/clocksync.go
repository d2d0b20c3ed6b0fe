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

// Package clocksync aligns a device's free-running clock to host time.
//
// The first record of a session that carries a known unit becomes the
// reference point. Every later record is projected as
//
//	host = reference.HostInstant + (record.ts - reference.ts) * unit
//
// A single linear offset is kept per session; drift is not corrected.
package clocksync

import (
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/jonboulle/clockwork"
)

// ErrUnknownUnit is returned for records whose unit tag cannot be converted
// to a host duration. Callers treat it like a parse failure.
var ErrUnknownUnit = errors.New("unknown time unit")

// SyncReference pairs a device timestamp with the host instant it was
// observed at.
type SyncReference struct {
	HostInstant     time.Time
	DeviceTimestamp uint64
	Unit            records.Unit
}

// Synchronizer holds the reference for one connection session.
type Synchronizer struct {
	clock clockwork.Clock
	ref   SyncReference
	mu    syncutil.Mutex
	set   bool
}

// New creates a synchronizer reading host time from clock. A nil clock uses
// the real clock.
func New(clock clockwork.Clock) *Synchronizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Synchronizer{clock: clock}
}

// Establish captures the reference from r if none exists yet and returns
// the active reference.
func (s *Synchronizer) Establish(r records.Received) (SyncReference, error) {
	if !r.Unit().Known() {
		return SyncReference{}, fmt.Errorf("%w: %s", ErrUnknownUnit, r.Unit())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.ref = SyncReference{
			DeviceTimestamp: r.DeviceTimestamp(),
			Unit:            r.Unit(),
			HostInstant:     s.clock.Now(),
		}
		s.set = true
	}
	return s.ref, nil
}

// Project maps a record's device timestamp onto the host clock relative to
// ref, using the record's own unit for the delta.
func Project(r records.Received, ref SyncReference) (time.Time, error) {
	delta := int64(r.DeviceTimestamp() - ref.DeviceTimestamp) //nolint:gosec // wraparound yields the signed delta
	d, ok := r.Unit().Duration(delta)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownUnit, r.Unit())
	}
	return ref.HostInstant.Add(d), nil
}

// Sync establishes the reference on first use and returns r stamped with its
// host offset time. The first record of a session maps to the reference
// instant itself.
func (s *Synchronizer) Sync(r records.Received) (records.Received, error) {
	ref, err := s.Establish(r)
	if err != nil {
		return records.Received{}, err
	}
	t, err := Project(r, ref)
	if err != nil {
		return records.Received{}, err
	}
	return r.WithHostTime(t), nil
}

// Reference returns the current reference, if one has been captured.
func (s *Synchronizer) Reference() (SyncReference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref, s.set
}

// Reset forgets the reference. The next synchronized record becomes the new
// reference.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref = SyncReference{}
	s.set = false
}
