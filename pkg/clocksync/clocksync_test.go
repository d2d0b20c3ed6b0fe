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

package clocksync

import (
	"testing"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func rec(unit records.Unit, ts uint64) records.Received {
	return records.NewReceived("", unit, ts, nil, nil)
}

func TestSync_FirstRecordDefinesReference(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	s := New(clock)

	_, ok := s.Reference()
	assert.False(t, ok)

	out, err := s.Sync(rec(records.UnitMilliseconds, 1000))
	require.NoError(t, err)

	host, synced := out.HostOffsetTime()
	require.True(t, synced)
	assert.Equal(t, epoch, host, "first record has zero delta")

	ref, ok := s.Reference()
	require.True(t, ok)
	assert.Equal(t, uint64(1000), ref.DeviceTimestamp)
	assert.Equal(t, epoch, ref.HostInstant)
}

func TestSync_ProjectsLaterRecords(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	s := New(clock)

	_, err := s.Sync(rec(records.UnitMilliseconds, 1000))
	require.NoError(t, err)

	// Host time moving on must not affect projection.
	clock.Advance(time.Hour)

	out, err := s.Sync(rec(records.UnitMilliseconds, 1500))
	require.NoError(t, err)
	host, _ := out.HostOffsetTime()
	assert.Equal(t, epoch.Add(500*time.Millisecond), host)
}

func TestProject(t *testing.T) {
	t.Parallel()

	ref := SyncReference{DeviceTimestamp: 1000, Unit: records.UnitMilliseconds, HostInstant: epoch}

	tests := []struct {
		name string
		want time.Time
		rec  records.Received
	}{
		{name: "same tick", rec: rec(records.UnitMilliseconds, 1000), want: epoch},
		{name: "ms forward", rec: rec(records.UnitMilliseconds, 1500), want: epoch.Add(500 * time.Millisecond)},
		{name: "us forward", rec: rec(records.UnitMicroseconds, 1250), want: epoch.Add(250 * time.Microsecond)},
		{name: "backwards after device reset", rec: rec(records.UnitMilliseconds, 400), want: epoch.Add(-600 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Project(tt.rec, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSync_UnknownUnit(t *testing.T) {
	t.Parallel()

	s := New(clockwork.NewFakeClockAt(epoch))

	_, err := s.Sync(rec(records.Unit('s'), 10))
	require.ErrorIs(t, err, ErrUnknownUnit)

	_, ok := s.Reference()
	assert.False(t, ok, "unknown unit must not become the reference")

	// A valid record afterwards still establishes the reference.
	_, err = s.Sync(rec(records.UnitMicroseconds, 10))
	require.NoError(t, err)
	ref, ok := s.Reference()
	require.True(t, ok)
	assert.Equal(t, records.UnitMicroseconds, ref.Unit)

	// And unknown units keep failing once a reference exists.
	_, err = s.Sync(rec(records.Unit('x'), 20))
	require.ErrorIs(t, err, ErrUnknownUnit)
}

func TestSync_ResetStartsNewSession(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(epoch)
	s := New(clock)

	_, err := s.Sync(rec(records.UnitMilliseconds, 1000))
	require.NoError(t, err)

	s.Reset()
	_, ok := s.Reference()
	assert.False(t, ok)

	later := epoch.Add(10 * time.Second)
	clock.Advance(10 * time.Second)
	out, err := s.Sync(rec(records.UnitMilliseconds, 5))
	require.NoError(t, err)
	host, _ := out.HostOffsetTime()
	assert.Equal(t, later, host)
}

func TestNew_NilClockUsesRealClock(t *testing.T) {
	t.Parallel()

	s := New(nil)
	before := time.Now()
	out, err := s.Sync(rec(records.UnitMilliseconds, 1))
	require.NoError(t, err)
	host, _ := out.HostOffsetTime()
	assert.False(t, host.Before(before))
}
