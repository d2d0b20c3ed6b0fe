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

package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	line     string
	overflow bool
}

func feedAll(b *lineBuffer, chunks ...string) []emitted {
	var out []emitted
	for _, c := range chunks {
		_ = b.feed([]byte(c), func(line string, overflow bool) error {
			out = append(out, emitted{line, overflow})
			return nil
		})
	}
	return out
}

func TestLineBuffer_Chunks(t *testing.T) {
	t.Parallel()

	b := newLineBuffer(64)
	got := feedAll(b, "m1::a", ":1\nm2::", "a:2\n\nm3")
	assert.Equal(t, []emitted{
		{line: "m1::a:1"},
		{line: "m2::a:2"},
		{line: ""},
	}, got)
	assert.Equal(t, "m3", string(b.buf), "partial line stays buffered")
}

func TestLineBuffer_Overflow(t *testing.T) {
	t.Parallel()

	b := newLineBuffer(8)
	got := feedAll(b, strings.Repeat("x", 20), "yyy\nok\n")
	assert.Equal(t, []emitted{
		{line: "", overflow: true},
		{line: "ok"},
	}, got)
}

func TestLineBuffer_ExactlyMax(t *testing.T) {
	t.Parallel()

	b := newLineBuffer(4)
	got := feedAll(b, "abcd\n")
	assert.Equal(t, []emitted{{line: "abcd"}}, got)
}

func TestLineBuffer_StopsOnError(t *testing.T) {
	t.Parallel()

	b := newLineBuffer(64)
	stop := errors.New("stop")
	var lines []string
	err := b.feed([]byte("a\nb\nc\n"), func(line string, _ bool) error {
		lines = append(lines, line)
		if line == "b" {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestLineBuffer_Reset(t *testing.T) {
	t.Parallel()

	b := newLineBuffer(2)
	feedAll(b, "abc")
	require.True(t, b.discarding)
	b.reset()
	assert.False(t, b.discarding)
	assert.Equal(t, []emitted{{line: "ok"}}, feedAll(b, "ok\n"))
}

func TestMode(t *testing.T) {
	t.Parallel()

	m := Mode(57600)
	assert.Equal(t, 57600, m.BaudRate)
	assert.Equal(t, 8, m.DataBits)
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := Options{}.withDefaults()
	assert.Equal(t, DefaultLatchTimeout, o.LatchTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, o.HeartbeatInterval)
	assert.Equal(t, DefaultReadTimeout, o.ReadTimeout)
	assert.Equal(t, DefaultTransmitBatch, o.TransmitBatch)
	assert.Equal(t, DefaultBaud, o.Baud)

	o = Options{LatchTimeout: 3, Baud: 9600}.withDefaults()
	assert.Equal(t, 3, o.LatchTimeout)
	assert.Equal(t, 9600, o.Baud)
}
