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
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of a serial port the ingestion loop drives.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// PortFactory opens a port by name.
type PortFactory func(name string, mode *serial.Mode) (Port, error)

// DefaultPortFactory opens real serial ports.
func DefaultPortFactory(name string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	return port, nil
}

// Mode is 8N1 at the given baud rate.
func Mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// lineBuffer assembles newline-terminated lines from arbitrary read chunks.
// A line longer than max is discarded up to its terminating newline and
// reported once as an overflow.
type lineBuffer struct {
	buf        []byte
	max        int
	discarding bool
}

func newLineBuffer(maxLen int) *lineBuffer {
	return &lineBuffer{max: maxLen, buf: make([]byte, 0, 256)}
}

// feed consumes data and calls emit for each completed line. It stops at
// the first error emit returns; bytes after that point are dropped since the
// session is ending.
func (b *lineBuffer) feed(data []byte, emit func(line string, overflow bool) error) error {
	for _, c := range data {
		if c == '\n' {
			overflow := b.discarding
			line := string(b.buf)
			b.buf = b.buf[:0]
			b.discarding = false
			if err := emit(line, overflow); err != nil {
				return err
			}
			continue
		}
		if b.discarding {
			continue
		}
		if len(b.buf) >= b.max {
			b.discarding = true
			b.buf = b.buf[:0]
			continue
		}
		b.buf = append(b.buf, c)
	}
	return nil
}

func (b *lineBuffer) reset() {
	b.buf = b.buf[:0]
	b.discarding = false
}
