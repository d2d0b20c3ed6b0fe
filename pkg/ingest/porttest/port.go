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

// Package porttest provides an in-memory serial port for exercising the
// ingestion loop without hardware.
package porttest

import (
	"bytes"
	"errors"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/ingest"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("port closed")

// Port is a mock serial port. Bytes queued with Feed are returned by Read;
// an empty read waits a few milliseconds and returns 0 like a read timeout.
type Port struct {
	readErr    error
	writeErr   error
	timeoutErr error
	closeErr   error
	rx         bytes.Buffer
	writes     []string
	mode       serial.Mode
	timeout    time.Duration
	mu         syncutil.Mutex
	closed     bool
	chunk      int
}

func New() *Port {
	return &Port{}
}

// Factory returns a PortFactory that hands out p and records the mode it
// was opened with.
func (p *Port) Factory() ingest.PortFactory {
	return func(_ string, mode *serial.Mode) (ingest.Port, error) {
		p.mu.Lock()
		if mode != nil {
			p.mode = *mode
		}
		p.mu.Unlock()
		return p, nil
	}
}

// FailingFactory always fails to open.
func FailingFactory(err error) ingest.PortFactory {
	return func(string, *serial.Mode) (ingest.Port, error) {
		return nil, err
	}
}

// Feed queues device output.
func (p *Port) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.WriteString(data)
}

// SetChunk limits how many bytes a single Read returns, to split lines
// across reads.
func (p *Port) SetChunk(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunk = n
}

// FailReads makes every later Read return err.
func (p *Port) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// FailWrites makes every later Write return err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// FailClose makes Close return err. The port still counts as closed.
func (p *Port) FailClose(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeErr = err
}

// FailTimeout makes SetReadTimeout return err.
func (p *Port) FailTimeout(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeoutErr = err
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if p.rx.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	limit := b
	if p.chunk > 0 && p.chunk < len(b) {
		limit = b[:p.chunk]
	}
	n, _ := p.rx.Read(limit)
	p.mu.Unlock()
	return n, nil
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.closeErr
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return p.timeoutErr
}

// Writes returns every successful write in order.
func (p *Port) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *Port) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Mode() serial.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Port) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// Pending is the number of fed bytes not yet read.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.Len()
}
