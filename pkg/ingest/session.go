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

// Package ingest runs one serial session: it owns the port, turns incoming
// bytes into synchronized records, writes queued transmit requests and
// flushes session traffic to the journal on a heartbeat.
//
// A session moves through Connecting, Streaming and Closing before ending
// Disconnected. Every wait inside the loop is bounded by the port read
// timeout, so Stop and context cancellation are observed within one poll
// interval.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/clocksync"
	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/journal"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/records/parser"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	DefaultLatchTimeout      = 50
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultReadTimeout       = 100 * time.Millisecond
	DefaultTransmitBatch     = 8
	DefaultBaud              = 115200
	MaxLineLength            = 8 * 1024

	readChunk = 1024
)

var (
	ErrTransportOpen  = errors.New("failed to open transport")
	ErrTransportRead  = errors.New("transport read failed")
	ErrLatchExhausted = errors.New("latch retry budget exhausted")
	ErrLineTooLong    = errors.New("line exceeds maximum length")
)

// State is the session lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Publisher receives every synchronized record. Publish must not block.
type Publisher interface {
	Publish(r records.Received)
}

// TransmitSource yields pending transmit requests without blocking.
type TransmitSource interface {
	TryPop() (records.Transmit, bool)
}

// Journal persists session traffic.
type Journal interface {
	WriteHeader(h journal.Header) error
	Append(msgs []records.Message) error
}

// Options describe the connection and the loop tuning.
type Options struct {
	Port        string
	Description string
	HardwareID  string
	SessionID   string
	Baud        int
	// LatchTimeout is the number of consecutive failed lines tolerated.
	// The session ends on the next failure after that.
	LatchTimeout      int
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	TransmitBatch     int
}

func (o Options) withDefaults() Options {
	if o.Baud <= 0 {
		o.Baud = DefaultBaud
	}
	if o.LatchTimeout <= 0 {
		o.LatchTimeout = DefaultLatchTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.TransmitBatch <= 0 {
		o.TransmitBatch = DefaultTransmitBatch
	}
	return o
}

// Deps are the collaborators of a session. Nil members get working
// defaults: real serial ports, a real clock, a disabled journal and no
// consumers.
type Deps struct {
	PortFactory PortFactory
	Publisher   Publisher
	Transmit    TransmitSource
	Journal     Journal
	Clock       clockwork.Clock
	Logger      zerolog.Logger
}

type discard struct{}

func (discard) Publish(records.Received)         {}
func (discard) TryPop() (records.Transmit, bool) { return records.Transmit{}, false }

func (d Deps) withDefaults() Deps {
	if d.PortFactory == nil {
		d.PortFactory = DefaultPortFactory
	}
	if d.Publisher == nil {
		d.Publisher = discard{}
	}
	if d.Transmit == nil {
		d.Transmit = discard{}
	}
	if d.Journal == nil {
		d.Journal = journal.Disabled()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return d
}

// Stats are cumulative counters for one session.
type Stats struct {
	LinesRead        uint64
	Published        uint64
	Failures         uint64
	Transmitted      uint64
	TransmitFailures uint64
	Streak           int64
}

type counters struct {
	linesRead        atomic.Uint64
	published        atomic.Uint64
	failures         atomic.Uint64
	transmitted      atomic.Uint64
	transmitFailures atomic.Uint64
	streak           atomic.Int64
}

// Session is a running ingestion loop.
type Session struct {
	port     Port
	err      error
	deps     Deps
	clock    *clocksync.Synchronizer
	lines    *lineBuffer
	stop     chan struct{}
	done     chan struct{}
	log      zerolog.Logger
	pending  []records.Message
	opts     Options
	stats    counters
	stopOnce sync.Once
	mu       syncutil.RWMutex
	state    State
}

// Start opens the port and launches the streaming loop. An open failure is
// returned synchronously, wrapped in ErrTransportOpen, and leaves nothing
// running.
func Start(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	opts = opts.withDefaults()
	deps = deps.withDefaults()

	s := &Session{
		opts:  opts,
		deps:  deps,
		clock: clocksync.New(deps.Clock),
		lines: newLineBuffer(MaxLineLength),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		state: StateConnecting,
		log: deps.Logger.With().
			Str("component", "ingest").
			Str("port", opts.Port).
			Logger(),
	}

	port, err := deps.PortFactory(opts.Port, Mode(opts.Baud))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to open port")
		return nil, fmt.Errorf("%w %s: %w", ErrTransportOpen, opts.Port, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		if cerr := port.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("failed to close port after setup error")
		}
		return nil, fmt.Errorf("%w %s: failed to set read timeout: %w", ErrTransportOpen, opts.Port, err)
	}
	s.port = port

	connected := deps.Clock.Now()
	if err := deps.Journal.WriteHeader(journal.Header{
		Port:             opts.Port,
		Description:      opts.Description,
		HardwareID:       opts.HardwareID,
		Baud:             journal.FormatBaud(opts.Baud),
		LocalConnectTime: connected.Format(journal.KeyTimeLayout),
		SessionID:        opts.SessionID,
	}); err != nil {
		s.log.Error().Err(err).Msg("failed to write journal header")
	}

	s.setState(StateStreaming)
	s.log.Info().
		Int("baud", opts.Baud).
		Int("latch_timeout", opts.LatchTimeout).
		Msg("session streaming")

	go s.run(ctx)
	return s, nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	cause := s.stream(ctx)
	s.shutdown(cause)
}

// stream is the Streaming state. It returns the fatal cause, or nil when
// the session was asked to stop.
func (s *Session) stream(ctx context.Context) error {
	heartbeat := s.deps.Clock.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	buf := make([]byte, readChunk)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("context done, closing session")
			return nil
		case <-s.stop:
			return nil
		case <-heartbeat.Chan():
			s.flush()
		default:
		}

		s.writePending()

		n, err := s.port.Read(buf)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to read from serial port")
			return fmt.Errorf("%w: %w", ErrTransportRead, err)
		}
		if n == 0 {
			continue
		}

		if err := s.lines.feed(buf[:n], s.handleLine); err != nil {
			return err
		}
	}
}

// writePending drains up to one batch of transmit requests.
func (s *Session) writePending() {
	for range s.opts.TransmitBatch {
		tx, ok := s.deps.Transmit.TryPop()
		if !ok {
			return
		}
		if _, err := s.port.Write(tx.Bytes()); err != nil {
			s.stats.transmitFailures.Add(1)
			s.log.Error().Err(err).Str("message", tx.Message).Msg("failed to write to serial port")
			continue
		}
		s.stats.transmitted.Add(1)
		s.pending = append(s.pending, tx)
		s.log.Debug().
			Str("message", tx.Message).
			Stringer("line_ending", tx.LineEnding).
			Msg("transmitted")
	}
}

func (s *Session) handleLine(line string, overflow bool) error {
	s.stats.linesRead.Add(1)
	if overflow {
		return s.reject(line, ErrLineTooLong)
	}

	r, err := parser.Parse(line)
	if err == nil {
		r, err = s.clock.Sync(r)
	}
	if err != nil {
		return s.reject(line, err)
	}

	s.stats.streak.Store(0)
	s.stats.published.Add(1)
	s.deps.Publisher.Publish(r)
	s.pending = append(s.pending, r)
	return nil
}

// reject records a failed line. It returns ErrLatchExhausted once the
// consecutive failure streak exceeds the latch timeout.
func (s *Session) reject(line string, cause error) error {
	s.stats.failures.Add(1)
	streak := s.stats.streak.Add(1)

	s.log.Debug().
		Err(cause).
		Str("line", line).
		Int64("streak", streak).
		Msg("line rejected")

	if streak > int64(s.opts.LatchTimeout) {
		s.log.Error().
			Err(cause).
			Int64("streak", streak).
			Int("latch_timeout", s.opts.LatchTimeout).
			Msg("latch retry budget exhausted")
		return fmt.Errorf("%w after %d consecutive failures: %w", ErrLatchExhausted, streak, cause)
	}
	return nil
}

// flush writes buffered traffic to the journal. A failed write is logged
// and the batch is dropped so ingestion continues.
func (s *Session) flush() {
	if len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	if err := s.deps.Journal.Append(batch); err != nil {
		s.log.Error().Err(err).Int("entries", len(batch)).Msg("failed to flush journal")
	}
}

// shutdown is the Closing state.
func (s *Session) shutdown(cause error) {
	s.setState(StateClosing)

	if err := s.port.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close serial port")
	}
	s.flush()
	s.clock.Reset()
	s.lines.reset()

	s.mu.Lock()
	s.err = cause
	s.state = StateDisconnected
	s.mu.Unlock()

	ev := s.log.Info()
	if cause != nil {
		ev = s.log.Warn().Err(cause)
	}
	st := s.Stats()
	ev.Uint64("lines", st.LinesRead).
		Uint64("published", st.Published).
		Uint64("failures", st.Failures).
		Uint64("transmitted", st.Transmitted).
		Msg("session closed")
}

// Stop requests Closing and waits for the loop to finish. It is safe to
// call more than once and after the session ended on its own.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Done is closed once the session is Disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err is the fatal cause that ended the session. It is nil while running
// and after a requested stop.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Options() Options {
	return s.opts
}

func (s *Session) Stats() Stats {
	return Stats{
		LinesRead:        s.stats.linesRead.Load(),
		Published:        s.stats.published.Load(),
		Failures:         s.stats.failures.Load(),
		Transmitted:      s.stats.transmitted.Load(),
		TransmitFailures: s.stats.transmitFailures.Load(),
		Streak:           s.stats.streak.Load(),
	}
}
