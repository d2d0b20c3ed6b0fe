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

// Package service ties an ingestion session to its consumers. A Monitor
// owns the record hub, the status aggregator, the analysis window and the
// transmit queue, and outlives the serial sessions it starts and stops.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/analysis"
	"github.com/ZaparooProject/serialscope/pkg/helpers"
	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/ingest"
	"github.com/ZaparooProject/serialscope/pkg/journal"
	"github.com/ZaparooProject/serialscope/pkg/queue"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
	"github.com/ZaparooProject/serialscope/pkg/status"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRecordBuffer  = 5000
	DefaultTransmitQueue = 16
)

var (
	ErrNotRunning     = errors.New("no session running")
	ErrAlreadyRunning = errors.New("session already running")
	ErrClosed         = errors.New("monitor closed")
)

// SessionConfig is what an operator picks when connecting.
type SessionConfig struct {
	Port         string
	FriendlyName string
	Baud         int
	LatchTimeout int
	// Zero values fall back to the ingest defaults.
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	TransmitBatch     int
	JournalEnabled    bool
}

// Options configure a Monitor. Nil members get working defaults.
type Options struct {
	Fs          afero.Fs
	PortFactory ingest.PortFactory
	PortLister  func() ([]helpers.PortInfo, error)
	Clock       clockwork.Clock
	Metrics     prometheus.Registerer
	Analyses    *analysis.Registry
	Logger      zerolog.Logger
	JournalDir  string
	// RecordBuffer bounds the records waiting for Poll and Next. The oldest
	// are dropped when nobody reads them.
	RecordBuffer  int
	TransmitQueue int
	WindowSize    int
}

func (o Options) withDefaults() Options {
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.PortFactory == nil {
		o.PortFactory = ingest.DefaultPortFactory
	}
	if o.PortLister == nil {
		o.PortLister = helpers.ListSerialPorts
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Analyses == nil {
		o.Analyses = analysis.NewRegistry()
	}
	if o.RecordBuffer <= 0 {
		o.RecordBuffer = DefaultRecordBuffer
	}
	if o.TransmitQueue <= 0 {
		o.TransmitQueue = DefaultTransmitQueue
	}
	return o
}

// Monitor is the consumer-facing surface of the ingestion core.
type Monitor struct {
	hub      *hub.Hub
	consumer *hub.Subscription
	status   *status.Aggregator
	window   *analysis.Window
	transmit *queue.Bounded[records.Transmit]
	group    *errgroup.Group
	cancel   context.CancelFunc
	session  *ingest.Session
	journal  *journal.Journal
	lastErr  error
	log      zerolog.Logger
	opts     Options
	mu       syncutil.RWMutex
	closed   bool
}

// NewMonitor creates a monitor and starts its consumers. Call Close to
// release them.
func NewMonitor(opts Options) *Monitor {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("component", "monitor").Logger()

	statusOpts := []status.Option{status.WithLogger(opts.Logger)}
	if opts.Metrics != nil {
		statusOpts = append(statusOpts, status.WithMetrics(opts.Metrics))
	}

	h := hub.New(opts.Logger)
	m := &Monitor{
		hub:      h,
		consumer: h.Subscribe("consumer", opts.RecordBuffer),
		status:   status.New(statusOpts...),
		window:   analysis.NewWindow(opts.WindowSize),
		transmit: queue.NewBounded[records.Transmit](opts.TransmitQueue),
		journal:  journal.Disabled(),
		log:      log,
		opts:     opts,
	}

	statusSub := h.Subscribe("status", opts.RecordBuffer)
	windowSub := h.Subscribe("analysis", opts.RecordBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.status.Run(gctx, statusSub) })
	g.Go(func() error { return m.window.Run(gctx, windowSub) })
	m.group = g
	m.cancel = cancel

	return m
}

// Start connects to cfg.Port and begins streaming. It fails with
// ErrAlreadyRunning while a previous session is still alive, and with
// ingest.ErrTransportOpen when the port cannot be opened.
func (m *Monitor) Start(ctx context.Context, cfg SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.session != nil && m.session.State() != ingest.StateDisconnected {
		return ErrAlreadyRunning
	}

	info, found := m.describe(cfg.Port)
	if !found {
		m.log.Debug().Str("port", cfg.Port).Msg("port not found in device list")
	}

	j := journal.Disabled()
	if cfg.JournalEnabled {
		key := journal.SessionKey(cfg.FriendlyName, m.opts.Clock.Now())
		j = journal.New(m.opts.Fs, m.opts.JournalDir, key, m.opts.Logger)
	}

	// counters and queued requests belong to the previous session
	m.status.Reset()
	m.window.Reset()
	for {
		if _, ok := m.transmit.TryPop(); !ok {
			break
		}
	}

	session, err := ingest.Start(ctx, ingest.Options{
		Port:              cfg.Port,
		Description:       info.Description,
		HardwareID:        info.HardwareID,
		SessionID:         uuid.New().String(),
		Baud:              cfg.Baud,
		LatchTimeout:      cfg.LatchTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadTimeout:       cfg.ReadTimeout,
		TransmitBatch:     cfg.TransmitBatch,
	}, ingest.Deps{
		PortFactory: m.opts.PortFactory,
		Publisher:   m.hub,
		Transmit:    m.transmit,
		Journal:     j,
		Clock:       m.opts.Clock,
		Logger:      m.opts.Logger,
	})
	if err != nil {
		m.lastErr = err
		return fmt.Errorf("failed to start session: %w", err)
	}

	m.session = session
	m.journal = j
	m.lastErr = nil

	go m.watch(session)
	return nil
}

func (m *Monitor) describe(port string) (helpers.PortInfo, bool) {
	ports, err := m.opts.PortLister()
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to list serial ports")
	}
	return helpers.FindPort(ports, port)
}

// watch logs how a session ended.
func (m *Monitor) watch(s *ingest.Session) {
	<-s.Done()
	if err := s.Err(); err != nil {
		m.log.Error().Err(err).Msg("session ended")
		return
	}
	m.log.Info().Msg("session stopped")
}

// Stop ends the running session and waits for the port to close.
func (m *Monitor) Stop() error {
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	if s == nil || s.State() == ingest.StateDisconnected {
		return ErrNotRunning
	}
	s.Stop()
	return nil
}

// Close stops any session and shuts the consumers down. The monitor cannot
// be restarted.
func (m *Monitor) Close() error {
	m.mu.Lock()
	s := m.session
	m.closed = true
	m.mu.Unlock()

	if s != nil {
		s.Stop()
	}
	m.hub.Close()
	m.cancel()
	if err := m.group.Wait(); err != nil {
		return fmt.Errorf("consumer failed: %w", err)
	}
	return nil
}

// Poll returns the next buffered record without waiting.
func (m *Monitor) Poll() (records.Received, bool) {
	return m.consumer.TryNext()
}

// Next waits for the next record.
func (m *Monitor) Next(ctx context.Context) (records.Received, error) {
	r, err := m.consumer.Next(ctx)
	if err != nil {
		return records.Received{}, fmt.Errorf("failed to read record: %w", err)
	}
	return r, nil
}

// Subscribe adds an independent record consumer, such as a network
// forwarder.
func (m *Monitor) Subscribe(name string, capacity int) *hub.Subscription {
	return m.hub.Subscribe(name, capacity)
}

// Send queues t for the running session. It fails with queue.ErrFull when
// the session has fallen behind and ErrNotRunning when nothing is
// streaming.
func (m *Monitor) Send(t records.Transmit) error {
	if m.State() != ingest.StateStreaming {
		return ErrNotRunning
	}
	if err := m.transmit.TryPush(t); err != nil {
		return fmt.Errorf("failed to queue transmit: %w", err)
	}
	return nil
}

// SendLine queues message with the given terminator, stamped with the
// current host time.
func (m *Monitor) SendLine(message string, ending records.LineEnding) error {
	return m.Send(records.NewTransmit(message, ending, m.opts.Clock.Now()))
}

func (m *Monitor) Count() uint64 {
	return m.status.Count()
}

// Rate is the record rate in Hz over the recent window.
func (m *Monitor) Rate() float64 {
	return m.status.Rate()
}

func (m *Monitor) Statuses() []records.Status {
	return m.status.Statuses()
}

// Ports enumerates host serial devices.
func (m *Monitor) Ports() ([]helpers.PortInfo, error) {
	ports, err := m.opts.PortLister()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return ports, nil
}

// Analyses is the registry evaluated by Evaluate.
func (m *Monitor) Analyses() *analysis.Registry {
	return m.opts.Analyses
}

// Evaluate runs every registered analysis over the current window.
func (m *Monitor) Evaluate() []analysis.Outcome {
	return m.opts.Analyses.Evaluate(m.window.Records())
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the current session ends. With no session it is
// already closed.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return closedCh
	}
	return m.session.Done()
}

// Err is why the last session ended, or why it failed to start. It is nil
// while streaming and after a requested stop.
func (m *Monitor) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.lastErr != nil {
		return m.lastErr
	}
	return m.session.Err()
}

func (m *Monitor) State() ingest.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ingest.StateDisconnected
	}
	return m.session.State()
}

// Stats are the counters of the current or last session.
func (m *Monitor) Stats() ingest.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ingest.Stats{}
	}
	return m.session.Stats()
}

// JournalPath is where the current session is journaled, or empty when
// journaling is off.
func (m *Monitor) JournalPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.journal.Path()
}
