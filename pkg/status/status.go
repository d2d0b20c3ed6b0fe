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

// Package status keeps running counters over the record stream: total
// count, the instantaneous arrival rate and the latest value of every
// status flag.
package status

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Aggregator is safe for concurrent use. One goroutine usually feeds it via
// Run while readers poll the accessors.
type Aggregator struct {
	statuses map[string]string
	metrics  *metrics
	log      zerolog.Logger
	last     time.Time
	prev     time.Time
	count    uint64
	times    int
	mu       syncutil.RWMutex
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.log = logger.With().Str("component", "status").Logger()
	}
}

// WithMetrics exports the counters as Prometheus metrics registered on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(a *Aggregator) {
		a.metrics = newMetrics(reg)
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		statuses: make(map[string]string),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe folds one record into the counters. Records without a host offset
// time still count but do not contribute to the rate.
func (a *Aggregator) Observe(r records.Received) {
	a.mu.Lock()
	a.count++
	if t, ok := r.HostOffsetTime(); ok {
		a.prev = a.last
		a.last = t
		if a.times < 2 {
			a.times++
		}
	}
	updates := 0
	for _, s := range r.Statuses() {
		a.statuses[s.Name] = s.Value
		updates++
	}
	rate := a.rateLocked()
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.records.Inc()
		a.metrics.rate.Set(rate)
		a.metrics.statusUpdates.Add(float64(updates))
	}
}

// Count is the number of records observed since the last Reset.
func (a *Aggregator) Count() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Rate is 1/Δt in hertz between the two most recent records, or 0 when
// fewer than two synchronized records have been seen or Δt is not positive.
func (a *Aggregator) Rate() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rateLocked()
}

func (a *Aggregator) rateLocked() float64 {
	if a.times < 2 {
		return 0
	}
	delta := a.last.Sub(a.prev).Seconds()
	if delta <= 0 {
		return 0
	}
	return 1 / delta
}

// Status returns the latest value reported for name.
func (a *Aggregator) Status(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.statuses[name]
	return v, ok
}

// Statuses returns the coalesced status flags sorted by name.
func (a *Aggregator) Statuses() []records.Status {
	a.mu.RLock()
	out := make([]records.Status, 0, len(a.statuses))
	for name, value := range a.statuses {
		out = append(out, records.Status{Name: name, Value: value})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears all counters, typically when a new session starts.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count = 0
	a.times = 0
	a.last = time.Time{}
	a.prev = time.Time{}
	a.statuses = make(map[string]string)
	if a.metrics != nil {
		a.metrics.rate.Set(0)
	}
}

// Run consumes sub until ctx is cancelled or the subscription closes.
func (a *Aggregator) Run(ctx context.Context, sub *hub.Subscription) error {
	a.log.Debug().Str("subscriber", sub.Name()).Msg("status aggregator started")
	for {
		r, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) || errors.Is(err, context.Canceled) {
				a.log.Debug().Msg("status aggregator stopped")
				return nil
			}
			return err //nolint:wrapcheck // context errors passed through
		}
		a.Observe(r)
	}
}

type metrics struct {
	records       prometheus.Counter
	rate          prometheus.Gauge
	statusUpdates prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialscope_records_total",
			Help: "Total records received from the device.",
		}),
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serialscope_record_rate_hz",
			Help: "Arrival rate between the two most recent records.",
		}),
		statusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serialscope_status_updates_total",
			Help: "Status flag values received from the device.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.records, m.rate, m.statusUpdates)
	}
	return m
}
