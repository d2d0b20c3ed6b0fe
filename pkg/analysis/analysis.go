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

// Package analysis runs user-defined computations over a window of recent
// records.
//
// An analysis declares a Kind, which pairs what it consumes (a single point,
// one series or several series) with what it produces (a scalar, a series
// or several series), and the channels it reads. The registry checks both
// once at registration so evaluation never has to second-guess the shape of
// an analysis.
package analysis

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/records"
)

var (
	ErrInvalidKind      = errors.New("invalid analysis kind")
	ErrChannelCount     = errors.New("wrong number of channels for analysis kind")
	ErrDuplicate        = errors.New("analysis already registered")
	ErrUnnamed          = errors.New("analysis has no name")
	ErrNoData           = errors.New("no data for channel")
	ErrInsufficientData = errors.New("not enough data")
	ErrOutputShape      = errors.New("result does not match analysis kind")
)

// Input is what an analysis consumes.
type Input int

const (
	InputPoint Input = iota + 1
	InputSeries
	InputNSeries
)

// Output is what an analysis produces.
type Output int

const (
	OutputScalar Output = iota + 1
	OutputSeries
	OutputNSeries
)

// Kind is one of the nine input/output combinations.
type Kind struct {
	In  Input
	Out Output
}

var (
	PointScalar    = Kind{InputPoint, OutputScalar}
	PointSeries    = Kind{InputPoint, OutputSeries}
	PointNSeries   = Kind{InputPoint, OutputNSeries}
	SeriesScalar   = Kind{InputSeries, OutputScalar}
	SeriesSeries   = Kind{InputSeries, OutputSeries}
	SeriesNSeries  = Kind{InputSeries, OutputNSeries}
	NSeriesScalar  = Kind{InputNSeries, OutputScalar}
	NSeriesSeries  = Kind{InputNSeries, OutputSeries}
	NSeriesNSeries = Kind{InputNSeries, OutputNSeries}
)

func (k Kind) Valid() bool {
	return k.In >= InputPoint && k.In <= InputNSeries &&
		k.Out >= OutputScalar && k.Out <= OutputNSeries
}

func (k Kind) String() string {
	in := map[Input]string{InputPoint: "point", InputSeries: "series", InputNSeries: "nseries"}[k.In]
	out := map[Output]string{OutputScalar: "scalar", OutputSeries: "series", OutputNSeries: "nseries"}[k.Out]
	if in == "" || out == "" {
		return fmt.Sprintf("kind(%d,%d)", k.In, k.Out)
	}
	return in + "_" + out
}

// Point is a single sample. X is seconds since the start of the window.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Series is the samples of one channel in arrival order.
type Series struct {
	Name string    `json:"name"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
}

func (s Series) Len() int { return len(s.Y) }

// Inputs carries the data for one evaluation. Only the member matching the
// analysis input kind is set.
type Inputs struct {
	NSeries []Series
	Series  Series
	Point   Point
}

// Result is what Compute returns. Only the member matching the analysis
// output kind is read.
type Result struct {
	Series  Series   `json:"series,omitzero"`
	NSeries []Series `json:"nseries,omitempty"`
	Scalar  float64  `json:"scalar"`
}

// Analysis is a user-defined computation.
type Analysis interface {
	Name() string
	Kind() Kind
	// Channels names the fields read. Point and series analyses read
	// exactly one channel; n-series analyses read one or more.
	Channels() []string
	// Compute must not modify in; the slices are shared between analyses.
	Compute(in Inputs) (Result, error)
}

// Outcome is the evaluation of one registered analysis.
type Outcome struct {
	Err    error  `json:"-"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Error  string `json:"error,omitempty"`
	Result Result `json:"result"`
}

// Registry holds validated analyses.
type Registry struct {
	byName map[string]Analysis
	mu     syncutil.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Analysis)}
}

// Register validates a and adds it to the registry.
func (r *Registry) Register(a Analysis) error {
	name := a.Name()
	if name == "" {
		return ErrUnnamed
	}
	kind := a.Kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: %s: %s", ErrInvalidKind, name, kind)
	}

	channels := a.Channels()
	for _, ch := range channels {
		if ch == "" {
			return fmt.Errorf("%w: %s: empty channel name", ErrChannelCount, name)
		}
	}
	switch kind.In {
	case InputPoint, InputSeries:
		if len(channels) != 1 {
			return fmt.Errorf("%w: %s reads %d channels, %s needs exactly 1",
				ErrChannelCount, name, len(channels), kind)
		}
	case InputNSeries:
		if len(channels) == 0 {
			return fmt.Errorf("%w: %s reads no channels, %s needs at least 1",
				ErrChannelCount, name, kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.byName[name] = a
	return nil
}

// MustRegister is Register for built-in analyses wired at startup.
func (r *Registry) MustRegister(a Analysis) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
}

// Names lists registered analyses in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs every registered analysis over window. A failing analysis
// reports its error in its own outcome and does not affect the others.
func (r *Registry) Evaluate(window []records.Received) []Outcome {
	names := r.Names()

	r.mu.RLock()
	analyses := make([]Analysis, 0, len(names))
	for _, n := range names {
		if a, ok := r.byName[n]; ok {
			analyses = append(analyses, a)
		}
	}
	r.mu.RUnlock()

	cache := newSeriesCache(window)
	out := make([]Outcome, 0, len(analyses))
	for _, a := range analyses {
		o := Outcome{Name: a.Name(), Kind: a.Kind().String()}
		o.Result, o.Err = evaluate(a, cache)
		if o.Err != nil {
			o.Error = o.Err.Error()
		}
		out = append(out, o)
	}
	return out
}

func evaluate(a Analysis, cache *seriesCache) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("analysis %s panicked: %v", a.Name(), p)
		}
	}()

	in, err := buildInputs(a, cache)
	if err != nil {
		return Result{}, err
	}

	res, err = a.Compute(in)
	if err != nil {
		return Result{}, fmt.Errorf("analysis %s: %w", a.Name(), err)
	}
	if err := checkShape(a.Kind().Out, res); err != nil {
		return Result{}, fmt.Errorf("analysis %s: %w", a.Name(), err)
	}
	return res, nil
}

func buildInputs(a Analysis, cache *seriesCache) (Inputs, error) {
	channels := a.Channels()
	switch a.Kind().In {
	case InputPoint:
		s := cache.get(channels[0])
		if s.Len() == 0 {
			return Inputs{}, fmt.Errorf("%w: %s", ErrNoData, channels[0])
		}
		last := s.Len() - 1
		return Inputs{Point: Point{X: s.X[last], Y: s.Y[last]}}, nil
	case InputSeries:
		s := cache.get(channels[0])
		if s.Len() == 0 {
			return Inputs{}, fmt.Errorf("%w: %s", ErrNoData, channels[0])
		}
		return Inputs{Series: s}, nil
	default:
		ns := make([]Series, 0, len(channels))
		for _, ch := range channels {
			s := cache.get(ch)
			if s.Len() == 0 {
				return Inputs{}, fmt.Errorf("%w: %s", ErrNoData, ch)
			}
			ns = append(ns, s)
		}
		return Inputs{NSeries: ns}, nil
	}
}

func checkShape(out Output, res Result) error {
	switch out {
	case OutputSeries:
		if len(res.Series.X) != len(res.Series.Y) {
			return fmt.Errorf("%w: series has %d x and %d y values",
				ErrOutputShape, len(res.Series.X), len(res.Series.Y))
		}
	case OutputNSeries:
		for _, s := range res.NSeries {
			if len(s.X) != len(s.Y) {
				return fmt.Errorf("%w: series %q has %d x and %d y values",
					ErrOutputShape, s.Name, len(s.X), len(s.Y))
			}
		}
	case OutputScalar:
	}
	return nil
}

// seriesCache extracts each channel from the window at most once per
// evaluation.
type seriesCache struct {
	built  map[string]Series
	window []records.Received
	origin time.Time
}

func newSeriesCache(window []records.Received) *seriesCache {
	c := &seriesCache{window: window, built: make(map[string]Series)}
	for _, r := range window {
		if t, ok := r.HostOffsetTime(); ok {
			c.origin = t
			break
		}
	}
	return c
}

// get returns the synchronized samples of channel.
func (c *seriesCache) get(channel string) Series {
	if s, ok := c.built[channel]; ok {
		return s
	}
	s := Series{Name: channel}
	for _, r := range c.window {
		t, ok := r.HostOffsetTime()
		if !ok {
			continue
		}
		v, ok := r.Field(channel)
		if !ok {
			continue
		}
		s.X = append(s.X, t.Sub(c.origin).Seconds())
		s.Y = append(s.Y, v)
	}
	c.built[channel] = s
	return s
}
