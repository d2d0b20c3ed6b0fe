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

package analysis

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type base struct {
	name     string
	channels []string
}

func (b base) Name() string       { return b.name }
func (b base) Channels() []string { return slices.Clone(b.channels) }

// Latest reports the most recent value of a channel.
type Latest struct{ base }

func NewLatest(channel string) Latest {
	return Latest{base{name: "latest:" + channel, channels: []string{channel}}}
}

func (Latest) Kind() Kind { return PointScalar }

func (Latest) Compute(in Inputs) (Result, error) {
	return Result{Scalar: in.Point.Y}, nil
}

// Mean is the arithmetic mean of a channel over the window.
type Mean struct{ base }

func NewMean(channel string) Mean {
	return Mean{base{name: "mean:" + channel, channels: []string{channel}}}
}

func (Mean) Kind() Kind { return SeriesScalar }

func (Mean) Compute(in Inputs) (Result, error) {
	sum := 0.0
	for _, y := range in.Series.Y {
		sum += y
	}
	return Result{Scalar: sum / float64(len(in.Series.Y))}, nil
}

// Slope is the least-squares rate of change of a channel in units per
// second.
type Slope struct{ base }

func NewSlope(channel string) Slope {
	return Slope{base{name: "slope:" + channel, channels: []string{channel}}}
}

func (Slope) Kind() Kind { return SeriesScalar }

func (Slope) Compute(in Inputs) (Result, error) {
	xs, ys := in.Series.X, in.Series.Y
	n := float64(len(ys))
	if len(ys) < 2 {
		return Result{}, fmt.Errorf("%w: slope needs 2 samples, have %d", ErrInsufficientData, len(ys))
	}

	var sx, sy float64
	for i := range ys {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n

	var num, den float64
	for i := range ys {
		dx := xs[i] - mx
		num += dx * (ys[i] - my)
		den += dx * dx
	}
	if den == 0 {
		return Result{}, fmt.Errorf("%w: all samples share one timestamp", ErrInsufficientData)
	}
	return Result{Scalar: num / den}, nil
}

// Spread is the difference between the largest and smallest channel value
// at each instant where every channel was reported.
type Spread struct{ base }

func NewSpread(channels ...string) Spread {
	return Spread{base{name: "spread:" + strings.Join(channels, ","), channels: channels}}
}

func (Spread) Kind() Kind { return NSeriesSeries }

func (Spread) Compute(in Inputs) (Result, error) {
	type extent struct {
		lo, hi float64
		seen   int
		last   int
	}
	byX := make(map[float64]*extent)
	var order []float64

	for si, s := range in.NSeries {
		for i, x := range s.X {
			e, ok := byX[x]
			if !ok {
				e = &extent{lo: math.Inf(1), hi: math.Inf(-1), last: -1}
				byX[x] = e
				order = append(order, x)
			}
			e.lo = math.Min(e.lo, s.Y[i])
			e.hi = math.Max(e.hi, s.Y[i])
			if e.last != si {
				e.last = si
				e.seen++
			}
		}
	}

	out := Series{Name: "spread"}
	for _, x := range order {
		e := byX[x]
		if e.seen != len(in.NSeries) {
			continue
		}
		out.X = append(out.X, x)
		out.Y = append(out.Y, e.hi-e.lo)
	}
	return Result{Series: out}, nil
}
