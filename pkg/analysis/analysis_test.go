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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func rec(offset time.Duration, fields ...records.Field) records.Received {
	return records.NewReceived("", records.UnitMilliseconds, 0, fields, nil).
		WithHostTime(origin.Add(offset))
}

func f(name string, v float64) records.Field {
	return records.Field{Name: name, Value: v}
}

type stub struct {
	err      error
	result   Result
	name     string
	channels []string
	kind     Kind
	panics   bool
}

func (s stub) Name() string       { return s.name }
func (s stub) Kind() Kind         { return s.kind }
func (s stub) Channels() []string { return s.channels }

func (s stub) Compute(Inputs) (Result, error) {
	if s.panics {
		panic("boom")
	}
	return s.result, s.err
}

func TestRegistry_RegisterValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		wantErr error
		name    string
		a       stub
	}{
		{name: "point needs one channel", a: stub{name: "p", kind: PointScalar, channels: []string{"a"}}},
		{name: "nseries takes many", a: stub{name: "n", kind: NSeriesNSeries, channels: []string{"a", "b", "c"}}},
		{
			name:    "unnamed",
			a:       stub{kind: PointScalar, channels: []string{"a"}},
			wantErr: ErrUnnamed,
		},
		{
			name:    "zero kind",
			a:       stub{name: "z", channels: []string{"a"}},
			wantErr: ErrInvalidKind,
		},
		{
			name:    "out of range output",
			a:       stub{name: "z", kind: Kind{InputSeries, Output(7)}, channels: []string{"a"}},
			wantErr: ErrInvalidKind,
		},
		{
			name:    "series with two channels",
			a:       stub{name: "s", kind: SeriesScalar, channels: []string{"a", "b"}},
			wantErr: ErrChannelCount,
		},
		{
			name:    "point without channels",
			a:       stub{name: "p", kind: PointSeries},
			wantErr: ErrChannelCount,
		},
		{
			name:    "nseries without channels",
			a:       stub{name: "n", kind: NSeriesScalar},
			wantErr: ErrChannelCount,
		},
		{
			name:    "empty channel name",
			a:       stub{name: "n", kind: NSeriesScalar, channels: []string{"a", ""}},
			wantErr: ErrChannelCount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := NewRegistry().Register(tt.a)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(NewMean("ax")))
	require.ErrorIs(t, r.Register(NewMean("ax")), ErrDuplicate)

	r.Unregister("mean:ax")
	require.NoError(t, r.Register(NewMean("ax")))
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewRegistry().MustRegister(stub{}) })
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "point_scalar", PointScalar.String())
	assert.Equal(t, "nseries_series", NSeriesSeries.String())
	assert.Equal(t, "kind(0,0)", Kind{}.String())
}

func TestEvaluate_Builtins(t *testing.T) {
	t.Parallel()

	window := []records.Received{
		rec(0, f("ax", 1), f("by", 10)),
		rec(100*time.Millisecond, f("ax", 3)),
		rec(200*time.Millisecond, f("ax", 5), f("by", 4)),
		// unsynchronized records are ignored
		records.NewReceived("", records.UnitMilliseconds, 0, []records.Field{f("ax", 1000)}, nil),
	}

	r := NewRegistry()
	r.MustRegister(NewLatest("ax"))
	r.MustRegister(NewMean("ax"))
	r.MustRegister(NewSlope("ax"))
	r.MustRegister(NewSpread("ax", "by"))

	out := r.Evaluate(window)
	require.Len(t, out, 4)

	byName := make(map[string]Outcome)
	for _, o := range out {
		require.NoError(t, o.Err, o.Name)
		byName[o.Name] = o
	}

	assert.InDelta(t, 5.0, byName["latest:ax"].Result.Scalar, 1e-9)
	assert.Equal(t, "point_scalar", byName["latest:ax"].Kind)
	assert.InDelta(t, 3.0, byName["mean:ax"].Result.Scalar, 1e-9)
	assert.InDelta(t, 20.0, byName["slope:ax"].Result.Scalar, 1e-6, "2 units per 100ms")

	spread := byName["spread:ax,by"].Result.Series
	require.Equal(t, 2, spread.Len(), "only instants with both channels")
	assert.InDeltaSlice(t, []float64{0, 0.2}, spread.X, 1e-9)
	assert.InDeltaSlice(t, []float64{9, 1}, spread.Y, 1e-9)
}

func TestEvaluate_IsolatesFailures(t *testing.T) {
	t.Parallel()

	computeErr := errors.New("diverged")
	r := NewRegistry()
	r.MustRegister(stub{name: "a-fails", kind: SeriesScalar, channels: []string{"ax"}, err: computeErr})
	r.MustRegister(stub{name: "b-panics", kind: SeriesScalar, channels: []string{"ax"}, panics: true})
	r.MustRegister(stub{
		name: "c-bad-shape", kind: SeriesSeries, channels: []string{"ax"},
		result: Result{Series: Series{X: []float64{1}, Y: nil}},
	})
	r.MustRegister(NewMean("missing"))
	r.MustRegister(NewMean("ax"))

	out := r.Evaluate([]records.Received{rec(0, f("ax", 2))})
	require.Len(t, out, 5)

	require.ErrorIs(t, out[0].Err, computeErr)
	require.ErrorContains(t, out[1].Err, "panicked")
	require.ErrorIs(t, out[2].Err, ErrOutputShape)
	require.NoError(t, out[3].Err)
	assert.Equal(t, "mean:ax", out[3].Name)
	assert.InDelta(t, 2.0, out[3].Result.Scalar, 0)
	require.ErrorIs(t, out[4].Err, ErrNoData)
	assert.NotEmpty(t, out[4].Error)
}

func TestSlope_InsufficientData(t *testing.T) {
	t.Parallel()

	_, err := NewSlope("ax").Compute(Inputs{Series: Series{X: []float64{0}, Y: []float64{1}}})
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewSlope("ax").Compute(Inputs{Series: Series{X: []float64{1, 1}, Y: []float64{1, 2}}})
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestWindow_KeepsMostRecent(t *testing.T) {
	t.Parallel()

	w := NewWindow(2)
	w.Push(rec(0, f("a", 1)))
	w.Push(rec(time.Millisecond, f("a", 2)))
	w.Push(rec(2*time.Millisecond, f("a", 3)))

	got := w.Records()
	require.Len(t, got, 2)
	v, _ := got[0].Field("a")
	assert.InDelta(t, 2.0, v, 0)

	w.Reset()
	assert.Empty(t, w.Records())
}

func TestWindow_Run(t *testing.T) {
	t.Parallel()

	h := hub.New(zerolog.Nop())
	sub := h.Subscribe("analysis", 8)
	w := NewWindow(8)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background(), sub) }()

	h.Publish(rec(0, f("a", 1)))
	require.Eventually(t, func() bool { return len(w.Records()) == 1 }, time.Second, 5*time.Millisecond)

	h.Close()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("window did not stop when the hub closed")
	}
}
