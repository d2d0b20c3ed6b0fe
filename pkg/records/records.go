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

// Package records defines the values that flow through SerialScope: lines
// received from a device and messages composed for transmission to it.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// StatusMarker is the reserved character that marks a name:value pair as a
// status flag instead of a numeric channel.
const StatusMarker = "!"

// Unit is the time unit tag carried in the first character of a line.
type Unit byte

const (
	UnitMilliseconds Unit = 'm'
	UnitMicroseconds Unit = 'u'
)

// Known reports whether the unit tag is one the clock synchronizer can
// convert.
func (u Unit) Known() bool {
	return u == UnitMilliseconds || u == UnitMicroseconds
}

// Duration converts a device tick count in this unit to a host duration.
// The second return value is false for unknown units.
func (u Unit) Duration(ticks int64) (time.Duration, bool) {
	switch u {
	case UnitMilliseconds:
		return time.Duration(ticks) * time.Millisecond, true
	case UnitMicroseconds:
		return time.Duration(ticks) * time.Microsecond, true
	default:
		return 0, false
	}
}

func (u Unit) String() string {
	switch u {
	case UnitMilliseconds:
		return "ms"
	case UnitMicroseconds:
		return "us"
	default:
		return fmt.Sprintf("unknown(%q)", rune(u))
	}
}

// Field is a numeric channel value.
type Field struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Status is a non-numeric state flag.
type Status struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IsStatusName reports whether a pair with this name is a status.
func IsStatusName(name string) bool {
	return strings.Contains(name, StatusMarker)
}

// Message is the closed set of values that can appear in a session journal:
// Received and Transmit. Use a type switch to consume it.
type Message interface {
	isMessage()
}

// Received is one parsed line from the device. It is immutable once built;
// accessors return copies of the slices.
type Received struct {
	hostTime        time.Time
	raw             string
	fields          []Field
	statuses        []Status
	deviceTimestamp uint64
	unit            Unit
	synced          bool
}

func (Received) isMessage() {}

// NewReceived builds a record that has not been synchronized yet.
func NewReceived(raw string, unit Unit, deviceTimestamp uint64, fields []Field, statuses []Status) Received {
	return Received{
		raw:             raw,
		unit:            unit,
		deviceTimestamp: deviceTimestamp,
		fields:          slices.Clone(fields),
		statuses:        slices.Clone(statuses),
	}
}

func (r Received) Raw() string             { return r.raw }
func (r Received) Unit() Unit              { return r.unit }
func (r Received) DeviceTimestamp() uint64 { return r.deviceTimestamp }
func (r Received) Fields() []Field         { return slices.Clone(r.fields) }
func (r Received) Statuses() []Status      { return slices.Clone(r.statuses) }

// HostOffsetTime is the device timestamp projected onto the host clock. It
// is absent until the record has passed through the clock synchronizer.
func (r Received) HostOffsetTime() (time.Time, bool) {
	return r.hostTime, r.synced
}

// WithHostTime returns a synchronized copy of the record.
func (r Received) WithHostTime(t time.Time) Received {
	r.hostTime = t
	r.synced = true
	return r
}

// Field returns the value of the named numeric channel.
func (r Received) Field(name string) (float64, bool) {
	for _, f := range r.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

type receivedJSON struct {
	HostTime        *time.Time `json:"host_time,omitempty"`
	Unit            string     `json:"unit"`
	Raw             string     `json:"raw"`
	Fields          []Field    `json:"fields"`
	Statuses        []Status   `json:"statuses"`
	DeviceTimestamp uint64     `json:"device_timestamp"`
}

func (r Received) MarshalJSON() ([]byte, error) {
	out := receivedJSON{
		Unit:            string(rune(r.unit)),
		Raw:             r.raw,
		Fields:          r.fields,
		Statuses:        r.statuses,
		DeviceTimestamp: r.deviceTimestamp,
	}
	if out.Fields == nil {
		out.Fields = []Field{}
	}
	if out.Statuses == nil {
		out.Statuses = []Status{}
	}
	if r.synced {
		t := r.hostTime
		out.HostTime = &t
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal received record: %w", err)
	}
	return data, nil
}

// LineEnding is the terminator appended to an outgoing message.
type LineEnding int

const (
	LineEndingNone LineEnding = iota
	LineEndingLF
	LineEndingCR
	LineEndingCRLF
)

var ErrInvalidLineEnding = errors.New("invalid line ending")

// ParseLineEnding accepts none, lf, cr and crlf in any case. An empty
// string means none.
func ParseLineEnding(s string) (LineEnding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LineEndingNone, nil
	case "lf":
		return LineEndingLF, nil
	case "cr":
		return LineEndingCR, nil
	case "crlf":
		return LineEndingCRLF, nil
	default:
		return LineEndingNone, fmt.Errorf("%w: %q", ErrInvalidLineEnding, s)
	}
}

func (le LineEnding) String() string {
	switch le {
	case LineEndingLF:
		return "LF"
	case LineEndingCR:
		return "CR"
	case LineEndingCRLF:
		return "CRLF"
	default:
		return "none"
	}
}

func (le LineEnding) MarshalText() ([]byte, error) {
	return []byte(le.String()), nil
}

func (le *LineEnding) UnmarshalText(text []byte) error {
	parsed, err := ParseLineEnding(string(text))
	if err != nil {
		return err
	}
	*le = parsed
	return nil
}

// Suffix returns the bytes appended to the message on the wire.
func (le LineEnding) Suffix() string {
	switch le {
	case LineEndingLF:
		return "\n"
	case LineEndingCR:
		return "\r"
	case LineEndingCRLF:
		return "\r\n"
	default:
		return ""
	}
}

// Transmit is an operator-composed message for the device. It is consumed
// exactly once by the ingestion loop.
type Transmit struct {
	LocalTime  time.Time  `json:"local_time"`
	Message    string     `json:"message"`
	LineEnding LineEnding `json:"line_ending"`
}

func (Transmit) isMessage() {}

// NewTransmit stamps a message with the time it was composed.
func NewTransmit(message string, ending LineEnding, now time.Time) Transmit {
	return Transmit{
		Message:    message,
		LineEnding: ending,
		LocalTime:  now,
	}
}

// Bytes is the exact payload written to the wire.
func (t Transmit) Bytes() []byte {
	return []byte(t.Message + t.LineEnding.Suffix())
}
