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

// Package parser turns raw device lines into records.
//
// Lines have the form:
//
//	<unit><device timestamp>::<name>:<value>,<name>:<value>,...
//
// where unit is a single byte ('m' or 'u'), the timestamp is an unsigned
// base-10 integer, and names containing '!' carry status text instead of a
// numeric value. Parsing is all-or-nothing: a line either yields a complete
// record or an error.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ZaparooProject/serialscope/pkg/records"
)

const (
	// Delimiter separates the timestamp header from the pair list.
	Delimiter     = "::"
	pairSeparator = ","
	nameSeparator = ":"
)

// ErrParse is wrapped by every parse failure.
var ErrParse = errors.New("malformed line")

// Error describes why a line was rejected.
type Error struct {
	Line   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("malformed line %q: %s", e.Line, e.Reason)
}

func (*Error) Unwrap() error {
	return ErrParse
}

func fail(line, format string, args ...any) error {
	return &Error{Line: line, Reason: fmt.Sprintf(format, args...)}
}

// Parse parses a single line. Trailing carriage returns and newlines are
// ignored.
func Parse(line string) (records.Received, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return records.Received{}, fail(line, "empty line")
	}

	idx := strings.Index(trimmed, Delimiter)
	if idx < 0 {
		return records.Received{}, fail(line, "missing %q delimiter", Delimiter)
	}
	if idx == 0 {
		return records.Received{}, fail(line, "missing unit tag")
	}

	unit := records.Unit(trimmed[0])
	tsText := trimmed[1:idx]
	if tsText == "" {
		return records.Received{}, fail(line, "missing device timestamp")
	}
	ts, err := strconv.ParseUint(tsText, 10, 64)
	if err != nil {
		return records.Received{}, fail(line, "invalid device timestamp %q", tsText)
	}

	body := trimmed[idx+len(Delimiter):]
	pairs := strings.Split(body, pairSeparator)

	fields := make([]records.Field, 0, len(pairs))
	var statuses []records.Status
	for i, pair := range pairs {
		if pair == "" {
			return records.Received{}, fail(line, "empty pair at position %d", i)
		}
		name, value, found := strings.Cut(pair, nameSeparator)
		if !found {
			return records.Received{}, fail(line, "pair %q has no %q", pair, nameSeparator)
		}
		if name == "" {
			return records.Received{}, fail(line, "pair %q has an empty name", pair)
		}

		if records.IsStatusName(name) {
			statuses = append(statuses, records.Status{Name: name, Value: value})
			continue
		}

		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return records.Received{}, fail(line, "value %q of %q is not a number", value, name)
		}
		fields = append(fields, records.Field{Name: name, Value: f})
	}

	return records.NewReceived(trimmed, unit, ts, fields, statuses), nil
}

// Format renders a record back into wire form. Fields are written before
// statuses; each group keeps its original order.
func Format(r records.Received) string {
	var sb strings.Builder
	sb.WriteByte(byte(r.Unit()))
	sb.WriteString(strconv.FormatUint(r.DeviceTimestamp(), 10))
	sb.WriteString(Delimiter)

	first := true
	sep := func() {
		if !first {
			sb.WriteString(pairSeparator)
		}
		first = false
	}
	for _, f := range r.Fields() {
		sep()
		sb.WriteString(f.Name)
		sb.WriteString(nameSeparator)
		sb.WriteString(strconv.FormatFloat(f.Value, 'g', -1, 64))
	}
	for _, s := range r.Statuses() {
		sep()
		sb.WriteString(s.Name)
		sb.WriteString(nameSeparator)
		sb.WriteString(s.Value)
	}
	return sb.String()
}
