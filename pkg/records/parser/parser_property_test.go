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

package parser

import (
	"strconv"
	"strings"
	"testing"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"pgregory.net/rapid"
)

// ============================================================================
// Generators
// ============================================================================

func fieldNameGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z][a-z0-9_]{0,11}`)
}

func statusNameGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z][a-z0-9_]{0,9}!`)
}

func statusValueGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-zA-Z0-9_.]{0,12}`)
}

func unitGen() *rapid.Generator[records.Unit] {
	return rapid.SampledFrom([]records.Unit{records.UnitMilliseconds, records.UnitMicroseconds})
}

type generatedLine struct {
	line     string
	fields   []records.Field
	statuses []records.Status
	ts       uint64
	unit     records.Unit
}

func lineGen() *rapid.Generator[generatedLine] {
	return rapid.Custom(func(t *rapid.T) generatedLine {
		g := generatedLine{
			unit: unitGen().Draw(t, "unit"),
			ts:   rapid.Uint64().Draw(t, "ts"),
		}
		n := rapid.IntRange(1, 8).Draw(t, "pairs")
		pairs := make([]string, 0, n)
		for i := range n {
			if rapid.Bool().Draw(t, "isStatus"+strconv.Itoa(i)) {
				s := records.Status{
					Name:  statusNameGen().Draw(t, "sname"),
					Value: statusValueGen().Draw(t, "svalue"),
				}
				g.statuses = append(g.statuses, s)
				pairs = append(pairs, s.Name+":"+s.Value)
				continue
			}
			f := records.Field{
				Name:  fieldNameGen().Draw(t, "fname"),
				Value: rapid.Float64Range(-1e9, 1e9).Draw(t, "fvalue"),
			}
			g.fields = append(g.fields, f)
			pairs = append(pairs, f.Name+":"+strconv.FormatFloat(f.Value, 'g', -1, 64))
		}
		g.line = string(rune(g.unit)) + strconv.FormatUint(g.ts, 10) + Delimiter + strings.Join(pairs, ",")
		return g
	})
}

// ============================================================================
// Properties
// ============================================================================

// TestPropertyParseRecoversPairs verifies well-formed lines recover their
// name/value sets with per-group order preserved.
func TestPropertyParseRecoversPairs(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		g := lineGen().Draw(t, "line")

		r, err := Parse(g.line)
		if err != nil {
			t.Fatalf("well-formed line rejected: %q: %v", g.line, err)
		}
		if r.Unit() != g.unit || r.DeviceTimestamp() != g.ts {
			t.Fatalf("header mismatch for %q", g.line)
		}

		fields := r.Fields()
		if len(fields) != len(g.fields) {
			t.Fatalf("field count %d != %d", len(fields), len(g.fields))
		}
		for i := range fields {
			if fields[i] != g.fields[i] {
				t.Fatalf("field %d: %+v != %+v", i, fields[i], g.fields[i])
			}
		}

		statuses := r.Statuses()
		if len(statuses) != len(g.statuses) {
			t.Fatalf("status count %d != %d", len(statuses), len(g.statuses))
		}
		for i := range statuses {
			if statuses[i] != g.statuses[i] {
				t.Fatalf("status %d: %+v != %+v", i, statuses[i], g.statuses[i])
			}
		}
	})
}

// TestPropertyFormatRoundTrip verifies Format output parses back to the same
// record content.
func TestPropertyFormatRoundTrip(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		g := lineGen().Draw(t, "line")

		r1, err := Parse(g.line)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		r2, err := Parse(Format(r1))
		if err != nil {
			t.Fatalf("reparse of %q: %v", Format(r1), err)
		}
		if Format(r1) != Format(r2) {
			t.Fatalf("round trip mismatch: %q vs %q", Format(r1), Format(r2))
		}
	})
}

// TestPropertyMissingDelimiterFails verifies lines without "::" never parse.
func TestPropertyMissingDelimiterFails(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		g := lineGen().Draw(t, "line")
		broken := strings.Replace(g.line, Delimiter, ":", 1)

		if _, err := Parse(broken); err == nil {
			t.Fatalf("line without delimiter parsed: %q", broken)
		}
	})
}

// TestPropertyPairWithoutColonFails verifies a pair lacking a colon rejects
// the whole line.
func TestPropertyPairWithoutColonFails(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		g := lineGen().Draw(t, "line")
		bad := fieldNameGen().Draw(t, "bad")

		r, err := Parse(g.line + "," + bad)
		if err == nil {
			t.Fatalf("pair without colon accepted: %q", g.line+","+bad)
		}
		if len(r.Fields()) != 0 || len(r.Statuses()) != 0 {
			t.Fatalf("partial record surfaced")
		}
	})
}
