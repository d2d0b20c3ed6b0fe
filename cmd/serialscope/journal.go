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

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/journal"
	"github.com/spf13/cobra"
)

var headerOrder = []string{
	"port", "description", "hardware_id", "baud", "local_connect_time", "session_id",
}

func newJournalCmd(a *app) *cobra.Command {
	var entries bool

	cmd := &cobra.Command{
		Use:   "journal <file>",
		Short: "Summarize a session journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := journal.Load(a.fs, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, k := range headerKeys(f.Header) {
				_, _ = fmt.Fprintf(out, "%-19s %s\n", k+":", f.Header[k])
			}

			var rx, tx, bad int
			for i, s := range f.Data {
				e, err := journal.Decode(s)
				if err != nil {
					bad++
					if entries {
						_, _ = fmt.Fprintf(out, "%6d  ?? %v\n", i, err)
					}
					continue
				}
				switch e.Tag {
				case journal.TagRX:
					rx++
					if entries {
						_, _ = fmt.Fprintf(out, "%6d  RX %s  %s\n", i, formatUnix(e.DeviceOffsetTime), e.RawLine)
					}
				case journal.TagTX:
					tx++
					if entries {
						_, _ = fmt.Fprintf(out, "%6d  TX %s  %q (%s)\n",
							i, formatUnix(e.LocalTime), e.Message, e.LineEnding)
					}
				}
			}

			_, _ = fmt.Fprintf(out, "entries: %d received, %d transmitted", rx, tx)
			if bad > 0 {
				_, _ = fmt.Fprintf(out, ", %d unreadable", bad)
			}
			_, _ = fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().BoolVar(&entries, "entries", false, "print every entry")
	return cmd
}

// headerKeys lists the known header keys in file order, then any others.
func headerKeys(h map[string]string) []string {
	keys := make([]string, 0, len(h))
	known := make(map[string]bool, len(headerOrder))
	for _, k := range headerOrder {
		known[k] = true
		if _, ok := h[k]; ok {
			keys = append(keys, k)
		}
	}
	var extra []string
	for k := range h {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// formatUnix renders journal timestamps, which are Unix seconds. Zero means
// the record arrived before the clock was synchronized.
func formatUnix(sec float64) string {
	if sec == 0 {
		return "unsynchronized"
	}
	return time.Unix(0, int64(sec*float64(time.Second))).UTC().Format("2006-01-02T15:04:05.000Z")
}
