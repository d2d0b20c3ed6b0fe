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

package helpers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls where the process logger writes.
type LogOptions struct {
	// Dir holds the rotating log file. Empty disables file logging.
	Dir  string
	File string
	// Writers are added alongside the file. Nil entries are skipped.
	Writers []io.Writer
	Level   zerolog.Level
}

var stackOnce sync.Once

// InitLogging builds the process logger. Library packages never use a
// global logger; the returned logger is handed to each component.
func InitLogging(opts LogOptions) (zerolog.Logger, error) {
	var logWriters []io.Writer

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
		}
		logWriters = append(logWriters, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, opts.File),
			MaxSize:    1,
			MaxBackups: 2,
		})
	}

	for _, w := range opts.Writers {
		if w != nil {
			logWriters = append(logWriters, w)
		}
	}
	if len(logWriters) == 0 {
		logWriters = append(logWriters, io.Discard)
	}

	stackOnce.Do(func() {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	})

	return zerolog.New(zerolog.MultiLevelWriter(logWriters...)).
		Level(opts.Level).
		With().Timestamp().Caller().Logger(), nil
}

// ConsoleWriter is the human-readable writer used by the CLI.
func ConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
}
