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

// Package telemetry provides opt-in error reporting via Sentry.
// All PII is stripped before transmission.
package telemetry

import (
	"fmt"
	"io"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	sentryzerolog "github.com/getsentry/sentry-go/zerolog"
	"github.com/rs/zerolog"
)

const flushTimeout = 2 * time.Second

var (
	// Patterns to strip usernames from file paths
	homePathRe    = regexp.MustCompile(`(?i)/home/[^/]+/`)
	usersPathRe   = regexp.MustCompile(`(?i)/Users/[^/]+/`)
	windowsUserRe = regexp.MustCompile(`(?i)[a-zA-Z]:\\Users\\[^\\]+\\`)
)

// Options configures error reporting. Reporting stays off unless Enabled is
// set and a DSN is given.
type Options struct {
	DSN         string
	DeviceID    string
	Version     string
	Environment string
	Enabled     bool
}

// Reporter owns a Sentry hub and the zerolog writer feeding it. The zero
// value and a nil *Reporter are disabled reporters.
type Reporter struct {
	hub       *sentry.Hub
	writer    *sentryzerolog.Writer
	closeOnce sync.Once
}

// Init creates a reporter. A disabled reporter is returned without error
// when opts does not turn reporting on.
func Init(opts Options, logger zerolog.Logger) (*Reporter, error) {
	if !opts.Enabled || opts.DSN == "" {
		logger.Debug().Msg("error reporting disabled")
		return &Reporter{}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              opts.DSN,
		Release:          "serialscope@" + opts.Version,
		Environment:      opts.Environment,
		AttachStacktrace: true,
		// Privacy: explicitly disable PII collection
		SendDefaultPII: false,
		ServerName:     "",
		MaxBreadcrumbs: 0,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return sanitizeEvent(event)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: opts.DeviceID})
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
	})

	writer, err := sentryzerolog.NewWithHub(hub, sentryzerolog.Options{
		Levels:          []zerolog.Level{zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel},
		FlushTimeout:    flushTimeout,
		WithBreadcrumbs: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry zerolog writer: %w", err)
	}

	logger.Info().Msg("error reporting enabled")
	return &Reporter{hub: hub, writer: writer}, nil
}

// Enabled reports whether events are being sent.
func (r *Reporter) Enabled() bool {
	return r != nil && r.writer != nil
}

// Writer is added to the process log writers so error-level log events are
// reported. It is nil when reporting is disabled.
func (r *Reporter) Writer() io.Writer {
	if !r.Enabled() {
		return nil
	}
	return r.writer
}

// Flush waits for pending events to be sent. Call it before os.Exit.
func (r *Reporter) Flush() {
	if !r.Enabled() {
		return
	}
	r.hub.Flush(flushTimeout)
}

// Close flushes pending events and releases the writer. Safe to call
// multiple times.
func (r *Reporter) Close() {
	if !r.Enabled() {
		return
	}
	r.closeOnce.Do(func() {
		_ = r.writer.Close()
		r.hub.Flush(flushTimeout)
	})
}

// sanitizeEvent removes PII from Sentry events before sending.
func sanitizeEvent(event *sentry.Event) *sentry.Event {
	// SDK may populate the hostname despite ServerName: ""
	event.ServerName = ""

	for i := range event.Exception {
		if event.Exception[i].Stacktrace != nil {
			for j := range event.Exception[i].Stacktrace.Frames {
				frame := &event.Exception[i].Stacktrace.Frames[j]
				frame.AbsPath = sanitizePath(frame.AbsPath)
				frame.Filename = sanitizePath(frame.Filename)
			}
		}
	}

	event.Message = sanitizePath(event.Message)

	for k, v := range event.Extra {
		if s, ok := v.(string); ok {
			event.Extra[k] = sanitizePath(s)
		}
	}

	return event
}

// sanitizePath removes usernames from file paths.
func sanitizePath(path string) string {
	if path == "" {
		return path
	}

	result := homePathRe.ReplaceAllString(path, "/home/<user>/")
	result = usersPathRe.ReplaceAllString(result, "/Users/<user>/")
	result = windowsUserRe.ReplaceAllString(result, "C:\\Users\\<user>\\")

	return result
}
