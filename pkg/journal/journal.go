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

// Package journal persists a session's traffic to a JSON file.
//
// A journal file holds a header object describing the connection and a data
// list of stringified ["RX", {...}] / ["TX", {...}] entries. Every write
// reads the existing file, merges the new content and rewrites the whole
// file. Journals are bounded by session length, so the rewrite stays cheap.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	// KeyTimeLayout names sessions that have no friendly name.
	KeyTimeLayout = "2006-01-02_15-04-05"
	Extension     = ".json"

	TagRX = "RX"
	TagTX = "TX"
)

// Header describes the connection a journal belongs to.
type Header struct {
	Port             string `json:"port"`
	Description      string `json:"description"`
	HardwareID       string `json:"hardware_id"`
	Baud             string `json:"baud"`
	LocalConnectTime string `json:"local_connect_time"`
	SessionID        string `json:"session_id,omitempty"`
}

func (h Header) fields() map[string]string {
	m := map[string]string{
		"port":               h.Port,
		"description":        h.Description,
		"hardware_id":        h.HardwareID,
		"baud":               h.Baud,
		"local_connect_time": h.LocalConnectTime,
	}
	if h.SessionID != "" {
		m["session_id"] = h.SessionID
	}
	return m
}

// File is the on-disk layout.
type File struct {
	Header map[string]string `json:"header"`
	Data   []string          `json:"data"`
}

type rxEntry struct {
	RawLine          string  `json:"raw_line"`
	DeviceOffsetTime float64 `json:"device_offset_time"`
}

type txEntry struct {
	LocalTime  float64 `json:"local_time"`
	LineEnding string  `json:"line_ending"`
	Message    string  `json:"message"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Encode stringifies one message as a journal data entry.
func Encode(m records.Message) (string, error) {
	var tuple [2]any
	switch v := m.(type) {
	case records.Received:
		host, _ := v.HostOffsetTime()
		entry := rxEntry{RawLine: v.Raw()}
		if !host.IsZero() {
			entry.DeviceOffsetTime = unixSeconds(host)
		}
		tuple = [2]any{TagRX, entry}
	case records.Transmit:
		tuple = [2]any{TagTX, txEntry{
			LocalTime:  unixSeconds(v.LocalTime),
			LineEnding: v.LineEnding.String(),
			Message:    v.Message,
		}}
	default:
		return "", fmt.Errorf("unsupported message type %T", m)
	}

	data, err := json.Marshal(tuple)
	if err != nil {
		return "", fmt.Errorf("failed to encode journal entry: %w", err)
	}
	return string(data), nil
}

// SessionKey chooses the journal name: the friendly name when set,
// otherwise the connect time. Path separators are replaced so the key
// always names a file inside the journal directory.
func SessionKey(friendlyName string, connected time.Time) string {
	name := strings.TrimSpace(friendlyName)
	if name == "" {
		return connected.Format(KeyTimeLayout)
	}
	name = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	if name == "." || name == ".." {
		name = strings.ReplaceAll(name, ".", "_")
	}
	return name
}

// Journal writes one session's file. The zero value is not usable; use New
// or Disabled.
type Journal struct {
	fs      afero.Fs
	log     zerolog.Logger
	path    string
	mu      syncutil.Mutex
	enabled bool
}

// New creates a journal for key inside dir.
func New(fs afero.Fs, dir, key string, logger zerolog.Logger) *Journal {
	return &Journal{
		fs:      fs,
		path:    filepath.Join(dir, key+Extension),
		enabled: true,
		log:     logger.With().Str("component", "journal").Logger(),
	}
}

// Disabled returns a journal that never touches the filesystem.
func Disabled() *Journal {
	return &Journal{log: zerolog.Nop()}
}

func (j *Journal) Enabled() bool { return j.enabled }
func (j *Journal) Path() string  { return j.path }

// WriteHeader merges h into the file's header.
func (j *Journal) WriteHeader(h Header) error {
	if !j.enabled {
		return nil
	}
	return j.update(h.fields(), nil)
}

// Append adds msgs to the file's data list. An empty batch is a no-op.
func (j *Journal) Append(msgs []records.Message) error {
	if !j.enabled || len(msgs) == 0 {
		return nil
	}
	entries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e, err := Encode(m)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	return j.update(nil, entries)
}

func (j *Journal) update(header map[string]string, entries []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0o750); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	existing, err := j.read()
	if err != nil {
		return err
	}

	for k, v := range header {
		existing.Header[k] = v
	}
	existing.Data = append(existing.Data, entries...)

	data, err := json.MarshalIndent(existing, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal: %w", err)
	}

	tmp := j.path + ".tmp"
	if err := afero.WriteFile(j.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := j.fs.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	j.log.Debug().
		Str("path", j.path).
		Int("entries", len(entries)).
		Int("total", len(existing.Data)).
		Msg("journal written")
	return nil
}

// read loads the current file. A missing file or unreadable content starts
// a fresh journal.
func (j *Journal) read() (File, error) {
	fresh := File{Header: map[string]string{}, Data: []string{}}

	data, err := afero.ReadFile(j.fs, j.path)
	if errors.Is(err, os.ErrNotExist) {
		return fresh, nil
	} else if err != nil {
		return File{}, fmt.Errorf("failed to read journal: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		j.log.Warn().Err(err).Str("path", j.path).Msg("journal content unreadable, starting over")
		return fresh, nil
	}
	if f.Header == nil {
		f.Header = map[string]string{}
	}
	if f.Data == nil {
		f.Data = []string{}
	}
	return f, nil
}

// Entry is a decoded data element.
type Entry struct {
	Tag string
	// RX
	RawLine          string
	DeviceOffsetTime float64
	// TX
	Message    string
	LineEnding string
	LocalTime  float64
}

// Load reads a journal file from disk.
func Load(fs afero.Fs, path string) (File, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read journal: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse journal %s: %w", path, err)
	}
	return f, nil
}

// Decode parses a stringified data element.
func Decode(s string) (Entry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Entry{}, fmt.Errorf("failed to decode journal entry: %w", err)
	}
	if len(raw) != 2 {
		return Entry{}, fmt.Errorf("journal entry has %d elements, want 2", len(raw))
	}

	var e Entry
	if err := json.Unmarshal(raw[0], &e.Tag); err != nil {
		return Entry{}, fmt.Errorf("failed to decode journal tag: %w", err)
	}

	switch e.Tag {
	case TagRX:
		var rx rxEntry
		if err := json.Unmarshal(raw[1], &rx); err != nil {
			return Entry{}, fmt.Errorf("failed to decode RX entry: %w", err)
		}
		e.RawLine = rx.RawLine
		e.DeviceOffsetTime = rx.DeviceOffsetTime
	case TagTX:
		var tx txEntry
		if err := json.Unmarshal(raw[1], &tx); err != nil {
			return Entry{}, fmt.Errorf("failed to decode TX entry: %w", err)
		}
		e.Message = tx.Message
		e.LineEnding = tx.LineEnding
		e.LocalTime = tx.LocalTime
	default:
		return Entry{}, fmt.Errorf("unknown journal tag %q", e.Tag)
	}
	return e, nil
}

// FormatBaud renders a baud rate for the header.
func FormatBaud(baud int) string {
	return strconv.Itoa(baud)
}
