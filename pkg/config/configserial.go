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

package config

import (
	"path/filepath"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/records"
)

const (
	DefaultBaud              = 115200
	DefaultReadTimeout       = "100ms"
	DefaultLatchTimeout      = 50
	DefaultHeartbeatInterval = "5s"
	DefaultTransmitQueue     = 16
	DefaultTransmitBatch     = 8
	DefaultRecordBuffer      = 5000
)

type Serial struct {
	Port        string `toml:"port,omitempty"`
	ReadTimeout string `toml:"read_timeout" validate:"omitempty,duration"`
	LineEnding  string `toml:"line_ending" validate:"omitempty,lineending"`
	Baud        int    `toml:"baud" validate:"min=50,max=4000000"`
}

type Session struct {
	FriendlyName      string `toml:"friendly_name,omitempty"`
	HeartbeatInterval string `toml:"heartbeat_interval" validate:"omitempty,duration"`
	LatchTimeout      int    `toml:"latch_timeout" validate:"min=1"`
	TransmitQueue     int    `toml:"transmit_queue" validate:"min=1,max=4096"`
	TransmitBatch     int    `toml:"transmit_batch" validate:"min=1,max=4096"`
	RecordBuffer      int    `toml:"record_buffer" validate:"min=1"`
}

type Journal struct {
	Dir     string `toml:"dir,omitempty"`
	Enabled bool   `toml:"enabled"`
}

func parseDuration(s, fallback string) time.Duration {
	if s == "" {
		s = fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func (c *Instance) SerialPort() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Serial.Port
}

func (c *Instance) SetSerialPort(port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.Port = port
}

func (c *Instance) Baud() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Serial.Baud
}

func (c *Instance) SetBaud(baud int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Serial.Baud = baud
}

func (c *Instance) ReadTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.vals.Serial.ReadTimeout, DefaultReadTimeout)
}

// LineEnding is the terminator appended to transmitted messages.
func (c *Instance) LineEnding() records.LineEnding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	le, err := records.ParseLineEnding(c.vals.Serial.LineEnding)
	if err != nil {
		return records.LineEndingLF
	}
	return le
}

func (c *Instance) FriendlyName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session.FriendlyName
}

func (c *Instance) LatchTimeout() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session.LatchTimeout
}

func (c *Instance) SetLatchTimeout(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Session.LatchTimeout = n
}

func (c *Instance) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return parseDuration(c.vals.Session.HeartbeatInterval, DefaultHeartbeatInterval)
}

func (c *Instance) TransmitQueue() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session.TransmitQueue
}

func (c *Instance) TransmitBatch() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session.TransmitBatch
}

func (c *Instance) RecordBuffer() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Session.RecordBuffer
}

func (c *Instance) JournalEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Journal.Enabled
}

func (c *Instance) SetJournalEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Journal.Enabled = enabled
}

// JournalDir resolves the journal directory. Relative paths are taken from
// dataDir.
func (c *Instance) JournalDir(dataDir string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := c.vals.Journal.Dir
	if dir == "" {
		return filepath.Join(dataDir, JournalDir)
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(dataDir, dir)
}
