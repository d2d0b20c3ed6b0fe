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
	"testing"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigDir = "/cfg"

func newTestConfig(t *testing.T, fs afero.Fs) *Instance {
	t.Helper()
	cfg, err := NewConfig(fs, testConfigDir, BaseDefaults, zerolog.Nop())
	require.NoError(t, err)
	return cfg
}

func writeConfig(t *testing.T, fs afero.Fs, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(testConfigDir, 0o750))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(testConfigDir, CfgFile), []byte(content), 0o600))
}

func TestNewConfig_WritesDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := newTestConfig(t, fs)

	exists, err := afero.Exists(fs, filepath.Join(testConfigDir, CfgFile))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, DefaultBaud, cfg.Baud())
	assert.Equal(t, DefaultLatchTimeout, cfg.LatchTimeout())
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.ReadTimeout())
	assert.Equal(t, DefaultTransmitQueue, cfg.TransmitQueue())
	assert.Equal(t, DefaultTransmitBatch, cfg.TransmitBatch())
	assert.Equal(t, DefaultRecordBuffer, cfg.RecordBuffer())
	assert.Equal(t, records.LineEndingLF, cfg.LineEnding())
	assert.True(t, cfg.JournalEnabled())
	assert.NotEmpty(t, cfg.DeviceID(), "a device id is generated on first save")
	assert.Equal(t, ":7590", cfg.APIListen())
	assert.InDelta(t, DefaultTransmitRate, cfg.TransmitRate(), 0)
	assert.Equal(t, DefaultTransmitBurst, cfg.TransmitBurst())
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestNewConfig_FileValuesOverDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, `
config_schema = 1
debug_logging = true

[serial]
port = "/dev/ttyACM0"
baud = 9600
line_ending = "CRLF"

[session]
friendly_name = "bench"
latch_timeout = 3
heartbeat_interval = "250ms"

[journal]
enabled = false
dir = "logs"

[service]
api_port = 8080
transmit_rate = 2.5

[[service.publishers.mqtt]]
broker = "tcp://localhost:1883"
topic = "serialscope/records"
enabled = false
`)

	cfg := newTestConfig(t, fs)

	assert.Equal(t, "/dev/ttyACM0", cfg.SerialPort())
	assert.Equal(t, 9600, cfg.Baud())
	assert.Equal(t, records.LineEndingCRLF, cfg.LineEnding())
	assert.Equal(t, "bench", cfg.FriendlyName())
	assert.Equal(t, 3, cfg.LatchTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, DefaultTransmitQueue, cfg.TransmitQueue(), "missing keys keep defaults")
	assert.False(t, cfg.JournalEnabled())
	assert.Equal(t, filepath.Join("/data", "logs"), cfg.JournalDir("/data"))
	assert.Equal(t, ":8080", cfg.APIListen())
	assert.InDelta(t, 2.5, cfg.TransmitRate(), 0)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())

	pubs := cfg.MQTTPublishers()
	require.Len(t, pubs, 1)
	assert.Equal(t, "serialscope/records", pubs[0].Topic)
	assert.False(t, pubs[0].IsEnabled())
}

func TestLoad_SchemaMismatch(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "config_schema = 99\n")

	_, err := NewConfig(fs, testConfigDir, BaseDefaults, zerolog.Nop())
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestLoad_InvalidTOML(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "config_schema = [")

	_, err := NewConfig(fs, testConfigDir, BaseDefaults, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config")
}

func TestLoad_ValidationFailureKeepsValues(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := newTestConfig(t, fs)

	writeConfig(t, fs, `
config_schema = 1
[session]
latch_timeout = 0
heartbeat_interval = "soon"
[serial]
baud = 9600
`)
	err := cfg.Load()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "Session.LatchTimeout must be at least 1")
	assert.Contains(t, err.Error(), "Session.HeartbeatInterval must be a positive duration")
	assert.Equal(t, DefaultBaud, cfg.Baud(), "rejected file does not replace values")
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := newTestConfig(t, fs)
	id := cfg.DeviceID()

	cfg.SetSerialPort("COM4")
	cfg.SetBaud(57600)
	cfg.SetLatchTimeout(9)
	cfg.SetJournalEnabled(false)
	cfg.SetAPIPort(9000)
	cfg.SetDebugLogging(true)
	require.NoError(t, cfg.Save())

	reloaded := newTestConfig(t, fs)
	assert.Equal(t, "COM4", reloaded.SerialPort())
	assert.Equal(t, 57600, reloaded.Baud())
	assert.Equal(t, 9, reloaded.LatchTimeout())
	assert.False(t, reloaded.JournalEnabled())
	assert.Equal(t, 9000, reloaded.APIPort())
	assert.True(t, reloaded.DebugLogging())
	assert.Equal(t, id, reloaded.DeviceID(), "device id is stable")
}

func TestJournalDir(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := newTestConfig(t, fs)
	assert.Equal(t, filepath.Join("/data", JournalDir), cfg.JournalDir("/data"))

	writeConfig(t, fs, "config_schema = 1\n[journal]\ndir = \"/abs/journals\"\n")
	require.NoError(t, cfg.Load())
	assert.Equal(t, "/abs/journals", cfg.JournalDir("/data"))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	port := 70000
	rate := -1.0

	tests := []struct {
		mutate  func(v *Values)
		name    string
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Values) {}},
		{
			name:    "bad line ending",
			mutate:  func(v *Values) { v.Serial.LineEnding = "lfcr" },
			wantErr: "Serial.LineEnding must be one of",
		},
		{
			name:    "baud too low",
			mutate:  func(v *Values) { v.Serial.Baud = 10 },
			wantErr: "Serial.Baud must be at least 50",
		},
		{
			name:    "api port out of range",
			mutate:  func(v *Values) { v.Service.APIPort = &port },
			wantErr: "Service.APIPort must be at most 65535",
		},
		{
			name:    "negative transmit rate",
			mutate:  func(v *Values) { v.Service.TransmitRate = &rate },
			wantErr: "Service.TransmitRate must be greater than 0",
		},
		{
			name: "mqtt publisher without topic",
			mutate: func(v *Values) {
				v.Service.Publishers.MQTT = []MQTTPublisher{{Broker: "tcp://b:1883"}}
			},
			wantErr: "Topic is required",
		},
		{
			name:    "bad sentry dsn",
			mutate:  func(v *Values) { v.Telemetry.SentryDSN = "not a url" },
			wantErr: "Telemetry.SentryDSN failed url validation",
		},
		{
			name:    "zero read timeout",
			mutate:  func(v *Values) { v.Serial.ReadTimeout = "0s" },
			wantErr: "Serial.ReadTimeout must be a positive duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			vals := BaseDefaults
			tt.mutate(&vals)
			err := Validate(&vals)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMQTTPublisher_IsEnabled(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	assert.True(t, MQTTPublisher{}.IsEnabled())
	assert.True(t, MQTTPublisher{Enabled: &yes}.IsEnabled())
	assert.False(t, MQTTPublisher{Enabled: &no}.IsEnabled())
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg := newTestConfig(t, fs)
	assert.True(t, cfg.DiscoveryEnabled())
	assert.Empty(t, cfg.DiscoveryInstanceName())

	writeConfig(t, fs, `
config_schema = 1
[service.discovery]
enabled = false
instance_name = "lab-bench"
`)
	require.NoError(t, cfg.Load())
	assert.False(t, cfg.DiscoveryEnabled())
	assert.Equal(t, "lab-bench", cfg.DiscoveryInstanceName())
}
