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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/adrg/xdg"
	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	SchemaVersion = 1
	AppName       = "serialscope"
	CfgEnv        = "SERIALSCOPE_CFG"
	CfgFile       = "config.toml"
	LogFile       = "serialscope.log"
	JournalDir    = "journals"
)

// AppVersion is set at build time with -ldflags.
var AppVersion = "DEVELOPMENT"

var ErrSchemaMismatch = errors.New("schema version mismatch")

type Values struct {
	Serial       Serial    `toml:"serial"`
	Journal      Journal   `toml:"journal"`
	Service      Service   `toml:"service,omitempty"`
	Telemetry    Telemetry `toml:"telemetry,omitempty"`
	Session      Session   `toml:"session"`
	ConfigSchema int       `toml:"config_schema"`
	DebugLogging bool      `toml:"debug_logging"`
}

var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	Serial: Serial{
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
		LineEnding:  "lf",
	},
	Session: Session{
		LatchTimeout:      DefaultLatchTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		TransmitQueue:     DefaultTransmitQueue,
		TransmitBatch:     DefaultTransmitBatch,
		RecordBuffer:      DefaultRecordBuffer,
	},
	Journal: Journal{
		Enabled: true,
	},
}

// ConfigDir is the default directory holding the config file.
func ConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// DataDir is the default directory for journals and logs.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

type Instance struct {
	fs       afero.Fs
	log      zerolog.Logger
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig loads the config file in configDir, writing defaults first if it
// does not exist yet. SERIALSCOPE_CFG overrides the file path.
//
//nolint:gocritic // config struct copied for immutability
func NewConfig(fs afero.Fs, configDir string, defaults Values, logger zerolog.Logger) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	logger.Debug().Msgf("env config path: %s", cfgPath)

	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := Instance{
		fs:       fs,
		log:      logger,
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	exists, err := afero.Exists(fs, cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if !exists {
		logger.Info().Str("path", cfgPath).Msg("saving new default config to disk")

		if err := fs.MkdirAll(filepath.Dir(cfgPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	if err := cfg.Load(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load rereads the file. Values missing from the file keep their defaults.
// A file that fails validation leaves the current values untouched.
func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	data, err := afero.ReadFile(c.fs, c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if newVals.ConfigSchema != SchemaVersion {
		c.log.Error().Msgf(
			"schema version mismatch: got %d, expecting %d",
			newVals.ConfigSchema,
			SchemaVersion,
		)
		return ErrSchemaMismatch
	}

	if err := Validate(&newVals); err != nil {
		return err
	}

	c.vals = newVals
	return nil
}

func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	c.vals.ConfigSchema = SchemaVersion

	if c.vals.Service.DeviceID == "" {
		newID := uuid.New().String()
		c.vals.Service.DeviceID = newID
		c.log.Info().Msgf("generated new device id: %s", newID)
	}

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := afero.WriteFile(c.fs, c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) Path() string {
	return c.cfgPath
}

// Values returns a copy of the current settings.
func (c *Instance) Values() Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

// LogLevel is the minimum level the process logger should emit.
func (c *Instance) LogLevel() zerolog.Level {
	if c.DebugLogging() {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
