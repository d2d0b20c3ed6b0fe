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

import "strconv"

const (
	DefaultAPIPort       = 7590
	DefaultTransmitRate  = 20.0
	DefaultTransmitBurst = 5
)

type Service struct {
	APIPort        *int       `toml:"api_port,omitempty" validate:"omitempty,min=1,max=65535"`
	TransmitRate   *float64   `toml:"transmit_rate,omitempty" validate:"omitempty,gt=0"`
	TransmitBurst  *int       `toml:"transmit_burst,omitempty" validate:"omitempty,min=1"`
	DeviceID       string     `toml:"device_id"`
	APIListen      string     `toml:"api_listen,omitempty"`
	AllowedOrigins []string   `toml:"allowed_origins,omitempty"`
	Publishers     Publishers `toml:"publishers,omitempty"`
	Discovery      Discovery  `toml:"discovery,omitempty"`
}

type Discovery struct {
	Enabled      *bool  `toml:"enabled,omitempty"`
	InstanceName string `toml:"instance_name,omitempty"`
}

type Publishers struct {
	MQTT []MQTTPublisher `toml:"mqtt,omitempty" validate:"dive"`
}

type MQTTPublisher struct {
	Enabled *bool    `toml:"enabled,omitempty"`
	Broker  string   `toml:"broker" validate:"required"`
	Topic   string   `toml:"topic" validate:"required"`
	Filter  []string `toml:"filter,omitempty,multiline"`
}

// IsEnabled treats a missing enabled key as enabled.
func (p MQTTPublisher) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type Telemetry struct {
	SentryDSN string `toml:"sentry_dsn,omitempty" validate:"omitempty,url"`
	Enabled   bool   `toml:"enabled"`
}

func (c *Instance) APIPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiPortLocked()
}

// apiPortLocked returns the API port. Caller must hold mu (read or write).
func (c *Instance) apiPortLocked() int {
	if c.vals.Service.APIPort == nil {
		return DefaultAPIPort
	}
	return *c.vals.Service.APIPort
}

func (c *Instance) SetAPIPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.Service.APIPort = &port
}

func (c *Instance) APIListen() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.APIListen == "" {
		return ":" + strconv.Itoa(c.apiPortLocked())
	}
	return c.vals.Service.APIListen
}

func (c *Instance) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.AllowedOrigins
}

// TransmitRate is the sustained transmit requests per second accepted over
// the API.
func (c *Instance) TransmitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.TransmitRate == nil {
		return DefaultTransmitRate
	}
	return *c.vals.Service.TransmitRate
}

func (c *Instance) TransmitBurst() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.vals.Service.TransmitBurst == nil {
		return DefaultTransmitBurst
	}
	return *c.vals.Service.TransmitBurst
}

func (c *Instance) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.DeviceID
}

func (c *Instance) MQTTPublishers() []MQTTPublisher {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.Publishers.MQTT
}

func (c *Instance) TelemetryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Telemetry.Enabled
}

func (c *Instance) SentryDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Telemetry.SentryDSN
}

// DiscoveryEnabled reports whether the API is advertised over mDNS. It is
// on unless disabled in the config.
func (c *Instance) DiscoveryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.Discovery.Enabled == nil || *c.vals.Service.Discovery.Enabled
}

func (c *Instance) DiscoveryInstanceName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.Discovery.InstanceName
}
