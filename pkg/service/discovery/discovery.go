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

// Package discovery advertises the HTTP API over mDNS so dashboards on the
// local network can find a running monitor without being given its address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/helpers/syncutil"
	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD service type of the API.
const ServiceType = "_serialscope._tcp"

const (
	domain           = "local."
	retryInterval    = 30 * time.Second
	maxRetryDuration = 5 * time.Minute
)

// virtualInterfacePrefixes are container and tunnel interfaces nobody
// browses from.
var virtualInterfacePrefixes = []string{
	"docker", "br-", "veth", "virbr", "lxc", "lxd",
	"cni", "flannel", "cali", "tunl", "wg",
}

// filterInterfaces keeps interfaces that are up, non-loopback,
// multicast-capable and not virtual.
func filterInterfaces(ifaces []net.Interface) []net.Interface {
	var preferred []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		// mDNS requires multicast
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		preferred = append(preferred, iface)
	}
	return preferred
}

func isVirtualInterface(name string) bool {
	lowerName := strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(lowerName, prefix) {
			return true
		}
	}
	return false
}

// Server is a live advertisement.
type Server interface {
	Shutdown()
}

// RegisterFunc publishes a service record. zeroconf.Register in
// production.
type RegisterFunc func(
	instance, service, domain string,
	port int,
	text []string,
	ifaces []net.Interface,
) (Server, error)

func zeroconfRegister(
	instance, service, domain string,
	port int,
	text []string,
	ifaces []net.Interface,
) (Server, error) {
	srv, err := zeroconf.Register(instance, service, domain, port, text, ifaces)
	if err != nil {
		return nil, fmt.Errorf("zeroconf register: %w", err)
	}
	return srv, nil
}

// Options describe what is advertised.
type Options struct {
	Clock        clockwork.Clock
	Register     RegisterFunc
	Interfaces   func() ([]net.Interface, error)
	Logger       zerolog.Logger
	InstanceName string
	DeviceID     string
	Version      string
	// SerialPort is the device being monitored, published in the TXT
	// record so a browser can tell monitors on one host apart.
	SerialPort string
	Port       int
}

// Service manages the mDNS advertisement of one API listener.
type Service struct {
	server       Server
	cancelFunc   context.CancelFunc
	log          zerolog.Logger
	opts         Options
	instanceName string
	stopped      bool
	mu           syncutil.Mutex
}

func New(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Register == nil {
		opts.Register = zeroconfRegister
	}
	if opts.Interfaces == nil {
		opts.Interfaces = net.Interfaces
	}
	return &Service{
		opts: opts,
		log:  opts.Logger.With().Str("component", "discovery").Logger(),
	}
}

// Start begins advertising. When the network is not ready yet it keeps
// retrying in the background for a few minutes instead of failing.
func (s *Service) Start() {
	s.mu.Lock()
	s.instanceName = s.resolveInstanceName()
	s.mu.Unlock()

	if s.tryRegister() {
		return
	}

	s.log.Info().
		Dur("retry_interval", retryInterval).
		Dur("max_duration", maxRetryDuration).
		Msg("mDNS registration failed, retrying in background")

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelFunc = cancel
	s.mu.Unlock()

	go s.retryLoop(ctx)
}

func (s *Service) txtRecords() []string {
	txt := []string{
		"id=" + s.opts.DeviceID,
		"version=" + s.opts.Version,
	}
	if s.opts.SerialPort != "" {
		txt = append(txt, "serial="+s.opts.SerialPort)
	}
	return txt
}

func (s *Service) tryRegister() bool {
	all, err := s.opts.Interfaces()
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to list network interfaces")
		return false
	}
	ifaces := filterInterfaces(all)
	if len(ifaces) == 0 {
		s.log.Debug().Msg("no suitable network interfaces found for mDNS")
		return false
	}

	ifaceNames := make([]string, len(ifaces))
	for i, iface := range ifaces {
		ifaceNames[i] = iface.Name
	}

	srv, err := s.opts.Register(
		s.InstanceName(),
		ServiceType,
		domain,
		s.opts.Port,
		s.txtRecords(),
		ifaces,
	)
	if err != nil {
		s.log.Debug().Err(err).Msg("mDNS registration attempt failed")
		return false
	}

	s.mu.Lock()
	// Stop may have run while registering
	if s.stopped {
		s.mu.Unlock()
		srv.Shutdown()
		return false
	}
	s.server = srv
	s.mu.Unlock()

	s.log.Info().
		Str("instance", s.InstanceName()).
		Int("port", s.opts.Port).
		Strs("interfaces", ifaceNames).
		Msg("mDNS advertising started")
	return true
}

func (s *Service) retryLoop(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(retryInterval)
	defer ticker.Stop()
	deadline := s.opts.Clock.Now().Add(maxRetryDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			if s.tryRegister() {
				s.log.Info().Msg("mDNS registration succeeded after retry")
				return
			}
			if !now.Before(deadline) {
				s.log.Warn().Msg("mDNS registration retry timed out, discovery unavailable")
				return
			}
		}
	}
}

// Stop withdraws the advertisement. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}
	if s.server != nil {
		s.log.Debug().Msg("stopping mDNS advertising")
		s.server.Shutdown()
		s.server = nil
	}
}

// InstanceName is empty until Start is called.
func (s *Service) InstanceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceName
}

// resolveInstanceName prefers the configured name, then the hostname.
func (s *Service) resolveInstanceName() string {
	if s.opts.InstanceName != "" {
		return s.opts.InstanceName
	}
	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		return hostname
	}
	s.log.Warn().Err(err).Msg("failed to get hostname, using fallback")
	if len(s.opts.DeviceID) >= 8 {
		return "serialscope-" + s.opts.DeviceID[:8]
	}
	return "serialscope"
}
