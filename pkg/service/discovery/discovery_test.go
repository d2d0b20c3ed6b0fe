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

package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	shutdowns int
	mu        sync.Mutex
}

func (f *fakeServer) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

type registration struct {
	instance string
	service  string
	text     []string
	ifaces   []string
	port     int
}

type fakeRegistrar struct {
	err    error
	server *fakeServer
	calls  []registration
	mu     sync.Mutex
}

func (f *fakeRegistrar) register(
	instance, service, _ string,
	port int,
	text []string,
	ifaces []net.Interface,
) (Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(ifaces))
	for i, iface := range ifaces {
		names[i] = iface.Name
	}
	f.calls = append(f.calls, registration{
		instance: instance, service: service, port: port, text: text, ifaces: names,
	})
	if f.err != nil {
		return nil, f.err
	}
	return f.server, nil
}

func (f *fakeRegistrar) registrations() []registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registration(nil), f.calls...)
}

func (f *fakeRegistrar) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var up = net.FlagUp | net.FlagMulticast

func lan() ([]net.Interface, error) {
	return []net.Interface{
		{Name: "lo", Flags: up | net.FlagLoopback},
		{Name: "eth0", Flags: up},
		{Name: "docker0", Flags: up},
	}, nil
}

func TestFilterInterfaces(t *testing.T) {
	t.Parallel()

	ifaces := []net.Interface{
		{Name: "eth0", Flags: up},
		{Name: "wlan0", Flags: up},
		{Name: "lo", Flags: up | net.FlagLoopback},
		{Name: "eth1", Flags: net.FlagMulticast},
		{Name: "ppp0", Flags: net.FlagUp},
		{Name: "veth12ab", Flags: up},
		{Name: "Docker0", Flags: up},
		{Name: "wg0", Flags: up},
	}

	got := filterInterfaces(ifaces)
	names := make([]string, len(got))
	for i, iface := range got {
		names[i] = iface.Name
	}
	assert.Equal(t, []string{"eth0", "wlan0"}, names)
}

func TestServiceType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "_serialscope._tcp", ServiceType)
}

func TestStart_Registers(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistrar{server: &fakeServer{}}
	svc := New(Options{
		Register:     reg.register,
		Interfaces:   lan,
		Logger:       zerolog.Nop(),
		InstanceName: "bench-pc",
		DeviceID:     "0123456789abcdef",
		Version:      "1.2.3",
		SerialPort:   "/dev/ttyUSB0",
		Port:         7590,
	})
	svc.Start()

	calls := reg.registrations()
	require.Len(t, calls, 1)
	assert.Equal(t, registration{
		instance: "bench-pc",
		service:  ServiceType,
		port:     7590,
		text:     []string{"id=0123456789abcdef", "version=1.2.3", "serial=/dev/ttyUSB0"},
		ifaces:   []string{"eth0"},
	}, calls[0])
	assert.Equal(t, "bench-pc", svc.InstanceName())

	svc.Stop()
	svc.Stop()
	assert.Equal(t, 1, reg.server.count(), "stop shuts the server down once")
}

func TestStart_RetriesUntilRegistered(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg := &fakeRegistrar{server: &fakeServer{}, err: errors.New("network unreachable")}
	svc := New(Options{
		Clock:        clock,
		Register:     reg.register,
		Interfaces:   lan,
		Logger:       zerolog.Nop(),
		InstanceName: "bench-pc",
	})
	svc.Start()
	t.Cleanup(svc.Stop)
	require.Len(t, reg.registrations(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	reg.setErr(nil)
	clock.Advance(retryInterval)

	require.Eventually(t, func() bool {
		return len(reg.registrations()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStart_NoInterfaces(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	reg := &fakeRegistrar{server: &fakeServer{}}
	svc := New(Options{
		Clock:    clock,
		Register: reg.register,
		Interfaces: func() ([]net.Interface, error) {
			return []net.Interface{{Name: "lo", Flags: up | net.FlagLoopback}}, nil
		},
		Logger: zerolog.Nop(),
	})
	svc.Start()
	svc.Stop()

	assert.Empty(t, reg.registrations())
}

func TestStopIdempotent(t *testing.T) {
	t.Parallel()

	svc := New(Options{Logger: zerolog.Nop()})

	svc.Stop()
	svc.Stop()
	assert.Nil(t, svc.server)
}

func TestResolveInstanceName(t *testing.T) {
	t.Parallel()

	svc := New(Options{Logger: zerolog.Nop(), InstanceName: "lab"})
	assert.Equal(t, "lab", svc.resolveInstanceName())

	svc = New(Options{Logger: zerolog.Nop()})
	assert.NotEmpty(t, svc.resolveInstanceName())
}
