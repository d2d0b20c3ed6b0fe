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
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial device for the port selector and the journal
// header.
type PortInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	HardwareID  string `json:"hardware_id"`
	IsUSB       bool   `json:"is_usb"`
}

// PortLister enumerates serial devices. It is swapped out in tests.
type PortLister func() ([]*enumerator.PortDetails, error)

// ListSerialPorts returns the host's serial devices, USB devices first and
// then by name.
func ListSerialPorts() ([]PortInfo, error) {
	return listSerialPorts(enumerator.GetDetailedPortsList)
}

func listSerialPorts(list PortLister) ([]PortInfo, error) {
	details, err := list()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, DescribePort(d))
	}

	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsUSB != ports[j].IsUSB {
			return ports[i].IsUSB
		}
		return ports[i].Name < ports[j].Name
	})
	return ports, nil
}

// DescribePort formats enumerator details the way operators are used to
// seeing them, e.g. "USB VID:PID=10C4:EA60 SER=0001".
func DescribePort(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		Name:        d.Name,
		Description: "n/a",
		HardwareID:  "n/a",
		IsUSB:       d.IsUSB,
	}
	if d.Product != "" {
		info.Description = d.Product
	}
	if d.IsUSB {
		hwid := fmt.Sprintf("USB VID:PID=%s:%s",
			strings.ToUpper(d.VID), strings.ToUpper(d.PID))
		if d.SerialNumber != "" {
			hwid += " SER=" + d.SerialNumber
		}
		info.HardwareID = hwid
		if info.Description == "n/a" {
			info.Description = "USB serial device"
		}
	}
	return info
}

// FindPort looks up name in ports.
func FindPort(ports []PortInfo, name string) (PortInfo, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortInfo{Name: name, Description: "n/a", HardwareID: "n/a"}, false
}
