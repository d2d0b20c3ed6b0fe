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

package main

import (
	"io"
	"os"

	"github.com/ZaparooProject/serialscope/pkg/config"
	"github.com/ZaparooProject/serialscope/pkg/helpers"
	"github.com/ZaparooProject/serialscope/pkg/ingest"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// app carries what the commands touch outside the process so tests can
// replace it.
type app struct {
	fs        afero.Fs
	in        io.Reader
	out       io.Writer
	errOut    io.Writer
	listPorts func() ([]helpers.PortInfo, error)
	// Nil uses the real serial driver and clock.
	portFactory ingest.PortFactory
	clock       clockwork.Clock
	configDir   string
	dataDir     string
	debug       bool
}

func newApp() *app {
	return &app{
		fs:        afero.NewOsFs(),
		in:        os.Stdin,
		out:       os.Stdout,
		errOut:    os.Stderr,
		listPorts: helpers.ListSerialPorts,
		configDir: config.ConfigDir(),
		dataDir:   config.DataDir(),
	}
}

// bootLogger is used until the config is loaded and the real logger can be
// built.
func (a *app) bootLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if a.debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(helpers.ConsoleWriter(a.errOut)).Level(level).With().Timestamp().Logger()
}

func (a *app) loadConfig() (*config.Instance, error) {
	return config.NewConfig(a.fs, a.configDir, config.BaseDefaults, a.bootLogger())
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "Serial line telemetry monitor",
		Long:          "serialscope reads timestamped telemetry lines from a serial device, journals them and serves them to consumers.",
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configDir, "config-dir", a.configDir, "directory holding "+config.CfgFile)
	flags.StringVar(&a.dataDir, "data-dir", a.dataDir, "directory for journals and logs")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newPortsCmd(a))
	cmd.AddCommand(newMonitorCmd(a))
	cmd.AddCommand(newJournalCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	return cmd
}
