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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/ZaparooProject/serialscope/internal/telemetry"
	"github.com/ZaparooProject/serialscope/pkg/analysis"
	"github.com/ZaparooProject/serialscope/pkg/api"
	"github.com/ZaparooProject/serialscope/pkg/config"
	"github.com/ZaparooProject/serialscope/pkg/helpers"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/records/parser"
	"github.com/ZaparooProject/serialscope/pkg/service"
	"github.com/ZaparooProject/serialscope/pkg/service/discovery"
	"github.com/ZaparooProject/serialscope/pkg/service/publishers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const publisherBuffer = 1000

var errNoPort = errors.New("no serial port given: pass --port or set serial.port in the config")

type monitorFlags struct {
	port         string
	name         string
	listen       string
	analyze      []string
	baud         int
	latchTimeout int
	noJournal    bool
	noAPI        bool
	noStdin      bool
	asJSON       bool
}

func newMonitorCmd(a *app) *cobra.Command {
	var f monitorFlags

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream records from a serial device",
		Long: "monitor opens the serial device, prints every record it parses and " +
			"journals the session. Lines typed on stdin are sent to the device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd, a, &f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.port, "port", "p", "", "serial device, overrides serial.port")
	flags.IntVarP(&f.baud, "baud", "b", config.DefaultBaud, "baud rate, overrides serial.baud")
	flags.StringVarP(&f.name, "name", "n", "", "friendly session name used for the journal file")
	flags.IntVar(&f.latchTimeout, "latch-timeout", config.DefaultLatchTimeout,
		"consecutive bad lines tolerated before the session ends")
	flags.BoolVar(&f.noJournal, "no-journal", false, "do not write a journal")
	flags.BoolVar(&f.noAPI, "no-api", false, "do not start the HTTP API")
	flags.StringVar(&f.listen, "listen", "", "API listen address, overrides the config")
	flags.BoolVar(&f.noStdin, "no-stdin", false, "do not read transmit lines from stdin")
	flags.BoolVar(&f.asJSON, "json", false, "print records as JSON")
	flags.StringSliceVar(&f.analyze, "analyze", nil,
		"channels to run the built-in analyses on, e.g. --analyze ax,ay")
	return cmd
}

//nolint:gocyclo // linear startup sequence
func runMonitor(cmd *cobra.Command, a *app, f *monitorFlags) error {
	ctx := cmd.Context()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	sc := sessionConfig(cmd, cfg, f)
	if sc.Port == "" {
		return errNoPort
	}

	reporter, err := telemetry.Init(telemetry.Options{
		Enabled:  cfg.TelemetryEnabled(),
		DSN:      cfg.SentryDSN(),
		DeviceID: cfg.DeviceID(),
		Version:  config.AppVersion,
	}, a.bootLogger())
	if err != nil {
		bl := a.bootLogger()
		bl.Warn().Err(err).Msg("error reporting disabled")
	}
	defer reporter.Close()

	level := cfg.LogLevel()
	if a.debug {
		level = zerolog.DebugLevel
	}
	logger, err := helpers.InitLogging(helpers.LogOptions{
		Dir:     a.dataDir,
		File:    config.LogFile,
		Level:   level,
		Writers: []io.Writer{helpers.ConsoleWriter(a.errOut), reporter.Writer()},
	})
	if err != nil {
		return err
	}
	logger.Info().Str("version", config.AppVersion).Str("config", cfg.Path()).Msg("serialscope starting")

	analyses, err := builtinAnalyses(f.analyze)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := service.NewMonitor(service.Options{
		Fs:            a.fs,
		PortFactory:   a.portFactory,
		PortLister:    a.listPorts,
		Clock:         a.clock,
		Metrics:       reg,
		Analyses:      analyses,
		Logger:        logger,
		JournalDir:    cfg.JournalDir(a.dataDir),
		RecordBuffer:  cfg.RecordBuffer(),
		TransmitQueue: cfg.TransmitQueue(),
	})
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing monitor")
		}
	}()

	if err := m.Start(ctx, sc); err != nil {
		return err
	}
	if path := m.JournalPath(); path != "" {
		logger.Info().Str("path", path).Msg("journaling session")
	}

	// everything below stops when either the process or the session ends
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.Done():
		case <-runCtx.Done():
		}
		cancel()
	}()

	g, gctx := errgroup.WithContext(runCtx)

	if !f.noAPI {
		listen := cfg.APIListen()
		if f.listen != "" {
			listen = f.listen
		}
		srv := api.NewServer(m, api.Options{
			Gatherer:       reg,
			Clock:          a.clock,
			Logger:         logger,
			Listen:         listen,
			AllowedOrigins: cfg.AllowedOrigins(),
			TransmitRate:   cfg.TransmitRate(),
			TransmitBurst:  cfg.TransmitBurst(),
			LineEnding:     cfg.LineEnding(),
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})

		if cfg.DiscoveryEnabled() {
			if port, err := listenPort(listen); err != nil {
				logger.Warn().Err(err).Msg("not advertising API")
			} else {
				adv := discovery.New(discovery.Options{
					Logger:       logger,
					InstanceName: cfg.DiscoveryInstanceName(),
					DeviceID:     cfg.DeviceID(),
					Version:      config.AppVersion,
					SerialPort:   sc.Port,
					Port:         port,
				})
				adv.Start()
				defer adv.Stop()
			}
		}
	}

	pubs := startPublishers(gctx, m, cfg.MQTTPublishers(), logger)
	defer func() {
		for _, p := range pubs {
			p.Stop()
		}
	}()

	if !f.noStdin {
		// not part of the group, a blocked stdin read cannot be interrupted
		go readTransmits(gctx, a.in, m, cfg.LineEnding(), logger)
	}

	g.Go(func() error {
		return printRecords(gctx, cmd.OutOrStdout(), m, f.asJSON)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return m.Err()
}

// sessionConfig applies flags the user set on top of the config file.
func sessionConfig(cmd *cobra.Command, cfg *config.Instance, f *monitorFlags) service.SessionConfig {
	sc := service.SessionConfig{
		Port:              cfg.SerialPort(),
		FriendlyName:      cfg.FriendlyName(),
		Baud:              cfg.Baud(),
		LatchTimeout:      cfg.LatchTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ReadTimeout:       cfg.ReadTimeout(),
		TransmitBatch:     cfg.TransmitBatch(),
		JournalEnabled:    cfg.JournalEnabled(),
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		sc.Port = f.port
	}
	if flags.Changed("baud") {
		sc.Baud = f.baud
	}
	if flags.Changed("name") {
		sc.FriendlyName = f.name
	}
	if flags.Changed("latch-timeout") {
		sc.LatchTimeout = f.latchTimeout
	}
	if f.noJournal {
		sc.JournalEnabled = false
	}
	return sc
}

// listenPort extracts the TCP port from a listen address such as ":7590".
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no fixed port", addr)
	}
	return port, nil
}

// builtinAnalyses registers latest, mean and slope for each channel, and a
// spread across all of them when more than one is given.
func builtinAnalyses(channels []string) (*analysis.Registry, error) {
	reg := analysis.NewRegistry()
	var names []string
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		names = append(names, ch)
		for _, a := range []analysis.Analysis{
			analysis.NewLatest(ch),
			analysis.NewMean(ch),
			analysis.NewSlope(ch),
		} {
			if err := reg.Register(a); err != nil {
				return nil, fmt.Errorf("failed to register analysis: %w", err)
			}
		}
	}
	if len(names) > 1 {
		if err := reg.Register(analysis.NewSpread(names...)); err != nil {
			return nil, fmt.Errorf("failed to register analysis: %w", err)
		}
	}
	return reg, nil
}

func startPublishers(
	ctx context.Context,
	m *service.Monitor,
	cfgs []config.MQTTPublisher,
	logger zerolog.Logger,
) []*publishers.MQTTPublisher {
	var started []*publishers.MQTTPublisher
	for _, pc := range cfgs {
		if !pc.IsEnabled() {
			continue
		}
		p := publishers.NewMQTTPublisher(pc.Broker, pc.Topic, pc.Filter, logger)
		sub := m.Subscribe("mqtt:"+pc.Topic, publisherBuffer)
		if err := p.Start(ctx, sub); err != nil {
			logger.Error().Err(err).Str("broker", pc.Broker).Msg("failed to start MQTT publisher")
			sub.Close()
			continue
		}
		started = append(started, p)
	}
	return started
}

type lineSender interface {
	SendLine(message string, ending records.LineEnding) error
}

func readTransmits(
	ctx context.Context,
	in io.Reader,
	s lineSender,
	ending records.LineEnding,
	logger zerolog.Logger,
) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if err := s.SendLine(line, ending); err != nil {
			logger.Warn().Err(err).Str("message", line).Msg("transmit not queued")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug().Err(err).Msg("stopped reading stdin")
	}
}

type recordSource interface {
	Next(ctx context.Context) (records.Received, error)
}

func printRecords(ctx context.Context, out io.Writer, src recordSource, asJSON bool) error {
	enc := json.NewEncoder(out)
	for {
		r, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if asJSON {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			continue
		}

		stamp := "--:--:--.---"
		if t, ok := r.HostOffsetTime(); ok {
			stamp = t.Local().Format("15:04:05.000")
		}
		_, _ = fmt.Fprintf(out, "%s  %s\n", stamp, parser.Format(r))
	}
}
