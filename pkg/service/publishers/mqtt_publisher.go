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

// Package publishers forwards received records to external systems.
package publishers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// ClientFactory builds the broker client. It is swapped out in tests.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// MQTTPublisher publishes received records to an MQTT broker as JSON.
type MQTTPublisher struct {
	client    mqtt.Client
	newClient ClientFactory
	stopCh    chan struct{}
	log       zerolog.Logger
	broker    string
	topic     string
	filter    []string
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewMQTTPublisher creates a publisher for the given broker and topic. An
// empty filter publishes every record; otherwise only records carrying a
// field or status named in the filter are published.
func NewMQTTPublisher(broker, topic string, filter []string, logger zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		broker:    broker,
		topic:     topic,
		filter:    filter,
		newClient: mqtt.NewClient,
		stopCh:    make(chan struct{}),
		log: logger.With().
			Str("component", "mqtt").
			Str("broker", broker).
			Logger(),
	}
}

// WithClientFactory replaces the broker client constructor.
func (p *MQTTPublisher) WithClientFactory(f ClientFactory) *MQTTPublisher {
	p.newClient = f
	return p
}

// brokerURL adds the tcp scheme when the configured broker is a bare
// host:port.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Start connects to the broker and forwards records from sub until ctx is
// done, Stop is called or the subscription closes.
func (p *MQTTPublisher) Start(ctx context.Context, sub *hub.Subscription) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(p.broker))
	opts.SetClientID("serialscope-" + uuid.New().String()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(_ mqtt.Client) {
		p.log.Info().Msg("mqtt publisher: connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("mqtt publisher: connection lost")
	}

	p.client = p.newClient(opts)

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p.log.Info().Str("topic", p.topic).Msg("mqtt publisher: publishing records")

	p.wg.Add(1)
	go p.publishRecords(ctx, sub)

	return nil
}

// Stop ends forwarding and disconnects from the broker. It is safe to call
// more than once.
func (p *MQTTPublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			p.log.Debug().Msg("mqtt publisher: disconnecting")
			p.client.Disconnect(disconnectQuiesce)
		}
	})
}

func (p *MQTTPublisher) publishRecords(ctx context.Context, sub *hub.Subscription) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		r, err := sub.Next(ctx)
		if errors.Is(err, hub.ErrClosed) {
			p.log.Debug().Msg("mqtt publisher: subscription closed")
			return
		} else if err != nil {
			p.log.Debug().Msg("mqtt publisher: stopping record publisher")
			return
		}

		if !p.matchesFilter(r) {
			continue
		}

		payload, err := json.Marshal(r)
		if err != nil {
			p.log.Error().Err(err).Msg("mqtt publisher: failed to marshal record")
			continue
		}

		token := p.client.Publish(p.topic, 0, false, payload)
		if token.Wait() && token.Error() != nil {
			p.log.Error().Err(token.Error()).Msg("mqtt publisher: failed to publish record")
			continue
		}
	}
}

// matchesFilter reports whether r carries a field or status named in the
// filter. Matching is case-sensitive.
func (p *MQTTPublisher) matchesFilter(r records.Received) bool {
	if len(p.filter) == 0 {
		return true
	}
	for _, f := range r.Fields() {
		if slices.Contains(p.filter, f.Name) {
			return true
		}
	}
	for _, s := range r.Statuses() {
		if slices.Contains(p.filter, s.Name) {
			return true
		}
	}
	return false
}
