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

// Package api serves the monitor over HTTP: REST endpoints for status,
// ports, analyses and transmit requests, a WebSocket record stream and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ZaparooProject/serialscope/pkg/analysis"
	apimw "github.com/ZaparooProject/serialscope/pkg/api/middleware"
	"github.com/ZaparooProject/serialscope/pkg/api/validation"
	"github.com/ZaparooProject/serialscope/pkg/helpers"
	"github.com/ZaparooProject/serialscope/pkg/ingest"
	"github.com/ZaparooProject/serialscope/pkg/queue"
	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/ZaparooProject/serialscope/pkg/service"
	"github.com/ZaparooProject/serialscope/pkg/service/hub"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/olahol/melody"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	RequestTimeout  = 30 * time.Second
	MaxMessageBytes = 4096
	maxBodyBytes    = 2 * MaxMessageBytes
	streamBuffer    = 1000
	shutdownTimeout = 5 * time.Second
)

// Monitor is the part of service.Monitor the API exposes.
type Monitor interface {
	State() ingest.State
	Err() error
	Stats() ingest.Stats
	Count() uint64
	Rate() float64
	Statuses() []records.Status
	JournalPath() string
	Ports() ([]helpers.PortInfo, error)
	Evaluate() []analysis.Outcome
	SendLine(message string, ending records.LineEnding) error
	Subscribe(name string, capacity int) *hub.Subscription
}

// Options configure a Server.
type Options struct {
	Gatherer       prometheus.Gatherer
	Clock          clockwork.Clock
	Logger         zerolog.Logger
	Listen         string
	AllowedOrigins []string
	// TransmitRate and TransmitBurst bound POST /api/send across all
	// clients, on top of the per-IP request limit.
	TransmitRate  float64
	TransmitBurst int
	LineEnding    records.LineEnding
}

// Server is the HTTP front end of a Monitor.
type Server struct {
	monitor   Monitor
	router    chi.Router
	ws        *melody.Melody
	ipLimiter *apimw.IPRateLimiter
	txLimiter *rate.Limiter
	log       zerolog.Logger
	opts      Options
}

// NewServer builds the router. Nothing listens until Serve is called.
func NewServer(m Monitor, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"https://*", "http://*"}
	}
	if opts.TransmitRate <= 0 {
		opts.TransmitRate = 20
	}
	if opts.TransmitBurst <= 0 {
		opts.TransmitBurst = 5
	}

	log := opts.Logger.With().Str("component", "api").Logger()
	s := &Server{
		monitor:   m,
		ws:        melody.New(),
		ipLimiter: apimw.NewIPRateLimiter(opts.Clock, log),
		txLimiter: rate.NewLimiter(rate.Limit(opts.TransmitRate), opts.TransmitBurst),
		log:       log,
		opts:      opts,
	}
	s.ws.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	s.ws.HandleMessage(apimw.WebSocketRateLimitHandler(s.ipLimiter, s.handleWSMessage))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(apimw.HTTPRateLimitMiddleware(s.ipLimiter))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))
			r.Get("/status", s.handleStatus)
			r.Get("/ports", s.handlePorts)
			r.Get("/analyses", s.handleAnalyses)
			r.Post("/send", s.handleSend)
		})

		r.Get("/stream", func(w http.ResponseWriter, r *http.Request) {
			if err := s.ws.HandleRequest(w, r); err != nil {
				s.log.Error().Err(err).Msg("handling websocket request")
			}
		})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve streams records to WebSocket clients and answers requests on ln
// until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.monitor.Subscribe("api", streamBuffer)
	defer sub.Close()
	go s.broadcastRecords(ctx, sub)
	s.ipLimiter.StartCleanup(ctx)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")

	select {
	case err := <-errCh:
		_ = s.ws.Close()
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := s.ws.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing websocket sessions")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	s.log.Info().Msg("api stopped")
	return nil
}

// broadcastRecords sends each record to every connected stream client.
func (s *Server) broadcastRecords(ctx context.Context, sub *hub.Subscription) {
	for {
		r, err := sub.Next(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("record stream stopped")
			return
		}
		if s.ws.Len() == 0 {
			continue
		}
		data, err := json.Marshal(r)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to marshal record")
			continue
		}
		if err := s.ws.Broadcast(data); err != nil {
			s.log.Debug().Err(err).Msg("broadcasting record")
		}
	}
}

func (s *Server) handleWSMessage(session *melody.Session, msg []byte) {
	// ping command for heartbeat operation
	if string(msg) == "ping" {
		if err := session.Write([]byte("pong")); err != nil {
			s.log.Error().Err(err).Msg("sending pong")
		}
		return
	}
	s.writeWSError(session, "the stream is read-only")
}

func (s *Server) writeWSError(session *melody.Session, msg string) {
	data, err := json.Marshal(errorResponse{Error: msg})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal websocket error")
		return
	}
	if err := session.Write(data); err != nil {
		s.log.Error().Err(err).Msg("sending websocket error")
	}
}

type errorResponse struct {
	Fields []validation.FieldError `json:"fields,omitempty"`
	Error  string                  `json:"error"`
}

type statsResponse struct {
	LinesRead        uint64 `json:"lines_read"`
	Published        uint64 `json:"published"`
	Failures         uint64 `json:"failures"`
	Transmitted      uint64 `json:"transmitted"`
	TransmitFailures uint64 `json:"transmit_failures"`
	Streak           int64  `json:"streak"`
}

type statusResponse struct {
	State    string           `json:"state"`
	Error    string           `json:"error,omitempty"`
	Journal  string           `json:"journal,omitempty"`
	Statuses []records.Status `json:"statuses"`
	Stats    statsResponse    `json:"stats"`
	Count    uint64           `json:"count"`
	Rate     float64          `json:"rate"`
}

type sendRequest struct {
	Message    string `json:"message" validate:"required,max=4096,singleline"`
	LineEnding string `json:"line_ending" validate:"omitempty,lineending"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var ve *validation.Error
	if errors.As(err, &ve) {
		resp.Fields = ve.Fields
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.monitor.Stats()
	resp := statusResponse{
		State:    s.monitor.State().String(),
		Journal:  s.monitor.JournalPath(),
		Statuses: s.monitor.Statuses(),
		Count:    s.monitor.Count(),
		Rate:     s.monitor.Rate(),
		Stats: statsResponse{
			LinesRead:        stats.LinesRead,
			Published:        stats.Published,
			Failures:         stats.Failures,
			Transmitted:      stats.Transmitted,
			TransmitFailures: stats.TransmitFailures,
			Streak:           stats.Streak,
		},
	}
	if err := s.monitor.Err(); err != nil {
		resp.Error = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	ports, err := s.monitor.Ports()
	if err != nil {
		s.log.Error().Err(err).Msg("listing ports")
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ports == nil {
		ports = []helpers.PortInfo{}
	}
	s.writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleAnalyses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Evaluate())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	var req sendRequest
	if err := validation.ValidateAndUnmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ending := s.opts.LineEnding
	if req.LineEnding != "" {
		// already checked by the lineending rule
		ending, _ = records.ParseLineEnding(req.LineEnding)
	}

	if !s.txLimiter.AllowN(s.opts.Clock.Now(), 1) {
		s.log.Warn().Str("message", req.Message).Msg("transmit rate limit exceeded")
		s.writeError(w, http.StatusTooManyRequests, errors.New("transmit rate limit exceeded"))
		return
	}

	err = s.monitor.SendLine(req.Message, ending)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"message":     req.Message,
			"line_ending": ending.String(),
		})
	case errors.Is(err, queue.ErrFull):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, service.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.log.Error().Err(err).Msg("queueing transmit")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
