// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the producer-facing HTTP surface: log ingestion
// endpoints that resolve only after the entry is durably appended to the
// stream, plus health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/coalesce"
	"logpipe/internal/ingest/telemetry"
)

// maxRequestBatch bounds one batch request; larger producers should split.
const maxRequestBatch = 1000

// Enqueuer is the producer-side pipeline entry point. *coalesce.Coalescer
// satisfies it.
type Enqueuer interface {
	Add(entry *logpipe.Entry) (<-chan logpipe.Result, error)
}

// StatusFunc supplies the worker-pool health view embedded in /healthz.
type StatusFunc func() any

// ServerConfig enumerates the HTTP knobs.
type ServerConfig struct {
	// EnqueueTimeout bounds the wait for a durable-append receipt before the
	// request fails.
	EnqueueTimeout time.Duration
}

// Server is the ingestion HTTP front end.
type Server struct {
	cfg      ServerConfig
	enqueuer Enqueuer
	auth     *AuthService
	status   StatusFunc
	validate *validator.Validate
	log      *logrus.Entry
	router   *chi.Mux
}

// NewServer wires the router. status may be nil.
func NewServer(cfg ServerConfig, enq Enqueuer, auth *AuthService, status StatusFunc, log *logrus.Logger) *Server {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg:      cfg,
		enqueuer: enq,
		auth:     auth,
		status:   status,
		validate: validator.New(),
		log:      log.WithField("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth.Middleware)
			}
			r.Post("/logs", s.handleIngest)
			r.Post("/logs/batch", s.handleIngestBatch)
		})
	})

	s.router = r
	return s
}

// Router returns the chi router for mounting or testing.
func (s *Server) Router() *chi.Mux { return s.router }

// logRequest is the ingestion payload. Bounds mirror the pipeline's
// acceptance rules so producers get a 400 instead of a silent drop.
type logRequest struct {
	AppID string `json:"app_id" validate:"required,max=100"`
	// Level is checked case-insensitively by Entry.Validate, not by a tag:
	// producers send any casing and normalization upper-cases it.
	Level       string         `json:"level"`
	Message     string         `json:"message" validate:"required,max=10000"`
	Source      string         `json:"source" validate:"omitempty,max=255"`
	Timestamp   int64          `json:"timestamp,omitempty"` // unix milliseconds
	Environment string         `json:"environment,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type logResponse struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
}

type batchResponse struct {
	Accepted int           `json:"accepted"`
	Results  []logResponse `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (r *logRequest) toEntry(now time.Time) (*logpipe.Entry, error) {
	e := &logpipe.Entry{
		AppID:       r.AppID,
		Level:       r.Level,
		Message:     r.Message,
		Source:      r.Source,
		Environment: r.Environment,
		TraceID:     r.TraceID,
		UserID:      r.UserID,
		Metadata:    r.Metadata,
	}
	if r.Timestamp > 0 {
		e.Timestamp = time.UnixMilli(r.Timestamp)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := e.Normalize(now); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.ObserveRejected(1)
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		telemetry.ObserveRejected(1)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := req.toEntry(time.Now())
	if err != nil {
		telemetry.ObserveRejected(1)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	done, err := s.enqueuer.Add(entry)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}
	telemetry.ObserveAccepted(1)

	select {
	case res := <-done:
		if res.Err != nil {
			s.log.WithError(res.Err).Warn("durable append failed")
			writeError(w, http.StatusServiceUnavailable, "log entry could not be persisted")
			return
		}
		writeJSON(w, http.StatusAccepted, logResponse{ID: entry.ID, StreamID: res.StreamID})
	case <-time.After(s.cfg.EnqueueTimeout):
		writeError(w, http.StatusGatewayTimeout, "timed out awaiting durable append")
	case <-r.Context().Done():
		// Client went away; the entry is already in flight and will land.
	}
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []logRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		telemetry.ObserveRejected(1)
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(reqs) > maxRequestBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d entries", maxRequestBatch))
		return
	}

	// Validate the whole batch up front: durability is all-or-nothing per
	// request, so a bad entry rejects the batch before anything enqueues.
	now := time.Now()
	entries := make([]*logpipe.Entry, len(reqs))
	for i := range reqs {
		if err := s.validate.Struct(&reqs[i]); err != nil {
			telemetry.ObserveRejected(len(reqs))
			writeError(w, http.StatusBadRequest, fmt.Sprintf("entry %d: %s", i, err))
			return
		}
		e, err := reqs[i].toEntry(now)
		if err != nil {
			telemetry.ObserveRejected(len(reqs))
			writeError(w, http.StatusBadRequest, fmt.Sprintf("entry %d: %s", i, err))
			return
		}
		entries[i] = e
	}

	futures := make([]<-chan logpipe.Result, len(entries))
	for i, e := range entries {
		done, err := s.enqueuer.Add(e)
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}
		futures[i] = done
	}
	telemetry.ObserveAccepted(len(entries))

	deadline := time.After(s.cfg.EnqueueTimeout)
	resp := batchResponse{Results: make([]logResponse, 0, len(entries))}
	for i, done := range futures {
		select {
		case res := <-done:
			if res.Err != nil {
				s.log.WithError(res.Err).Warn("durable append failed")
				writeError(w, http.StatusServiceUnavailable, "batch could not be persisted")
				return
			}
			resp.Results = append(resp.Results, logResponse{ID: entries[i].ID, StreamID: res.StreamID})
		case <-deadline:
			writeError(w, http.StatusGatewayTimeout, "timed out awaiting durable append")
			return
		case <-r.Context().Done():
			return
		}
	}
	resp.Accepted = len(resp.Results)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.status != nil {
		body["pool"] = s.status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, coalesce.ErrShuttingDown) {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.log.WithError(err).Error("enqueue failed")
	writeError(w, http.StatusInternalServerError, "failed to enqueue log entry")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
