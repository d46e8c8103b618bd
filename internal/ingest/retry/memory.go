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

package retry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/telemetry"
)

// Memory keeps retry envelopes in process memory. Envelopes are lost on
// restart; the stream's pending list still redelivers the underlying
// messages, so data survives, only the schedule resets.
type Memory struct {
	runner

	mu        sync.Mutex
	envelopes []*Envelope
}

// NewMemory builds the in-memory strategy.
func NewMemory(s sink.Sink, acker Acker, backoff Backoff, maxAttempts int, log *logrus.Logger) *Memory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Memory{runner: runner{
		sink:        s,
		acker:       acker,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		log:         log.WithField("component", "retry-memory"),
	}}
}

func (m *Memory) QueueForRetry(ctx context.Context, entries []*logpipe.Entry, cause error, worker string) error {
	if len(entries) == 0 {
		return nil
	}
	env := &Envelope{
		ID:          uuid.NewString(),
		Entries:     entries,
		StreamIDs:   streamIDs(entries),
		LastError:   cause.Error(),
		QueuedAt:    time.Now(),
		NextAttempt: time.Now().Add(m.backoff.Delay(0)),
		Worker:      worker,
	}
	m.mu.Lock()
	m.envelopes = append(m.envelopes, env)
	n := len(m.envelopes)
	m.mu.Unlock()
	telemetry.ObserveRetryQueued(len(entries))
	telemetry.SetRetryPending(n)
	return nil
}

func (m *Memory) ProcessRetries(ctx context.Context) (int, int, error) {
	now := time.Now()
	m.mu.Lock()
	var due, later []*Envelope
	for _, env := range m.envelopes {
		if !env.NextAttempt.After(now) {
			due = append(due, env)
		} else {
			later = append(later, env)
		}
	}
	m.envelopes = later
	m.mu.Unlock()

	processed := 0
	for _, env := range due {
		switch m.attempt(ctx, env) {
		case outcomeDone, outcomeDrop:
			processed++
		case outcomeRequeue:
			m.mu.Lock()
			m.envelopes = append(m.envelopes, env)
			m.mu.Unlock()
		}
	}
	m.mu.Lock()
	remaining := len(m.envelopes)
	m.mu.Unlock()
	telemetry.SetRetryPending(remaining)
	return processed, remaining, nil
}

func (m *Memory) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.envelopes), nil
}

func streamIDs(entries []*logpipe.Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.StreamID != "" {
			ids = append(ids, e.StreamID)
		}
	}
	return ids
}
