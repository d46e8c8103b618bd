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

// Package retry persists batches the analytics sink rejected and reprocesses
// them on an exponential backoff schedule. Two interchangeable
// implementations exist behind one contract: in-memory (envelopes lost on
// restart, for development) and Redis-backed (envelopes survive restarts,
// for production). Workers only ever see the Strategy interface.
package retry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/telemetry"
)

// Strategy is the retry capability a worker routes sink failures to.
// Implementations serialize their own queue/process internally and are safe
// for concurrent use by all workers.
type Strategy interface {
	// QueueForRetry persists a retry envelope for entries whose sink write
	// failed. A persistence failure here is fatal to the batch: the caller
	// logs and drops, there is nowhere else to put it.
	QueueForRetry(ctx context.Context, entries []*logpipe.Entry, cause error, worker string) error

	// ProcessRetries reprocesses envelopes whose next-attempt time has
	// arrived and reports how many were handled and how many remain queued.
	ProcessRetries(ctx context.Context) (processed, remaining int, err error)

	// PendingCount reports the number of envelopes awaiting reprocessing;
	// workers use it for back-pressure.
	PendingCount(ctx context.Context) (int, error)
}

// Acker acknowledges stream messages once their entries are finally written.
// *stream.Queue satisfies it.
type Acker interface {
	Ack(ctx context.Context, ids []string) error
}

// Backoff computes the delay schedule: Base << attempt, clamped to Max. The
// schedule is monotone non-decreasing and bounded.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the attempt-th retry (attempt counts from 0).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Envelope is a persisted record of a failed batch plus its scheduling
// metadata. Entries retain their StreamIDs so the stream can be acked when a
// retry finally succeeds.
type Envelope struct {
	ID          string
	Entries     []*logpipe.Entry
	StreamIDs   []string
	LastError   string
	Attempts    int
	QueuedAt    time.Time
	NextAttempt time.Time
	Worker      string
}

// runner is the reprocessing logic shared by the memory and Redis
// strategies: write, then ack, then account.
type runner struct {
	sink        sink.Sink
	acker       Acker
	backoff     Backoff
	maxAttempts int
	log         *logrus.Entry
}

type outcome int

const (
	// outcomeDone: written and acked, delete the envelope.
	outcomeDone outcome = iota
	// outcomeRequeue: failed below the attempt cap, reschedule.
	outcomeRequeue
	// outcomeDrop: attempt cap reached, drop with a terminal log event.
	outcomeDrop
)

// attempt runs one reprocessing attempt and mutates the envelope's
// scheduling fields for a requeue.
func (r *runner) attempt(ctx context.Context, env *Envelope) outcome {
	err := r.sink.Write(ctx, env.Entries)
	if err == nil {
		if ackErr := r.acker.Ack(ctx, env.StreamIDs); ackErr != nil {
			// The rows are durable; a failed ack only means the stream will
			// redeliver and the sink will de-dup. Log and move on.
			r.log.WithError(ackErr).WithField("envelope", env.ID).
				Warn("retry succeeded but ack failed; messages stay pending")
		}
		telemetry.ObserveAcked(len(env.StreamIDs))
		return outcomeDone
	}

	env.Attempts++
	env.LastError = err.Error()
	if env.Attempts >= r.maxAttempts {
		ids := make([]string, len(env.Entries))
		for i, e := range env.Entries {
			ids[i] = e.ID
		}
		// Terminal drop. The stream messages are deliberately not acked:
		// they stay pending and remain recoverable by another worker.
		r.log.WithFields(logrus.Fields{
			"envelope":  env.ID,
			"attempts":  env.Attempts,
			"worker":    env.Worker,
			"entry_ids": ids,
		}).WithError(err).Error("retry attempts exhausted; dropping batch")
		telemetry.ObserveRetryDropped(len(env.Entries))
		return outcomeDrop
	}
	env.NextAttempt = time.Now().Add(r.backoff.Delay(env.Attempts))
	return outcomeRequeue
}
