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

// Package worker implements the consumer half of the pipeline: each worker
// owns one consumer slot in the stream's group, buffers deliveries into
// batches, flushes them into the analytics sink, and acknowledges the stream
// only after a successful write. A pool supervises the workers, restarting
// crashed or silent ones with exponential backoff.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/retry"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/stream"
	"logpipe/internal/ingest/telemetry"
)

// Queue is the consumer-side stream capability a worker needs.
// *stream.Queue satisfies it.
type Queue interface {
	Initialize(ctx context.Context) error
	Read(ctx context.Context, count int) ([]stream.Message, error)
	ReadOwnPending(ctx context.Context, start string, count int) ([]stream.Message, error)
	RecoverPending(ctx context.Context) ([]stream.Message, error)
	Ack(ctx context.Context, ids []string) error
}

// Config enumerates the per-worker knobs.
type Config struct {
	// BatchSize is the queue read size per iteration.
	BatchSize int
	// MaxBatchSize is the buffer capacity for one sink flush.
	MaxBatchSize int
	// MaxWaitTime is the buffer age threshold: the oldest buffered entry is
	// flushed no later than this.
	MaxWaitTime time.Duration
	// PollInterval is the sleep between empty reads.
	PollInterval time.Duration
	// RetryQueueLimit pauses new reads while more envelopes than this await
	// retry, letting the retry subsystem catch up (back-pressure).
	RetryQueueLimit int
	// ClaimInterval is how often the worker attempts to recover stalled
	// deliveries from silent consumers.
	ClaimInterval time.Duration
	// RetryInterval is how often the worker drains due retry envelopes.
	RetryInterval time.Duration
	// FlushGrace bounds the wait for the in-flight flush during shutdown.
	FlushGrace time.Duration
	// SinkTimeout bounds one sink write.
	SinkTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10000
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.RetryQueueLimit <= 0 {
		c.RetryQueueLimit = 100
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.FlushGrace <= 0 {
		c.FlushGrace = 10 * time.Second
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
}

// Health is the heartbeat a worker publishes for the pool's aggregated view.
// All fields are atomics; the pool reads them concurrently.
type Health struct {
	LastBeat  atomic.Int64 // unix nanos of the last loop iteration
	Buffered  atomic.Int64
	Processed atomic.Int64
}

// Worker owns one logical consumer slot. It is single-threaded: the main
// loop handles reads, buffering, recovery, and retry draining; only the sink
// write+ack runs on a side goroutine so reads continue during a flush.
type Worker struct {
	name  string
	cfg   Config
	queue Queue
	sink  sink.Sink
	retry retry.Strategy
	log   *logrus.Entry

	buffer *BatchBuffer
	// inFlight is non-nil while a flush goroutine runs; it yields the
	// drained storage back for reuse as the next spare.
	inFlight chan []*logpipe.Entry
	spare    []*logpipe.Entry

	health  Health
	stopCh  chan struct{}
	stopped atomic.Bool
}

// New builds a worker. name must be unique across the deployment; it doubles
// as the stream consumer identity, which is what keeps recovery from racing
// between two consumers claiming to be the same.
func New(name string, cfg Config, queue Queue, s sink.Sink, r retry.Strategy, log *logrus.Logger) *Worker {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Worker{
		name:   name,
		cfg:    cfg,
		queue:  queue,
		sink:   s,
		retry:  r,
		log:    log.WithFields(logrus.Fields{"component": "worker", "consumer": name}),
		buffer: NewBatchBuffer(cfg.MaxBatchSize),
		stopCh: make(chan struct{}),
	}
}

// Name returns the worker's deployment-unique consumer name.
func (w *Worker) Name() string { return w.name }

// Health exposes the worker's heartbeat counters to the pool.
func (w *Worker) Health() *Health { return &w.health }

// Stop signals the main loop to shut down. Safe to call more than once.
func (w *Worker) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		close(w.stopCh)
	}
}

// Run executes the main loop until Stop or ctx cancellation. It returns nil
// on a clean shutdown; the pool treats a non-nil return (or a panic) as a
// crash and restarts the worker.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("worker %s: initialize queue: %w", w.name, err)
	}
	// Reprocess this consumer's own unacked deliveries first: a restarted
	// incarnation inherits its predecessor's pending list under the same
	// name, and neither a fresh read nor the idle claim would surface it
	// before the idle threshold.
	w.redeliverOwn(ctx)
	// Then adopt messages abandoned by other, silent consumers.
	w.recover(ctx)

	lastClaim := time.Now()
	lastRetry := time.Now()
	w.log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			w.drain(ctx)
			w.log.Info("worker stopped")
			return nil
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return nil
		default:
		}
		w.beat()

		// Back-pressure: while the retry backlog is over the limit, pause
		// reads and help the retry subsystem catch up instead.
		if pending, err := w.retry.PendingCount(ctx); err == nil && pending > w.cfg.RetryQueueLimit {
			w.processRetries(ctx)
			lastRetry = time.Now()
			w.flushIfDue(ctx)
			w.sleep(w.cfg.PollInterval)
			continue
		}

		if time.Since(lastClaim) >= w.cfg.ClaimInterval {
			w.recover(ctx)
			lastClaim = time.Now()
		}

		msgs, err := w.queue.Read(ctx, w.cfg.BatchSize)
		if err != nil {
			w.log.WithError(err).Warn("stream read failed")
			w.sleep(w.cfg.PollInterval)
			continue
		}
		if len(msgs) == 0 {
			w.flushIfDue(ctx)
			w.sleep(w.cfg.PollInterval)
		} else {
			w.absorb(ctx, msgs)
		}

		if time.Since(lastRetry) >= w.cfg.RetryInterval {
			w.processRetries(ctx)
			lastRetry = time.Now()
		}
	}
}

// beat publishes the heartbeat the pool's health monitor watches.
func (w *Worker) beat() {
	w.health.LastBeat.Store(time.Now().UnixNano())
	w.health.Buffered.Store(int64(w.buffer.Len()))
	telemetry.SetWorkerBuffered(w.name, w.buffer.Len())
}

// absorb decodes delivered messages into the buffer, flushing whenever a
// threshold is crossed. Undecodable payloads are acked away immediately:
// redelivering garbage forever helps no one.
func (w *Worker) absorb(ctx context.Context, msgs []stream.Message) {
	var poison []string
	for _, m := range msgs {
		e, err := logpipe.DecodeWire(m.Data, m.ID)
		if err != nil {
			w.log.WithError(err).WithField("stream_id", m.ID).Warn("dropping undecodable message")
			poison = append(poison, m.ID)
			continue
		}
		for !w.buffer.Append(e) {
			w.flush(ctx)
		}
		if w.buffer.Full() || w.buffer.OldestAge(time.Now()) >= w.cfg.MaxWaitTime {
			w.flush(ctx)
		}
	}
	if len(poison) > 0 {
		if err := w.queue.Ack(ctx, poison); err != nil {
			w.log.WithError(err).Warn("failed to ack poison messages")
		}
	}
}

// flushIfDue flushes a non-empty buffer whose oldest entry has aged out.
func (w *Worker) flushIfDue(ctx context.Context) {
	if w.buffer.Len() > 0 && w.buffer.OldestAge(time.Now()) >= w.cfg.MaxWaitTime {
		w.flush(ctx)
	}
}

// flush swaps the ping-pong buffers and writes the drained batch on a side
// goroutine. If a previous flush is still in flight it waits its turn first,
// which is also what bounds the worker to one outstanding sink write.
func (w *Worker) flush(ctx context.Context) {
	if w.inFlight != nil {
		w.spare = <-w.inFlight
		w.inFlight = nil
	}
	if w.buffer.Len() == 0 {
		return
	}
	batch := w.buffer.Swap(w.spare)
	w.spare = nil
	done := make(chan []*logpipe.Entry, 1)
	w.inFlight = done
	go func() {
		w.writeAndAck(ctx, batch)
		done <- batch[:0]
	}()
}

// writeAndAck is the flush protocol: sink write, then ack on success, or
// hand the whole batch to the retry strategy on failure. The ack is never
// issued before the write returns success.
func (w *Worker) writeAndAck(ctx context.Context, batch []*logpipe.Entry) {
	ids := streamIDs(batch)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SinkTimeout)
	defer cancel()

	if err := w.sink.Write(wctx, batch); err != nil {
		telemetry.ObserveSinkError()
		w.log.WithError(err).WithField("batch", len(batch)).Warn("sink write failed; routing to retry")
		if qErr := w.retry.QueueForRetry(wctx, append([]*logpipe.Entry(nil), batch...), err, w.name); qErr != nil {
			// Nowhere left to put the batch. The stream ids stay pending, so
			// another consumer will recover and reprocess them.
			entryIDs := make([]string, len(batch))
			for i, e := range batch {
				entryIDs[i] = e.ID
			}
			w.log.WithError(qErr).WithField("entry_ids", entryIDs).
				Error("retry persistence failed; batch dropped, stream messages stay pending")
		}
		w.health.Processed.Add(int64(len(batch)))
		telemetry.ObserveWorkerProcessed(w.name, len(batch))
		return
	}
	telemetry.ObserveSinkRows(len(batch))
	if err := w.queue.Ack(wctx, ids); err != nil {
		// Rows are durable; redelivery after the idle threshold will be
		// de-duplicated by the sink's deterministic ids.
		w.log.WithError(err).WithField("ids", len(ids)).Warn("ack failed after successful write")
	} else {
		telemetry.ObserveAcked(len(ids))
	}
	w.health.Processed.Add(int64(len(batch)))
	telemetry.ObserveWorkerProcessed(w.name, len(batch))
}

// redeliverOwn pages through this consumer's pending entry list and feeds it
// through the normal buffer/flush/ack path.
func (w *Worker) redeliverOwn(ctx context.Context) {
	start := "0"
	total := 0
	for {
		msgs, err := w.queue.ReadOwnPending(ctx, start, w.cfg.BatchSize)
		if err != nil {
			w.log.WithError(err).Warn("own pending redelivery failed")
			return
		}
		if len(msgs) == 0 {
			break
		}
		total += len(msgs)
		telemetry.ObserveRecovered(len(msgs))
		w.absorb(ctx, msgs)
		start = msgs[len(msgs)-1].ID
	}
	if total > 0 {
		w.log.WithField("count", total).Info("redelivered own pending entries")
	}
}

// recover claims stalled deliveries from silent consumers and treats them
// exactly like fresh reads.
func (w *Worker) recover(ctx context.Context) {
	msgs, err := w.queue.RecoverPending(ctx)
	if err != nil {
		w.log.WithError(err).Warn("pending recovery failed")
		return
	}
	if len(msgs) > 0 {
		w.log.WithField("count", len(msgs)).Info("recovered stalled deliveries")
		telemetry.ObserveRecovered(len(msgs))
		w.absorb(ctx, msgs)
	}
}

func (w *Worker) processRetries(ctx context.Context) {
	if processed, remaining, err := w.retry.ProcessRetries(ctx); err != nil {
		w.log.WithError(err).Warn("retry processing failed")
	} else if processed > 0 {
		w.log.WithFields(logrus.Fields{"processed": processed, "remaining": remaining}).
			Debug("drained retry envelopes")
	}
}

// drain is the shutdown path: flush the active buffer, then wait up to the
// grace period for the in-flight write to finish. Unacknowledged messages
// stay in the pending list for the next cohort to recover.
func (w *Worker) drain(ctx context.Context) {
	w.flush(ctx)
	if w.inFlight == nil {
		return
	}
	select {
	case <-w.inFlight:
		w.inFlight = nil
	case <-time.After(w.cfg.FlushGrace):
		w.log.Warn("shutdown grace elapsed with flush in flight")
	}
}

// sleep waits for d but wakes immediately on stop.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}
