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

// Package coalesce implements the producer-side request coalescer: many
// concurrent Add calls are merged into one bulk call to an injected batch
// processor, bounded by batch size and by wait time.
//
// The coalescer uses two pre-allocated ping-pong buffers of capacity
// 2*MaxBatchSize. Producers append into the active buffer; when the size
// threshold is reached or the wait timer fires, the buffers swap and the
// drained one is handed to the processor. The overallocation absorbs a burst
// of enqueues racing the swap without blocking producers. Only one drain is
// in flight at a time; a second trigger refills the alternate buffer and
// waits its turn.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/telemetry"
)

// ErrShuttingDown is returned by Add once shutdown has begun. Producers must
// not retry against this instance.
var ErrShuttingDown = errors.New("coalescer: shutting down")

// Processor is the batch capability the coalescer dispatches to. It receives
// entries in enqueue order and must return exactly one result per entry, in
// the same order. In this system the processor is the stream producer.
type Processor interface {
	ProcessBatch(ctx context.Context, entries []*logpipe.Entry) ([]logpipe.Result, error)
}

// Config enumerates the coalescer knobs. All fields are required.
type Config struct {
	// Enabled false turns the coalescer into a pass-through: each Add is
	// dispatched singly, preserving the one-future-per-call contract.
	Enabled bool
	// MaxBatchSize is the hard upper bound on entries per dispatch.
	MaxBatchSize int
	// MaxWaitTime bounds the time from the first entry of a batch to its
	// dispatch.
	MaxWaitTime time.Duration
}

type pendingRequest struct {
	entry      *logpipe.Entry
	done       chan logpipe.Result
	enqueuedAt time.Time
}

// Coalescer merges concurrent Add calls into bulk dispatches. Safe for
// concurrent use.
type Coalescer struct {
	cfg  Config
	proc Processor
	log  *logrus.Entry

	mu       sync.Mutex
	notFull  *sync.Cond
	bufs     [2][]pendingRequest
	active   int
	draining bool
	closed   bool

	// timerGen invalidates stale timer callbacks after a swap or re-arm.
	timer    *time.Timer
	timerGen uint64

	// flushNow forces a dispatch of the refilled buffer as soon as the
	// in-flight drain completes, regardless of thresholds.
	flushNow bool

	wg sync.WaitGroup
}

// New builds a coalescer around the given processor. Panics on a nil
// processor or non-positive thresholds while enabled, since there is no sane
// fallback for either.
func New(cfg Config, proc Processor, log *logrus.Logger) *Coalescer {
	if proc == nil {
		panic("coalesce: nil processor")
	}
	if cfg.Enabled && (cfg.MaxBatchSize <= 0 || cfg.MaxWaitTime <= 0) {
		panic("coalesce: MaxBatchSize and MaxWaitTime must be positive")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Coalescer{
		cfg:  cfg,
		proc: proc,
		log:  log.WithField("component", "coalescer"),
	}
	c.notFull = sync.NewCond(&c.mu)
	if cfg.Enabled {
		c.bufs[0] = make([]pendingRequest, 0, 2*cfg.MaxBatchSize)
		c.bufs[1] = make([]pendingRequest, 0, 2*cfg.MaxBatchSize)
	}
	return c
}

// Add enqueues one entry and returns a completion handle that resolves with
// the processor's per-entry result. The entry must already be validated and
// normalized. The returned channel is buffered; the caller may abandon it
// without leaking a goroutine.
func (c *Coalescer) Add(entry *logpipe.Entry) (<-chan logpipe.Result, error) {
	done := make(chan logpipe.Result, 1)

	if !c.cfg.Enabled {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrShuttingDown
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.wg.Done()
			c.dispatchSingle(entry, done)
		}()
		return done, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	// The active buffer can only reach 2*MaxBatchSize while a drain is in
	// flight. Block the producer until the drain returns a buffer.
	for len(c.bufs[c.active]) == cap(c.bufs[c.active]) {
		c.notFull.Wait()
		if c.closed {
			return nil, ErrShuttingDown
		}
	}

	buf := append(c.bufs[c.active], pendingRequest{entry: entry, done: done, enqueuedAt: time.Now()})
	c.bufs[c.active] = buf

	switch {
	case len(buf) >= c.cfg.MaxBatchSize && !c.draining:
		c.swapAndDispatchLocked()
	case len(buf) == 1:
		c.armTimerLocked(c.cfg.MaxWaitTime)
	}
	return done, nil
}

// ForceFlush drains the active buffer immediately, regardless of thresholds.
// If a drain is already in flight the flush happens as soon as it completes.
func (c *Coalescer) ForceFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cfg.Enabled || len(c.bufs[c.active]) == 0 {
		return
	}
	if c.draining {
		c.flushNow = true
		return
	}
	c.swapAndDispatchLocked()
}

// Shutdown disables enqueue, flushes pending entries, and waits up to grace
// for in-flight dispatches to finish. Entries added after Shutdown fail with
// ErrShuttingDown.
func (c *Coalescer) Shutdown(grace time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.notFull.Broadcast()
	if c.cfg.Enabled && len(c.bufs[c.active]) > 0 {
		if c.draining {
			c.flushNow = true
		} else {
			c.swapAndDispatchLocked()
		}
	}
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("coalescer: shutdown grace %s elapsed with dispatches in flight", grace)
	}
}

// armTimerLocked (re)arms the wait timer. Any previously armed timer becomes
// stale via the generation counter.
func (c *Coalescer) armTimerLocked(d time.Duration) {
	c.timerGen++
	gen := c.timerGen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() { c.onTimer(gen) })
}

func (c *Coalescer) onTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen || len(c.bufs[c.active]) == 0 {
		return
	}
	if c.draining {
		// The batch's age bound has passed mid-drain; dispatch the refill
		// the moment the drain completes.
		c.flushNow = true
		return
	}
	c.swapAndDispatchLocked()
}

// swapAndDispatchLocked atomically swaps the ping-pong buffers and hands the
// drained one to the processor on a fresh goroutine. Caller holds c.mu and
// has checked that no drain is in flight.
func (c *Coalescer) swapAndDispatchLocked() {
	batch := c.bufs[c.active]
	c.active = 1 - c.active
	c.draining = true
	c.flushNow = false
	c.timerGen++ // invalidate the wait timer for the drained batch

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runBatch(batch)
	}()
}

// runBatch invokes the processor and completes every handle in the batch
// exactly once, then returns the drained buffer to the ping-pong pair.
func (c *Coalescer) runBatch(batch []pendingRequest) {
	entries := make([]*logpipe.Entry, len(batch))
	for i := range batch {
		entries[i] = batch[i].entry
	}

	results, err := c.proc.ProcessBatch(context.Background(), entries)
	switch {
	case err != nil:
		for i := range batch {
			batch[i].done <- logpipe.Result{Err: err}
		}
	case len(results) != len(batch):
		// Result parity violation; the processor broke its contract, so no
		// per-entry outcome is trustworthy.
		parityErr := fmt.Errorf("coalesce: processor returned %d results for %d entries", len(results), len(batch))
		c.log.WithField("batch", len(batch)).Error(parityErr.Error())
		for i := range batch {
			batch[i].done <- logpipe.Result{Err: parityErr}
		}
	default:
		for i := range batch {
			batch[i].done <- results[i]
		}
	}
	telemetry.ObserveCoalescedBatch(len(batch))

	c.mu.Lock()
	// Return the drained storage to the idle slot and wake blocked producers.
	idle := 1 - c.active
	c.bufs[idle] = batch[:0]
	c.draining = false
	c.notFull.Broadcast()

	// The refilled buffer may already be due: by size, by an expired age
	// bound, by an explicit flush, or because shutdown wants it gone.
	refill := c.bufs[c.active]
	switch {
	case len(refill) == 0:
		// Nothing accumulated during the drain.
	case len(refill) >= c.cfg.MaxBatchSize || c.flushNow || c.closed:
		c.swapAndDispatchLocked()
	default:
		remaining := c.cfg.MaxWaitTime - time.Since(refill[0].enqueuedAt)
		if remaining <= 0 {
			c.swapAndDispatchLocked()
		} else {
			c.armTimerLocked(remaining)
		}
	}
	c.mu.Unlock()
}

// dispatchSingle is the pass-through path used when coalescing is disabled.
func (c *Coalescer) dispatchSingle(entry *logpipe.Entry, done chan logpipe.Result) {
	results, err := c.proc.ProcessBatch(context.Background(), []*logpipe.Entry{entry})
	switch {
	case err != nil:
		done <- logpipe.Result{Err: err}
	case len(results) != 1:
		done <- logpipe.Result{Err: fmt.Errorf("coalesce: processor returned %d results for 1 entry", len(results))}
	default:
		done <- results[0]
	}
	telemetry.ObserveCoalescedBatch(1)
}
