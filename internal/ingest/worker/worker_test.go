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

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/retry"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/stream"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeQueue serves scripted read batches once each, records acks, and can
// fail the first N acks.
type fakeQueue struct {
	mu         sync.Mutex
	batches    [][]stream.Message
	ownPending []stream.Message
	recovered  []stream.Message
	acked      []string
	ackCalls   int
	failAcks   int
	reads      int
	onAck      func(ids []string)
}

func (q *fakeQueue) Initialize(ctx context.Context) error { return nil }

func (q *fakeQueue) Read(ctx context.Context, count int) ([]stream.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reads++
	if len(q.batches) == 0 {
		return nil, nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b, nil
}

func (q *fakeQueue) ReadOwnPending(ctx context.Context, start string, count int) ([]stream.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// The real queue pages by id; serving everything past start mimics that.
	var out []stream.Message
	for _, m := range q.ownPending {
		if m.ID > start {
			out = append(out, m)
		}
	}
	return out, nil
}

func (q *fakeQueue) RecoverPending(ctx context.Context) ([]stream.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.recovered
	q.recovered = nil
	return msgs, nil
}

func (q *fakeQueue) Ack(ctx context.Context, ids []string) error {
	q.mu.Lock()
	hook := q.onAck
	q.ackCalls++
	fail := q.failAcks > 0
	if fail {
		q.failAcks--
	} else {
		q.acked = append(q.acked, ids...)
	}
	q.mu.Unlock()
	if hook != nil {
		hook(ids)
	}
	if fail {
		return errors.New("scripted ack failure")
	}
	return nil
}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func (q *fakeQueue) readCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reads
}

// stuckRetry reports a fixed backlog; used to exercise back-pressure.
type stuckRetry struct {
	pending   int
	processes int
	mu        sync.Mutex
}

func (r *stuckRetry) QueueForRetry(ctx context.Context, entries []*logpipe.Entry, cause error, worker string) error {
	return nil
}

func (r *stuckRetry) ProcessRetries(ctx context.Context) (int, int, error) {
	r.mu.Lock()
	r.processes++
	r.mu.Unlock()
	return 0, r.pending, nil
}

func (r *stuckRetry) PendingCount(ctx context.Context) (int, error) { return r.pending, nil }

func (r *stuckRetry) processCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processes
}

func encodedMessage(t *testing.T, streamID, msg string) stream.Message {
	t.Helper()
	e := &logpipe.Entry{AppID: "app", Message: msg}
	if err := e.Normalize(time.Now()); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	data, err := e.EncodeWire()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return stream.Message{ID: streamID, Data: data}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		w.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("worker exited with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

// Delivered messages are written in arrival order and acknowledged only
// after the write, never before.
func TestWorker_WritesThenAcks(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{}
	var ackViolations int
	q.onAck = func(ids []string) {
		if len(s.Rows()) < len(ids) {
			ackViolations++
		}
	}
	msgs := make([]stream.Message, 4)
	for i := range msgs {
		msgs[i] = encodedMessage(t, fmt.Sprintf("1-%d", i), fmt.Sprintf("msg %d", i))
	}
	q.batches = [][]stream.Message{msgs}

	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 2,
		MaxWaitTime:  time.Minute,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "all acks", func() bool { return len(q.ackedIDs()) == 4 })
	if ackViolations > 0 {
		t.Fatalf("%d acks observed before the write completed", ackViolations)
	}
	rows := s.Rows()
	if len(rows) != 4 {
		t.Fatalf("want 4 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if want := fmt.Sprintf("msg %d", i); row.Message != want {
			t.Errorf("row %d out of order: got %q want %q", i, row.Message, want)
		}
	}
}

// A partial buffer must still flush once its oldest entry has waited past
// the age threshold.
func TestWorker_FlushOnAge(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{batches: [][]stream.Message{{encodedMessage(t, "5-0", "lonely")}}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 1000,
		MaxWaitTime:  15 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "age flush", func() bool { return len(s.Rows()) == 1 })
	waitFor(t, "ack", func() bool { return len(q.ackedIDs()) == 1 })
}

// Stop flushes whatever is buffered before returning, even if no threshold
// was reached.
func TestWorker_FlushOnShutdown(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{batches: [][]stream.Message{{encodedMessage(t, "7-0", "pending")}}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 1000,
		MaxWaitTime:  time.Hour,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	waitFor(t, "read consumed", func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.batches) == 0 && q.reads > 0
	})
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(s.Rows()) != 1 {
		t.Fatalf("shutdown must flush the buffer, got %d rows", len(s.Rows()))
	}
	if got := q.ackedIDs(); len(got) != 1 || got[0] != "7-0" {
		t.Fatalf("unexpected acks: %v", got)
	}
}

// A failed sink write routes the whole batch to the retry strategy; the
// stream is not acked until a retry attempt succeeds.
func TestWorker_SinkFailureRoutesToRetry(t *testing.T) {
	s := sink.NewMemory()
	s.FailNext(1)
	q := &fakeQueue{batches: [][]stream.Message{{
		encodedMessage(t, "2-0", "a"),
		encodedMessage(t, "2-1", "b"),
	}}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond}, 5, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize:  2,
		MaxWaitTime:   time.Minute,
		PollInterval:  2 * time.Millisecond,
		RetryInterval: 3 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "retry success", func() bool { return len(s.Rows()) == 2 })
	waitFor(t, "ack after retry", func() bool { return len(q.ackedIDs()) == 2 })
	if n, _ := r.PendingCount(context.Background()); n != 0 {
		t.Errorf("retry backlog should be empty, got %d", n)
	}
}

// Undecodable payloads are acked away instead of poisoning the buffer.
func TestWorker_PoisonMessageAckedAway(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{batches: [][]stream.Message{{
		{ID: "3-0", Data: []byte("not json at all")},
		encodedMessage(t, "3-1", "good"),
	}}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 1,
		MaxWaitTime:  time.Minute,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "both acks", func() bool { return len(q.ackedIDs()) == 2 })
	if len(s.Rows()) != 1 || s.Rows()[0].Message != "good" {
		t.Fatalf("only the decodable entry should be written, rows=%d", len(s.Rows()))
	}
}

// While the retry backlog exceeds the limit the worker must stop reading and
// spend its iterations draining retries instead.
func TestWorker_BackPressurePausesReads(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{batches: [][]stream.Message{{encodedMessage(t, "4-0", "held")}}}
	r := &stuckRetry{pending: 500}
	w := New("t-0", Config{
		MaxBatchSize:    10,
		MaxWaitTime:     time.Minute,
		PollInterval:    time.Millisecond,
		RetryQueueLimit: 100,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "retry draining", func() bool { return r.processCount() >= 3 })
	if got := q.readCount(); got != 0 {
		t.Fatalf("reads must pause under back-pressure, saw %d", got)
	}
}

// A restarted consumer must reprocess its own unacked deliveries immediately
// at start-up: they are invisible to fresh reads and the idle-claim threshold
// has not passed, so only an explicit pending-list read surfaces them.
func TestWorker_RedeliversOwnPendingAtStartup(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{ownPending: []stream.Message{
		encodedMessage(t, "1-0", "inherited a"),
		encodedMessage(t, "1-1", "inherited b"),
	}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 2,
		MaxWaitTime:  time.Minute,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "inherited rows", func() bool { return len(s.Rows()) == 2 })
	waitFor(t, "inherited acks", func() bool { return len(q.ackedIDs()) == 2 })
	got := q.ackedIDs()
	if got[0] != "1-0" || got[1] != "1-1" {
		t.Fatalf("unexpected acked ids: %v", got)
	}
}

// Messages claimed from a dead consumer's pending list flow through the same
// write-then-ack path as fresh deliveries.
func TestWorker_RecoversStalledDeliveries(t *testing.T) {
	s := sink.NewMemory()
	q := &fakeQueue{recovered: []stream.Message{
		encodedMessage(t, "6-0", "orphan a"),
		encodedMessage(t, "6-1", "orphan b"),
	}}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 2,
		MaxWaitTime:  time.Minute,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "recovered rows", func() bool { return len(s.Rows()) == 2 })
	waitFor(t, "recovered acks", func() bool { return len(q.ackedIDs()) == 2 })
}

// Crash between write and ack: the ack fails, the stream redelivers, and the
// sink's id-level dedup keeps the rows single.
func TestWorker_RedeliveryAfterFailedAckIsDeduplicated(t *testing.T) {
	s := sink.NewMemory()
	first := []stream.Message{
		encodedMessage(t, "8-0", "once"),
		encodedMessage(t, "8-1", "twice"),
	}
	redelivery := make([]stream.Message, len(first))
	copy(redelivery, first)
	q := &fakeQueue{
		batches:  [][]stream.Message{first, redelivery},
		failAcks: 1,
	}
	r := retry.NewMemory(s, q, retry.Backoff{Base: time.Millisecond, Max: time.Millisecond}, 3, quietLogger())
	w := New("t-0", Config{
		MaxBatchSize: 2,
		MaxWaitTime:  time.Minute,
		PollInterval: 2 * time.Millisecond,
	}, q, s, r, quietLogger())
	runWorker(t, w)

	waitFor(t, "second ack", func() bool { return len(q.ackedIDs()) == 2 })
	if len(s.Rows()) != 2 {
		t.Fatalf("redelivered batch must be de-duplicated, got %d rows", len(s.Rows()))
	}
}
