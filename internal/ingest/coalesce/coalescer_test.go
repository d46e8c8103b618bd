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

package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"logpipe"
)

// recordingProcessor captures every dispatched batch and lets tests script
// per-entry results, whole-batch errors, and slow dispatches.
type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]*logpipe.Entry
	results func(entries []*logpipe.Entry) ([]logpipe.Result, error)
	delay   time.Duration
}

func (p *recordingProcessor) ProcessBatch(ctx context.Context, entries []*logpipe.Entry) ([]logpipe.Result, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	cp := make([]*logpipe.Entry, len(entries))
	copy(cp, entries)
	p.batches = append(p.batches, cp)
	p.mu.Unlock()
	if p.results != nil {
		return p.results(entries)
	}
	out := make([]logpipe.Result, len(entries))
	for i, e := range entries {
		out[i] = logpipe.Result{StreamID: "s-" + e.Message}
	}
	return out, nil
}

func (p *recordingProcessor) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func entry(msg string) *logpipe.Entry {
	e := &logpipe.Entry{AppID: "app", Message: msg}
	if err := e.Normalize(time.Now()); err != nil {
		panic(err)
	}
	return e
}

func mustResult(t *testing.T, ch <-chan logpipe.Result) logpipe.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("completion handle never resolved")
		return logpipe.Result{}
	}
}

// Three concurrent adds against MaxBatchSize=3 must produce exactly one
// dispatch containing all three entries, in enqueue order.
func TestCoalescer_BatchBySize(t *testing.T) {
	proc := &recordingProcessor{}
	c := New(Config{Enabled: true, MaxBatchSize: 3, MaxWaitTime: time.Second}, proc, nil)

	chans := make([]<-chan logpipe.Result, 3)
	for i := 0; i < 3; i++ {
		ch, err := c.Add(entry(fmt.Sprintf("%d", i+1)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		chans[i] = ch
	}
	for i, ch := range chans {
		r := mustResult(t, ch)
		if r.Err != nil {
			t.Fatalf("entry %d failed: %v", i+1, r.Err)
		}
	}
	if got := proc.batchCount(); got != 1 {
		t.Fatalf("want exactly one dispatch, got %d", got)
	}
	for i, e := range proc.batches[0] {
		if e.Message != fmt.Sprintf("%d", i+1) {
			t.Errorf("enqueue order broken at %d: %q", i, e.Message)
		}
	}
}

// A single entry below the size threshold must be dispatched once the wait
// timer fires.
func TestCoalescer_FlushOnTimeout(t *testing.T) {
	proc := &recordingProcessor{}
	c := New(Config{Enabled: true, MaxBatchSize: 3, MaxWaitTime: 50 * time.Millisecond}, proc, nil)

	ch, err := c.Add(entry("solo"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	start := time.Now()
	r := mustResult(t, ch)
	if r.Err != nil {
		t.Fatalf("future failed: %v", r.Err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("dispatched before the wait bound: %v", elapsed)
	}
	if got := proc.batchCount(); got != 1 || len(proc.batches[0]) != 1 {
		t.Fatalf("want one single-entry dispatch, got %d batches", got)
	}
}

// Per-entry failures from the processor must be surfaced verbatim to the
// matching handle while the other handles resolve successfully.
func TestCoalescer_PerEntryError(t *testing.T) {
	bad := errors.New("bad")
	proc := &recordingProcessor{
		results: func(entries []*logpipe.Entry) ([]logpipe.Result, error) {
			out := make([]logpipe.Result, len(entries))
			for i := range entries {
				if i == 1 {
					out[i] = logpipe.Result{Err: bad}
				} else {
					out[i] = logpipe.Result{StreamID: "ok"}
				}
			}
			return out, nil
		},
	}
	c := New(Config{Enabled: true, MaxBatchSize: 3, MaxWaitTime: time.Second}, proc, nil)

	var chans []<-chan logpipe.Result
	for i := 0; i < 3; i++ {
		ch, err := c.Add(entry(fmt.Sprintf("%d", i)))
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		chans = append(chans, ch)
	}
	if r := mustResult(t, chans[0]); r.Err != nil {
		t.Errorf("entry 0: %v", r.Err)
	}
	if r := mustResult(t, chans[1]); !errors.Is(r.Err, bad) {
		t.Errorf("entry 1: want %v, got %v", bad, r.Err)
	}
	if r := mustResult(t, chans[2]); r.Err != nil {
		t.Errorf("entry 2: %v", r.Err)
	}
}

// A processor error fails every handle in the batch with that error.
func TestCoalescer_BatchError(t *testing.T) {
	boom := errors.New("stream unavailable")
	proc := &recordingProcessor{
		results: func(entries []*logpipe.Entry) ([]logpipe.Result, error) { return nil, boom },
	}
	c := New(Config{Enabled: true, MaxBatchSize: 2, MaxWaitTime: time.Second}, proc, nil)

	ch1, _ := c.Add(entry("a"))
	ch2, _ := c.Add(entry("b"))
	for _, ch := range []<-chan logpipe.Result{ch1, ch2} {
		if r := mustResult(t, ch); !errors.Is(r.Err, boom) {
			t.Errorf("want batch error, got %v", r.Err)
		}
	}
}

// A result-count mismatch is a contract violation; every handle must still
// resolve, with an error.
func TestCoalescer_ResultParityViolation(t *testing.T) {
	proc := &recordingProcessor{
		results: func(entries []*logpipe.Entry) ([]logpipe.Result, error) {
			return []logpipe.Result{{StreamID: "only-one"}}, nil
		},
	}
	c := New(Config{Enabled: true, MaxBatchSize: 2, MaxWaitTime: time.Second}, proc, nil)

	ch1, _ := c.Add(entry("a"))
	ch2, _ := c.Add(entry("b"))
	for _, ch := range []<-chan logpipe.Result{ch1, ch2} {
		if r := mustResult(t, ch); r.Err == nil {
			t.Error("want parity error, got success")
		}
	}
}

// Entries arriving while a slow drain is in flight must accumulate into the
// alternate buffer and be dispatched as a second batch afterwards.
func TestCoalescer_RefillDuringDrain(t *testing.T) {
	proc := &recordingProcessor{delay: 50 * time.Millisecond}
	c := New(Config{Enabled: true, MaxBatchSize: 2, MaxWaitTime: time.Second}, proc, nil)

	var chans []<-chan logpipe.Result
	for i := 0; i < 4; i++ {
		ch, err := c.Add(entry(fmt.Sprintf("%d", i)))
		if err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	for i, ch := range chans {
		if r := mustResult(t, ch); r.Err != nil {
			t.Fatalf("entry %d: %v", i, r.Err)
		}
	}
	if got := proc.batchCount(); got != 2 {
		t.Fatalf("want two dispatches, got %d", got)
	}
}

// Shutdown flushes the pending buffer, resolves outstanding handles, and
// rejects later adds with ErrShuttingDown.
func TestCoalescer_Shutdown(t *testing.T) {
	proc := &recordingProcessor{}
	c := New(Config{Enabled: true, MaxBatchSize: 100, MaxWaitTime: time.Hour}, proc, nil)

	ch, err := c.Add(entry("pending"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if r := mustResult(t, ch); r.Err != nil {
		t.Fatalf("pending entry must flush on shutdown: %v", r.Err)
	}
	if _, err := c.Add(entry("late")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("want ErrShuttingDown, got %v", err)
	}
	// Shutdown is idempotent.
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

// Disabled coalescing degrades to one dispatch per call while preserving the
// one-future-per-call contract.
func TestCoalescer_PassThrough(t *testing.T) {
	proc := &recordingProcessor{}
	c := New(Config{Enabled: false}, proc, nil)

	ch1, _ := c.Add(entry("a"))
	ch2, _ := c.Add(entry("b"))
	if r := mustResult(t, ch1); r.Err != nil {
		t.Fatalf("a: %v", r.Err)
	}
	if r := mustResult(t, ch2); r.Err != nil {
		t.Fatalf("b: %v", r.Err)
	}
	if got := proc.batchCount(); got != 2 {
		t.Fatalf("want two single dispatches, got %d", got)
	}
	if err := c.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := c.Add(entry("late")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("want ErrShuttingDown, got %v", err)
	}
}

// ForceFlush dispatches a sub-threshold buffer immediately.
func TestCoalescer_ForceFlush(t *testing.T) {
	proc := &recordingProcessor{}
	c := New(Config{Enabled: true, MaxBatchSize: 100, MaxWaitTime: time.Hour}, proc, nil)

	ch, _ := c.Add(entry("x"))
	c.ForceFlush()
	if r := mustResult(t, ch); r.Err != nil {
		t.Fatalf("force flush: %v", r.Err)
	}
	if got := proc.batchCount(); got != 1 {
		t.Fatalf("want one dispatch, got %d", got)
	}
}
