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
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe/internal/ingest/telemetry"
)

// Factory builds a fresh worker for a consumer name. The pool calls it on
// every (re)start so each incarnation gets clean state; the consumer name is
// stable across restarts, keeping the pending list attached to the slot.
type Factory func(consumerName string) (*Worker, error)

// PoolConfig enumerates the supervision knobs.
type PoolConfig struct {
	// Count is the fixed number of workers.
	Count int
	// InstanceID must be unique across processes; consumer names are
	// "<instance>-<index>", which keeps recovery from racing between two
	// consumers claiming the same identity anywhere in the deployment.
	InstanceID string
	// RestartBase/RestartMax bound the exponential restart backoff.
	RestartBase time.Duration
	RestartMax  time.Duration
	// StableAfter is how long a worker must run before its backoff counter
	// resets.
	StableAfter time.Duration
	// HealthInterval is the monitor cadence; a worker silent for more than
	// twice this is restarted.
	HealthInterval time.Duration
	// ShutdownGrace is the per-worker wait during Stop.
	ShutdownGrace time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.RestartBase <= 0 {
		c.RestartBase = 500 * time.Millisecond
	}
	if c.RestartMax <= 0 {
		c.RestartMax = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
}

// WorkerStatus is one worker's entry in the pool's aggregated health view.
type WorkerStatus struct {
	Consumer  string    `json:"consumer"`
	LastBeat  time.Time `json:"last_beat"`
	Buffered  int64     `json:"buffered"`
	Processed int64     `json:"processed"`
	Restarts  int       `json:"restarts"`
	Running   bool      `json:"running"`
}

// PoolStatus aggregates worker health plus process memory.
type PoolStatus struct {
	Workers      []WorkerStatus `json:"workers"`
	HeapAlloc    uint64         `json:"heap_alloc_bytes"`
	NumGoroutine int            `json:"goroutines"`
}

type slot struct {
	mu       sync.Mutex
	current  *Worker
	restarts int
	running  bool
}

// Pool supervises a fixed set of workers: each runs independently; a crashed
// or silent one is restarted with exponential backoff, reset after a stable
// run.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	log     *logrus.Entry

	slots  []*slot
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPool builds the supervisor. Start launches the workers.
func NewPool(cfg PoolConfig, factory Factory, log *logrus.Logger) *Pool {
	cfg.applyDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log.WithField("component", "worker-pool"),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.Count; i++ {
		p.slots = append(p.slots, &slot{})
	}
	return p
}

// Start launches one supervised goroutine per worker slot plus the health
// monitor.
func (p *Pool) Start(ctx context.Context) {
	p.log.WithField("count", p.cfg.Count).Info("starting worker pool")
	for i, s := range p.slots {
		name := fmt.Sprintf("%s-%d", p.cfg.InstanceID, i)
		p.wg.Add(1)
		go func(s *slot, name string) {
			defer p.wg.Done()
			p.supervise(ctx, s, name)
		}(s, name)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor()
	}()
}

// supervise runs one slot's restart loop until shutdown.
func (p *Pool) supervise(ctx context.Context, s *slot, name string) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		w, err := p.factory(name)
		if err != nil {
			p.log.WithError(err).WithField("consumer", name).Error("worker construction failed")
			if !p.backoffWait(s, name) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.current = w
		s.running = true
		s.mu.Unlock()

		started := time.Now()
		err = p.runGuarded(ctx, w)

		s.mu.Lock()
		s.running = false
		if time.Since(started) >= p.cfg.StableAfter {
			s.restarts = 0
		}
		s.mu.Unlock()

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			p.log.WithError(err).WithField("consumer", name).Error("worker crashed")
		} else {
			p.log.WithField("consumer", name).Warn("worker exited; restarting")
		}
		telemetry.ObserveWorkerRestart()
		if !p.backoffWait(s, name) {
			return
		}
	}
}

// runGuarded converts a worker panic into an error so the supervisor
// restarts instead of taking the process down.
func (p *Pool) runGuarded(ctx context.Context, w *Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.Name(), r)
		}
	}()
	return w.Run(ctx)
}

// backoffWait sleeps the slot's current restart delay. Returns false if the
// pool shut down during the wait.
func (p *Pool) backoffWait(s *slot, name string) bool {
	s.mu.Lock()
	attempt := s.restarts
	s.restarts++
	s.mu.Unlock()

	delay := p.cfg.RestartBase << attempt
	if delay > p.cfg.RestartMax || delay <= 0 {
		delay = p.cfg.RestartMax
	}
	p.log.WithFields(logrus.Fields{"consumer": name, "delay": delay.String()}).Info("restart backoff")
	select {
	case <-p.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// monitor restarts workers whose heartbeat has gone silent for more than
// twice the reporting interval.
func (p *Pool) monitor() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	staleAfter := 2 * p.cfg.HealthInterval
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
		now := time.Now()
		for _, s := range p.slots {
			s.mu.Lock()
			w, running := s.current, s.running
			s.mu.Unlock()
			if w == nil || !running {
				continue
			}
			last := time.Unix(0, w.Health().LastBeat.Load())
			if w.Health().LastBeat.Load() != 0 && now.Sub(last) > staleAfter {
				p.log.WithFields(logrus.Fields{
					"consumer":  w.Name(),
					"last_beat": last.Format(time.RFC3339),
				}).Warn("worker heartbeat stale; restarting")
				w.Stop()
			}
		}
	}
}

// Status returns the aggregated health view.
func (p *Pool) Status() PoolStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := PoolStatus{HeapAlloc: ms.HeapAlloc, NumGoroutine: runtime.NumGoroutine()}
	for _, s := range p.slots {
		s.mu.Lock()
		w := s.current
		ws := WorkerStatus{Restarts: s.restarts, Running: s.running}
		if w != nil {
			ws.Consumer = w.Name()
			ws.LastBeat = time.Unix(0, w.Health().LastBeat.Load())
			ws.Buffered = w.Health().Buffered.Load()
			ws.Processed = w.Health().Processed.Load()
		}
		s.mu.Unlock()
		st.Workers = append(st.Workers, ws)
	}
	return st
}

// Stop propagates shutdown to every worker and waits up to the per-worker
// grace period for the pool to wind down; stragglers are abandoned with a
// log line (their unacked messages stay recoverable).
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	for _, s := range p.slots {
		s.mu.Lock()
		if s.current != nil {
			s.current.Stop()
		}
		s.mu.Unlock()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("worker pool shutdown grace elapsed; abandoning stragglers")
	}
}
