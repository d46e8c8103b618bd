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

// Package sink provides the analytics-store adapters the consumer workers
// flush into. All adapters share one contract: a bulk write that is
// idempotent per deterministic entry id, so at-least-once redelivery from
// the stream cannot duplicate rows.
package sink

import (
	"context"
	"sync"

	"logpipe"
)

// Sink accepts bulk row writes. Implementations must be safe for concurrent
// use by all workers and must be idempotent per entry ID. A returned error
// means the whole batch must be retried.
type Sink interface {
	Write(ctx context.Context, entries []*logpipe.Entry) error
}

// Memory is an in-process sink for development and tests. It de-duplicates
// by entry id, mirroring the dedup a production store performs on the
// deterministic key.
type Memory struct {
	mu      sync.Mutex
	rows    map[string]*logpipe.Entry
	order   []string
	failFor int
	writes  int
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*logpipe.Entry)}
}

// FailNext makes the next n Write calls return an error, for exercising the
// retry path.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.failFor = n
	m.mu.Unlock()
}

func (m *Memory) Write(ctx context.Context, entries []*logpipe.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failFor > 0 {
		m.failFor--
		return errMemoryFail
	}
	for _, e := range entries {
		if _, dup := m.rows[e.ID]; dup {
			continue
		}
		m.rows[e.ID] = e
		m.order = append(m.order, e.ID)
	}
	return nil
}

// Rows returns the stored entries in first-write order.
func (m *Memory) Rows() []*logpipe.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*logpipe.Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id])
	}
	return out
}

// Writes returns the number of Write calls, including failed ones.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type memoryFailError struct{}

func (memoryFailError) Error() string { return "memory sink: scripted write failure" }

var errMemoryFail = memoryFailError{}
