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
	"time"

	"logpipe"
)

// BatchBuffer is one half of a worker's ping-pong pair: a bounded buffer of
// entries awaiting a single bulk write. The worker appends into it while the
// other half is in flight to the sink, so no writer ever blocks on a reader
// of the same storage. It is owned exclusively by one worker goroutine and
// needs no locking of its own; Swap is what makes the handoff atomic with
// respect to the worker's enqueue path.
type BatchBuffer struct {
	max     int
	entries []*logpipe.Entry
	oldest  time.Time
}

// NewBatchBuffer pre-allocates storage for max entries.
func NewBatchBuffer(max int) *BatchBuffer {
	return &BatchBuffer{max: max, entries: make([]*logpipe.Entry, 0, max)}
}

// Append adds one entry, recording the age of the first. Returns false when
// the buffer is at capacity; the caller must flush before retrying.
func (b *BatchBuffer) Append(e *logpipe.Entry) bool {
	if len(b.entries) >= b.max {
		return false
	}
	if len(b.entries) == 0 {
		b.oldest = time.Now()
	}
	b.entries = append(b.entries, e)
	return true
}

// Len reports the number of buffered entries.
func (b *BatchBuffer) Len() int { return len(b.entries) }

// Full reports whether the buffer has reached max capacity.
func (b *BatchBuffer) Full() bool { return len(b.entries) >= b.max }

// OldestAge reports how long the oldest buffered entry has been waiting.
// Zero when empty.
func (b *BatchBuffer) OldestAge(now time.Time) time.Duration {
	if len(b.entries) == 0 {
		return 0
	}
	return now.Sub(b.oldest)
}

// Swap hands out the filled batch and installs spare (length reset) as the
// new active storage. spare must be the previously drained slice, or nil on
// first use.
func (b *BatchBuffer) Swap(spare []*logpipe.Entry) []*logpipe.Entry {
	batch := b.entries
	if spare == nil {
		spare = make([]*logpipe.Entry, 0, b.max)
	}
	b.entries = spare[:0]
	b.oldest = time.Time{}
	return batch
}

// streamIDs collects the owning stream ids of a drained batch for the
// post-write ack.
func streamIDs(batch []*logpipe.Entry) []string {
	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		if e.StreamID != "" {
			ids = append(ids, e.StreamID)
		}
	}
	return ids
}
