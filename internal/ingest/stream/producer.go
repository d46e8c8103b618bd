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

package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/telemetry"
)

// Producer bridges the coalescer to the durable stream: it serializes each
// coalesced entry and appends the whole batch in one pipelined write. It is
// the Processor the coalescer dispatches to.
//
// The append either lands the whole pipeline or fails the whole batch, so
// producers see a single consistent error and may retry at the call site.
type Producer struct {
	queue   *Queue
	timeout time.Duration
	log     *logrus.Entry
}

// NewProducer wraps the queue's append side. timeout bounds each pipelined
// write; 0 means 5s.
func NewProducer(queue *Queue, timeout time.Duration, log *logrus.Logger) *Producer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Producer{
		queue:   queue,
		timeout: timeout,
		log:     log.WithField("component", "stream-producer"),
	}
}

// ProcessBatch serializes the entries in enqueue order and appends them in a
// single pipeline. On success each result carries the entry's assigned
// stream id, the durable receipt the producer's future resolves with.
func (p *Producer) ProcessBatch(ctx context.Context, entries []*logpipe.Entry) ([]logpipe.Result, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := e.EncodeWire()
		if err != nil {
			// Serialization failure of any entry fails the batch; entries
			// are normalized before the coalescer, so this is a bug, not
			// producer input.
			telemetry.ObserveStreamAppend(0, err)
			return nil, err
		}
		payloads[i] = b
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ids, err := p.queue.Append(ctx, payloads)
	telemetry.ObserveStreamAppend(len(entries), err)
	if err != nil {
		p.log.WithField("batch", len(entries)).WithError(err).Error("stream append failed")
		return nil, fmt.Errorf("append batch of %d: %w", len(entries), err)
	}
	results := make([]logpipe.Result, len(entries))
	for i, id := range ids {
		results[i] = logpipe.Result{StreamID: id}
	}
	return results, nil
}
