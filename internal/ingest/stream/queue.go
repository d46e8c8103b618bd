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

// Package stream wraps a Redis Stream as the pipeline's durable queue. The
// stream is the durability boundary: an entry appended here has been
// accepted, and the consumer group's pending list is what survives consumer
// crashes until an explicit ack.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DataField is the single stream field carrying the serialized entry.
const DataField = "data"

// Message is one delivered stream message: the stream-assigned id and the
// serialized entry bytes.
type Message struct {
	ID   string
	Data []byte
}

// PendingInfo is the observability view over the consumer group's pending
// entry list.
type PendingInfo struct {
	Count       int64
	PerConsumer map[string]int64
}

// QueueConfig enumerates the stream knobs.
type QueueConfig struct {
	// Key is the stream identifier, Group the consumer group name.
	Key   string
	Group string
	// Consumer is this queue handle's consumer name. It must be unique
	// across the whole deployment, not just this process; see pool naming.
	Consumer string
	// BatchSize bounds messages per Read and per recovery claim.
	BatchSize int
	// Block is the blocking-read timeout keeping the owning worker responsive.
	Block time.Duration
	// ClaimMinIdle is how long a pending message may sit with a silent
	// consumer before another consumer may claim it.
	ClaimMinIdle time.Duration
	// ApproxMaxLen caps the stream length; the store trims oldest entries
	// past it. 0 disables trimming.
	ApproxMaxLen int64
}

// Queue is a consumer-group-scoped handle over the durable stream. Each
// worker owns one Queue with its own consumer name; the underlying client is
// shared and safe for concurrent use.
type Queue struct {
	rdb redis.Cmdable
	cfg QueueConfig
	log *logrus.Entry

	// autoclaimUnsupported flips once when the backing store predates
	// XAUTOCLAIM; recovery then degrades to a no-op (logged once).
	autoclaimUnsupported atomic.Bool
}

// NewQueue builds a queue handle. Initialize must be called before Read.
func NewQueue(rdb redis.Cmdable, cfg QueueConfig, log *logrus.Logger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		rdb: rdb,
		cfg: cfg,
		log: log.WithFields(logrus.Fields{
			"component": "stream",
			"stream":    cfg.Key,
			"group":     cfg.Group,
			"consumer":  cfg.Consumer,
		}),
	}
}

// Initialize idempotently ensures the stream and consumer group exist. A
// BUSYGROUP reply means a prior process already created the group and is not
// an error.
func (q *Queue) Initialize(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Key, q.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.cfg.Group, q.cfg.Key, err)
	}
	return nil
}

// Read blocks for up to the configured timeout and returns up to count
// never-delivered messages. An empty slice with a nil error means the block
// timed out with nothing to deliver.
func (q *Queue) Read(ctx context.Context, count int) ([]Message, error) {
	if count <= 0 {
		count = q.cfg.BatchSize
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Key, ">"},
		Count:    int64(count),
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.cfg.Key, err)
	}
	return flatten(streams), nil
}

// ReadOwnPending redelivers this consumer's own pending entry list: messages
// delivered to this consumer name with an id greater than start that were
// never acknowledged. A restarted consumer calls this before its fresh-read
// loop, since XREADGROUP ">" never redelivers and the idle-claim threshold
// would otherwise stall the slot's in-flight batch. Callers page through the
// list by passing the last returned id as the next start.
func (q *Queue) ReadOwnPending(ctx context.Context, start string, count int) ([]Message, error) {
	if start == "" {
		start = "0"
	}
	if count <= 0 {
		count = q.cfg.BatchSize
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Key, start},
		Count:    int64(count),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup pending %s from %s: %w", q.cfg.Key, start, err)
	}
	return flatten(streams), nil
}

// RecoverPending atomically claims messages held without ack by any consumer
// in the group for longer than ClaimMinIdle, transferring them to this
// consumer. Bounded by BatchSize per invocation. On backing stores without
// the claim primitive it logs once and returns nothing; at-least-once is
// best effort in that degraded mode.
func (q *Queue) RecoverPending(ctx context.Context) ([]Message, error) {
	if q.autoclaimUnsupported.Load() {
		return nil, nil
	}
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Key,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(q.cfg.BatchSize),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			if q.autoclaimUnsupported.CompareAndSwap(false, true) {
				q.log.Warn("backing store does not support XAUTOCLAIM; pending recovery disabled")
			}
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", q.cfg.Key, err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if data, ok := fieldBytes(m.Values); ok {
			out = append(out, Message{ID: m.ID, Data: data})
		}
	}
	return out, nil
}

// Ack acknowledges the given message ids in a single call; acknowledged
// messages are no longer eligible for redelivery.
func (q *Queue) Ack(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.cfg.Key, q.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %d ids on %s: %w", len(ids), q.cfg.Key, err)
	}
	return nil
}

// Append appends serialized entries in order using one pipelined multi-add
// and returns the assigned ids in enqueue order. The append is capped with
// an approximate MAXLEN trim: under runaway producers the store discards the
// oldest entries rather than growing without bound.
func (q *Queue) Append(ctx context.Context, payloads [][]byte) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(payloads))
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range payloads {
			cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.cfg.Key,
				MaxLen: q.cfg.ApproxMaxLen,
				Approx: q.cfg.ApproxMaxLen > 0,
				Values: map[string]interface{}{DataField: p},
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("xadd pipeline of %d on %s: %w", len(payloads), q.cfg.Key, err)
	}
	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("xadd %d/%d on %s: %w", i+1, len(cmds), q.cfg.Key, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// Len reports the current stream length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", q.cfg.Key, err)
	}
	return n, nil
}

// PendingInfo reports the group's pending count and per-consumer breakdown.
func (q *Queue) PendingInfo(ctx context.Context) (PendingInfo, error) {
	p, err := q.rdb.XPending(ctx, q.cfg.Key, q.cfg.Group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingInfo{PerConsumer: map[string]int64{}}, nil
		}
		return PendingInfo{}, fmt.Errorf("xpending %s: %w", q.cfg.Key, err)
	}
	return PendingInfo{Count: p.Count, PerConsumer: p.Consumers}, nil
}

// flatten unwraps the nested XREADGROUP reply into a flat message slice,
// keeping only messages that actually carry the data field.
func flatten(streams []redis.XStream) []Message {
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			if data, ok := fieldBytes(m.Values); ok {
				out = append(out, Message{ID: m.ID, Data: data})
			}
		}
	}
	return out
}

func fieldBytes(values map[string]interface{}) ([]byte, bool) {
	v, ok := values[DataField]
	if !ok {
		return nil, false
	}
	switch d := v.(type) {
	case string:
		return []byte(d), true
	case []byte:
		return d, true
	default:
		return nil, false
	}
}
