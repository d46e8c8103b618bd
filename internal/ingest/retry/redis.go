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

package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"logpipe"
	"logpipe/internal/ingest/sink"
	"logpipe/internal/ingest/telemetry"
)

// processBatchLimit bounds how many due envelopes one ProcessRetries call
// drains, so a worker's loop iteration stays bounded.
const processBatchLimit = 64

// Redis persists envelopes in a sorted set scored by next-attempt time, so
// they survive process restarts. ZREM is the claim: whichever worker removes
// the member first owns the attempt, which keeps concurrent workers from
// double-processing an envelope.
type Redis struct {
	runner
	rdb redis.Cmdable
	key string
}

// persistedEnvelope is the JSON member stored in the sorted set. Entries are
// carried as their stream wire encoding paired with their stream ids.
type persistedEnvelope struct {
	ID        string            `json:"id"`
	Payloads  []json.RawMessage `json:"payloads"`
	StreamIDs []string          `json:"stream_ids"`
	LastError string            `json:"last_error"`
	Attempts  int               `json:"attempts"`
	QueuedAt  time.Time         `json:"queued_at"`
	Worker    string            `json:"worker"`
}

// NewRedis builds the durable strategy. key is the sorted-set key, typically
// "<stream>:retry".
func NewRedis(rdb redis.Cmdable, key string, s sink.Sink, acker Acker, backoff Backoff, maxAttempts int, log *logrus.Logger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Redis{
		runner: runner{
			sink:        s,
			acker:       acker,
			backoff:     backoff,
			maxAttempts: maxAttempts,
			log:         log.WithFields(logrus.Fields{"component": "retry-redis", "key": key}),
		},
		rdb: rdb,
		key: key,
	}
}

func (r *Redis) QueueForRetry(ctx context.Context, entries []*logpipe.Entry, cause error, worker string) error {
	if len(entries) == 0 {
		return nil
	}
	pe := persistedEnvelope{
		ID:        uuid.NewString(),
		Payloads:  make([]json.RawMessage, len(entries)),
		StreamIDs: make([]string, len(entries)),
		LastError: cause.Error(),
		QueuedAt:  time.Now(),
		Worker:    worker,
	}
	for i, e := range entries {
		b, err := e.EncodeWire()
		if err != nil {
			return fmt.Errorf("retry: encode entry %s: %w", e.ID, err)
		}
		pe.Payloads[i] = b
		pe.StreamIDs[i] = e.StreamID
	}
	member, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("retry: marshal envelope: %w", err)
	}
	score := float64(time.Now().Add(r.backoff.Delay(0)).UnixMilli())
	if err := r.rdb.ZAdd(ctx, r.key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("retry: persist envelope of %d entries: %w", len(entries), err)
	}
	telemetry.ObserveRetryQueued(len(entries))
	return nil
}

func (r *Redis) ProcessRetries(ctx context.Context) (int, int, error) {
	now := time.Now().UnixMilli()
	members, err := r.rdb.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now),
		Count: processBatchLimit,
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("retry: scan due envelopes: %w", err)
	}

	processed := 0
	for _, member := range members {
		// Claim by removal; losing the race means another worker owns it.
		removed, err := r.rdb.ZRem(ctx, r.key, member).Result()
		if err != nil {
			return processed, 0, fmt.Errorf("retry: claim envelope: %w", err)
		}
		if removed == 0 {
			continue
		}
		env, err := r.decode([]byte(member))
		if err != nil {
			// An unreadable envelope can never succeed; drop it loudly.
			r.log.WithError(err).Error("undecodable retry envelope dropped")
			telemetry.ObserveRetryDropped(1)
			processed++
			continue
		}
		switch r.attempt(ctx, env) {
		case outcomeDone, outcomeDrop:
			processed++
		case outcomeRequeue:
			if err := r.requeue(ctx, env); err != nil {
				r.log.WithError(err).WithField("envelope", env.ID).
					Error("failed to requeue envelope; batch stays pending on the stream")
			}
		}
	}

	remaining, err := r.PendingCount(ctx)
	if err != nil {
		return processed, 0, err
	}
	telemetry.SetRetryPending(remaining)
	return processed, remaining, nil
}

func (r *Redis) PendingCount(ctx context.Context) (int, error) {
	n, err := r.rdb.ZCard(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("retry: pending count: %w", err)
	}
	return int(n), nil
}

func (r *Redis) requeue(ctx context.Context, env *Envelope) error {
	pe := persistedEnvelope{
		ID:        env.ID,
		Payloads:  make([]json.RawMessage, len(env.Entries)),
		StreamIDs: env.StreamIDs,
		LastError: env.LastError,
		Attempts:  env.Attempts,
		QueuedAt:  env.QueuedAt,
		Worker:    env.Worker,
	}
	for i, e := range env.Entries {
		b, err := e.EncodeWire()
		if err != nil {
			return err
		}
		pe.Payloads[i] = b
	}
	member, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	return r.rdb.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(env.NextAttempt.UnixMilli()),
		Member: member,
	}).Err()
}

func (r *Redis) decode(member []byte) (*Envelope, error) {
	var pe persistedEnvelope
	if err := json.Unmarshal(member, &pe); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	env := &Envelope{
		ID:        pe.ID,
		Entries:   make([]*logpipe.Entry, 0, len(pe.Payloads)),
		StreamIDs: pe.StreamIDs,
		LastError: pe.LastError,
		Attempts:  pe.Attempts,
		QueuedAt:  pe.QueuedAt,
		Worker:    pe.Worker,
	}
	for i, payload := range pe.Payloads {
		streamID := ""
		if i < len(pe.StreamIDs) {
			streamID = pe.StreamIDs[i]
		}
		e, err := logpipe.DecodeWire(payload, streamID)
		if err != nil {
			return nil, err
		}
		env.Entries = append(env.Entries, e)
	}
	return env, nil
}
