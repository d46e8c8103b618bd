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

package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"logpipe"
)

// postgresSchema is applied idempotently at sink construction. The primary
// key on the deterministic id is what makes redelivered writes no-ops.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS logs (
    id          UUID PRIMARY KEY,
    app_id      VARCHAR(100) NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL,
    level       VARCHAR(5)   NOT NULL,
    message     TEXT         NOT NULL,
    source      VARCHAR(255) NOT NULL DEFAULT '',
    environment VARCHAR(64)  NOT NULL DEFAULT 'development',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    trace_id    TEXT         NOT NULL DEFAULT '',
    user_id     TEXT         NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_app_time ON logs (app_id, timestamp DESC);
`

const postgresInsert = `
INSERT INTO logs (id, app_id, timestamp, level, message, source, environment, metadata, trace_id, user_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// Postgres writes batches into a Postgres logs table through a pgx pool.
// Each Write is one transaction of batched inserts; ON CONFLICT on the
// deterministic id gives idempotency directly in the store.
type Postgres struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgres connects the pool and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string, timeout time.Duration) (*Postgres, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := pool.Exec(initCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ensure schema: %w", err)
	}
	return &Postgres{pool: pool, timeout: timeout}, nil
}

func (p *Postgres) Write(ctx context.Context, entries []*logpipe.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres sink: begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			_ = rbErr // rollback after commit is expected noise
		}
	}()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(postgresInsert,
			e.ID, e.AppID, e.Timestamp, e.Level, e.Message,
			e.Source, e.Environment, e.MetadataJSON, e.TraceID, e.UserID)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres sink: insert batch of %d: %w", len(entries), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres sink: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres sink: commit batch of %d: %w", len(entries), err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }
