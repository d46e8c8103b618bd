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
)

// Options holds the knobs the factory needs for the concrete adapters.
type Options struct {
	ClickHouse ClickHouseConfig
	// PostgresDSN is a pgx connection string, required for the postgres
	// adapter.
	PostgresDSN string
	Timeout     time.Duration
}

// Build constructs a Sink from a string selector:
//   - "memory": in-process map, rows lost on restart (development, tests)
//   - "clickhouse": HTTP JSONEachRow bulk inserts (production default)
//   - "postgres": pgx batch inserts with ON CONFLICT dedup
func Build(ctx context.Context, kind string, opts Options) (Sink, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "clickhouse":
		if opts.ClickHouse.URL == "" {
			return nil, errors.New("clickhouse sink requires a url")
		}
		if opts.ClickHouse.Timeout == 0 {
			opts.ClickHouse.Timeout = opts.Timeout
		}
		return NewClickHouse(opts.ClickHouse), nil
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, errors.New("postgres sink requires a dsn")
		}
		return NewPostgres(ctx, opts.PostgresDSN, opts.Timeout)
	default:
		return nil, fmt.Errorf("unknown sink adapter: %s", kind)
	}
}
