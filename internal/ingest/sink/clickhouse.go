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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"logpipe"
)

// ClickHouseConfig configures the HTTP-interface ClickHouse sink.
type ClickHouseConfig struct {
	// URL is the HTTP interface base, e.g. "http://localhost:8123".
	URL      string
	Database string
	Table    string
	User     string
	Password string
	// Timeout bounds one bulk insert round trip. 0 means 10s.
	Timeout time.Duration
}

// ClickHouse bulk-inserts rows over the store's HTTP interface using the
// JSONEachRow format. The table is expected to de-duplicate on the `id`
// column (ReplacingMergeTree keyed by id), which together with the
// deterministic ids makes redelivered batches harmless. The store buffers
// and fsyncs out of band; a 200 means the batch is in its durable path.
type ClickHouse struct {
	cfg    ClickHouseConfig
	client *http.Client
	insert string
}

// chRow is the JSONEachRow shape; column names match the logs table.
type chRow struct {
	ID          string `json:"id"`
	AppID       string `json:"app_id"`
	Timestamp   string `json:"timestamp"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	Environment string `json:"environment"`
	Metadata    string `json:"metadata"`
	TraceID     string `json:"trace_id"`
	UserID      string `json:"user_id"`
}

// NewClickHouse builds the sink. It does not dial; the first Write surfaces
// connectivity problems.
func NewClickHouse(cfg ClickHouseConfig) *ClickHouse {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = "log_entries"
	}
	table := cfg.Table
	if cfg.Database != "" {
		table = cfg.Database + "." + cfg.Table
	}
	return &ClickHouse{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		insert: fmt.Sprintf("INSERT INTO %s (id, app_id, timestamp, level, message, source, environment, metadata, trace_id, user_id) FORMAT JSONEachRow", table),
	}
}

func (c *ClickHouse) Write(ctx context.Context, entries []*logpipe.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, e := range entries {
		row := chRow{
			ID:          e.ID,
			AppID:       e.AppID,
			Timestamp:   e.Timestamp.UTC().Format("2006-01-02 15:04:05.000"),
			Level:       e.Level,
			Message:     e.Message,
			Source:      e.Source,
			Environment: e.Environment,
			Metadata:    e.MetadataJSON,
			TraceID:     e.TraceID,
			UserID:      e.UserID,
		}
		if err := enc.Encode(&row); err != nil {
			return fmt.Errorf("clickhouse: encode row %s: %w", e.ID, err)
		}
	}

	u := c.cfg.URL + "/?query=" + url.QueryEscape(c.insert)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return fmt.Errorf("clickhouse: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse: insert %d rows: %w", len(entries), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("clickhouse: insert %d rows: status %d: %s", len(entries), resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
