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

// Package logpipe defines the log entry value type shared by every stage of
// the ingestion pipeline, its acceptance rules, and the wire codec used on
// the durable stream.
//
// An entry is validated and normalized exactly once, at the producer edge,
// before it may enter the coalescer. From that point on it is immutable: the
// coalescer hands it to the stream producer, the stream carries its encoded
// bytes, and a consumer worker decodes it back for the analytics sink. The
// deterministic ID assigned during normalization is what makes redelivered
// entries safe to write twice.
package logpipe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Limits enforced by Validate. Entries outside these bounds are rejected
// synchronously and never enter the pipeline.
const (
	MaxAppIDLen   = 100
	MaxMessageLen = 10000
	MaxSourceLen  = 255
)

// Log levels accepted by the pipeline. ClickHouse stores level as an enum,
// so anything outside this set must be normalized before the sink sees it.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelFatal = "FATAL"
)

// idNamespace is the fixed UUID namespace for deterministic entry IDs.
// Changing it invalidates downstream de-duplication; never rotate it on a
// live deployment.
var idNamespace = uuid.MustParse("9c9a6f44-21d0-4f3e-8b5a-7c33f01dd0b1")

// ValidLevel reports whether lvl (already upper-cased) is one of the five
// accepted levels.
func ValidLevel(lvl string) bool {
	switch lvl {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// Entry is a single log entry. Exported fields mirror the analytics store's
// column schema. Metadata holds the producer's free-form mapping until
// Normalize serializes it into MetadataJSON; after normalization only
// MetadataJSON is authoritative.
type Entry struct {
	// ID is the deterministic row id, assigned by Normalize. The sink is
	// idempotent per ID, which is what makes at-least-once delivery safe.
	ID string

	AppID       string
	Level       string
	Message     string
	Source      string
	Timestamp   time.Time
	Environment string
	TraceID     string
	UserID      string

	Metadata     map[string]any
	MetadataJSON string

	// StreamID is the id assigned by the durable stream on append. Empty on
	// the producer side; set by the queue wrapper on delivery so the worker
	// can ack the right message after a successful sink write.
	StreamID string
}

// ValidationError describes why an entry was rejected before acceptance.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid log entry: %s %s", e.Field, e.Reason)
}

// Validate checks the acceptance bounds. It does not mutate the entry; call
// Normalize afterwards to case-fold the level and assign the ID.
func (e *Entry) Validate() error {
	if e.AppID == "" {
		return &ValidationError{Field: "app_id", Reason: "is required"}
	}
	if len(e.AppID) > MaxAppIDLen {
		return &ValidationError{Field: "app_id", Reason: fmt.Sprintf("exceeds %d characters", MaxAppIDLen)}
	}
	if e.Message == "" {
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	if len(e.Message) > MaxMessageLen {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", MaxMessageLen)}
	}
	if len(e.Source) > MaxSourceLen {
		return &ValidationError{Field: "source", Reason: fmt.Sprintf("exceeds %d characters", MaxSourceLen)}
	}
	if e.Level != "" && !ValidLevel(strings.ToUpper(e.Level)) {
		return &ValidationError{Field: "level", Reason: "must be one of DEBUG|INFO|WARN|ERROR|FATAL"}
	}
	return nil
}

// Normalize case-folds the level (defaulting to INFO), stamps a missing
// timestamp with now, serializes Metadata once, and assigns the
// deterministic ID. It must be called exactly once, after Validate, before
// the entry enters the coalescer.
func (e *Entry) Normalize(now time.Time) error {
	e.Level = strings.ToUpper(e.Level)
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Environment == "" {
		e.Environment = "development"
	}
	if e.MetadataJSON == "" {
		if len(e.Metadata) == 0 {
			e.MetadataJSON = "{}"
		} else {
			b, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("serialize metadata: %w", err)
			}
			e.MetadataJSON = string(b)
		}
	}
	e.Metadata = nil
	if e.ID == "" {
		e.ID = DeterministicID(e.AppID, e.Timestamp, e.Source, e.Message)
	}
	return nil
}

// DeterministicID derives the stable row id for an entry. The same logical
// entry always maps to the same id, so a redelivered stream message produces
// a duplicate the sink can drop.
func DeterministicID(appID string, ts time.Time, source, message string) string {
	name := fmt.Sprintf("%s|%d|%s|%s", appID, ts.UnixNano(), source, message)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// wireEntry is the JSON shape stored in the stream's single "data" field.
// Field names are fixed by deployed producers and must not change.
type wireEntry struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	Environment string `json:"environment"`
	TraceID     string `json:"traceId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Metadata    string `json:"metadataString"`
}

// EncodeWire serializes a normalized entry for the stream's "data" field.
func (e *Entry) EncodeWire() ([]byte, error) {
	w := wireEntry{
		ID:          e.ID,
		AppID:       e.AppID,
		Level:       e.Level,
		Message:     e.Message,
		Source:      e.Source,
		Timestamp:   e.Timestamp.UnixMilli(),
		Environment: e.Environment,
		TraceID:     e.TraceID,
		UserID:      e.UserID,
		Metadata:    e.MetadataJSON,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	return b, nil
}

// DecodeWire parses stream bytes back into an entry. The consumer side is
// deliberately lenient: older producers may omit fields, so missing values
// fall back to safe defaults rather than failing the whole batch. streamID
// is the stream-assigned message id used later for the ack.
func DecodeWire(data []byte, streamID string) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode stream message %s: %w", streamID, err)
	}
	e := &Entry{
		ID:           w.ID,
		AppID:        w.AppID,
		Level:        strings.ToUpper(w.Level),
		Message:      w.Message,
		Source:       w.Source,
		Environment:  w.Environment,
		TraceID:      w.TraceID,
		UserID:       w.UserID,
		MetadataJSON: w.Metadata,
		StreamID:     streamID,
	}
	if e.AppID == "" {
		e.AppID = "unknown"
	}
	if e.Message == "" {
		e.Message = "empty"
	}
	if e.Source == "" {
		e.Source = "unknown"
	}
	if !ValidLevel(e.Level) {
		e.Level = LevelInfo
	}
	if e.Environment == "" {
		e.Environment = "development"
	}
	if e.MetadataJSON == "" {
		e.MetadataJSON = "{}"
	}
	if w.Timestamp > 0 {
		e.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	} else {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = DeterministicID(e.AppID, e.Timestamp, e.Source, e.Message)
	}
	return e, nil
}

// Result is the per-entry outcome the coalescer resolves each producer's
// completion handle with. On success StreamID carries the durable receipt.
type Result struct {
	StreamID string
	Err      error
}
