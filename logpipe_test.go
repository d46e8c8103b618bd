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

package logpipe

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate_Bounds(t *testing.T) {
	cases := []struct {
		name    string
		entry   Entry
		wantErr string // substring of the validation error, "" for ok
	}{
		{"ok minimal", Entry{AppID: "app-1", Message: "hello"}, ""},
		{"ok full", Entry{AppID: "app-1", Level: "warn", Message: "m", Source: "svc"}, ""},
		{"missing app id", Entry{Message: "m"}, "app_id is required"},
		{"missing message", Entry{AppID: "a"}, "message is required"},
		{"app id too long", Entry{AppID: strings.Repeat("x", MaxAppIDLen+1), Message: "m"}, "app_id"},
		{"message too long", Entry{AppID: "a", Message: strings.Repeat("x", MaxMessageLen+1)}, "message"},
		{"source too long", Entry{AppID: "a", Message: "m", Source: strings.Repeat("x", MaxSourceLen+1)}, "source"},
		{"bad level", Entry{AppID: "a", Message: "m", Level: "TRACE"}, "level"},
		{"mixed case level ok", Entry{AppID: "a", Message: "m", Level: "eRrOr"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want *ValidationError, got %T", err)
			}
		})
	}
}

func TestNormalize_DefaultsAndID(t *testing.T) {
	e := Entry{AppID: "app-1", Level: "error", Message: "boom", Metadata: map[string]any{"k": "v"}}
	before := time.Now()
	if err := e.Normalize(before); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e.Level != LevelError {
		t.Errorf("level not upper-cased: %q", e.Level)
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if e.Environment != "development" {
		t.Errorf("environment default: %q", e.Environment)
	}
	if e.MetadataJSON != `{"k":"v"}` {
		t.Errorf("metadata not serialized: %q", e.MetadataJSON)
	}
	if e.Metadata != nil {
		t.Error("metadata map should be released after serialization")
	}
	if e.ID == "" {
		t.Error("deterministic id not assigned")
	}

	// Same logical entry must get the same id.
	e2 := Entry{AppID: "app-1", Level: "error", Message: "boom", Timestamp: e.Timestamp}
	if err := e2.Normalize(before); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if e2.ID != e.ID {
		t.Errorf("deterministic id not stable: %s vs %s", e.ID, e2.ID)
	}
}

func TestWireRoundTrip(t *testing.T) {
	e := Entry{
		AppID:   "app-1",
		Level:   "warn",
		Message: "disk nearly full",
		Source:  "agent",
		TraceID: "t-123",
		UserID:  "u-9",
	}
	if err := e.Normalize(time.Now()); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := e.EncodeWire()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeWire(b, "1-0")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StreamID != "1-0" {
		t.Errorf("stream id: %q", got.StreamID)
	}
	if got.ID != e.ID || got.AppID != e.AppID || got.Level != e.Level ||
		got.Message != e.Message || got.Source != e.Source ||
		got.TraceID != e.TraceID || got.UserID != e.UserID ||
		got.Environment != e.Environment || got.MetadataJSON != e.MetadataJSON {
		t.Errorf("round trip mismatch: %+v vs %+v", got, e)
	}
	if !got.Timestamp.Equal(e.Timestamp.Truncate(time.Millisecond)) {
		t.Errorf("timestamp: %v vs %v", got.Timestamp, e.Timestamp)
	}
}

func TestDecodeWire_LenientDefaults(t *testing.T) {
	// An older producer that only sent a message and a bogus level.
	got, err := DecodeWire([]byte(`{"message":"","level":"verbose"}`), "2-0")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AppID != "unknown" || got.Message != "empty" || got.Source != "unknown" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.Level != LevelInfo {
		t.Errorf("invalid level should fall back to INFO, got %q", got.Level)
	}
	if got.Environment != "development" || got.MetadataJSON != "{}" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.ID == "" {
		t.Error("missing id should be derived, not empty")
	}
}

func TestDecodeWire_Garbage(t *testing.T) {
	if _, err := DecodeWire([]byte("not json"), "3-0"); err == nil {
		t.Fatal("want error for malformed payload")
	}
}
