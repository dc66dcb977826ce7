package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bizdesk/bsync/internal/remote"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"90m", now.Add(-90 * time.Minute)},
		{"-2h", now.Add(-2 * time.Hour)},
		{"2026-03-01T10:00:00Z", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2026-03-09", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if err != nil {
				t.Fatalf("parseSince(%q) error = %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	got, err := parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince(natural) error = %v", err)
	}
	if !got.Before(now) {
		t.Errorf("parseSince(\"2 hours ago\") = %v, want before %v", got, now)
	}

	if _, err := parseSince("zzz", now); err == nil {
		t.Error("expected error for unparseable input")
	}
}

func TestFilterLog(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	entries := []remote.ChangeLogEntry{
		{Timestamp: base, Collection: "customers"},
		{Timestamp: base.Add(2 * time.Hour), Collection: "quotations"},
		{Timestamp: base.Add(time.Hour), Collection: "gym_members"},
	}

	got := filterLog(entries, time.Time{}, 0)
	if len(got) != 3 || got[0].Collection != "quotations" || got[2].Collection != "customers" {
		t.Errorf("filterLog(all) = %+v", got)
	}

	got = filterLog(entries, base.Add(30*time.Minute), 0)
	if len(got) != 2 {
		t.Errorf("filterLog(since) = %+v, want 2 entries", got)
	}

	got = filterLog(entries, time.Time{}, 1)
	if len(got) != 1 || got[0].Collection != "quotations" {
		t.Errorf("filterLog(limit) = %+v", got)
	}
}

func TestEncodeExport(t *testing.T) {
	doc := &exportDoc{
		User:       "acme",
		DeviceID:   "dev-1-abcdef12",
		ExportedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Collections: map[string]json.RawMessage{
			"customers": json.RawMessage(`[{"id":1,"name":"Ana"}]`),
		},
	}

	data, err := encodeExport(doc, "json")
	if err != nil {
		t.Fatalf("encodeExport(json) error = %v", err)
	}
	var back exportDoc
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("json export does not parse: %v\n%s", err, data)
	}
	if back.User != "acme" || string(back.Collections["customers"]) == "" {
		t.Errorf("json export = %s", data)
	}

	data, err = encodeExport(doc, "yaml")
	if err != nil {
		t.Fatalf("encodeExport(yaml) error = %v", err)
	}
	for _, want := range []string{"user_id: acme", "customers:", "name: Ana"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("yaml export missing %q:\n%s", want, data)
		}
	}

	if _, err := encodeExport(doc, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
