package cmd

import (
	"bytes"
	"strings"
	"testing"

	"adguard-dns-sync/internal/rewrite"
)

func TestDescribeChange(t *testing.T) {
	tests := []struct {
		name     string
		change   rewrite.Change
		expected string
	}{
		{
			name:     "create",
			change:   rewrite.Change{Type: rewrite.ChangeCreate, Domain: "app.lan", Desired: &rewrite.Rule{Domain: "app.lan", Answer: "10.0.0.1"}},
			expected: "create app.lan -> 10.0.0.1",
		},
		{
			name: "update",
			change: rewrite.Change{Type: rewrite.ChangeUpdate, Domain: "app.lan",
				Desired:  &rewrite.Rule{Domain: "app.lan", Answer: "10.0.0.2"},
				Existing: &rewrite.Rule{Domain: "app.lan", Answer: "10.0.0.1"}},
			expected: "update app.lan 10.0.0.1 -> 10.0.0.2",
		},
		{
			name:     "delete",
			change:   rewrite.Change{Type: rewrite.ChangeDelete, Domain: "old.lan", Existing: &rewrite.Rule{Domain: "old.lan", Answer: "10.0.0.9"}},
			expected: "delete old.lan -> 10.0.0.9",
		},
		{
			name:     "delete already absent",
			change:   rewrite.Change{Type: rewrite.ChangeDelete, Domain: "gone.lan"},
			expected: "delete gone.lan (already absent)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeChange(tt.change); got != tt.expected {
				t.Errorf("describeChange() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestSummarizePlan(t *testing.T) {
	desired := rewrite.FromMappings(map[string]string{"a.lan": "10.0.0.1", "b.lan": "10.0.0.2"})
	remote := rewrite.FromMappings(map[string]string{"a.lan": "10.0.0.9"})
	managed := rewrite.FromMappings(map[string]string{"a.lan": "10.0.0.9", "c.lan": "10.0.0.3"})
	plan := rewrite.BuildPlan(desired, remote, managed)

	got := summarizePlan(plan)
	expected := "Plan includes 3 change(s): 1 create, 1 update, 1 delete (2 desired, 1 remote, 2 managed)"
	if got != expected {
		t.Errorf("summarizePlan() = %q, expected %q", got, expected)
	}
	if summarizePlan(nil) != "no plan" {
		t.Error("expected nil plan to be described as 'no plan'")
	}
}

func TestDefaultVerifyServer(t *testing.T) {
	tests := []struct {
		url      string
		expected string
		wantErr  bool
	}{
		{url: "http://adguard:3000", expected: "adguard:53"},
		{url: "https://10.0.0.53", expected: "10.0.0.53:53"},
		{url: "http://[fd00::53]:3000", expected: "[fd00::53]:53"},
		{url: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		got, err := defaultVerifyServer(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("defaultVerifyServer(%q) expected error", tt.url)
			}
			continue
		}
		if err != nil || got != tt.expected {
			t.Errorf("defaultVerifyServer(%q) = %q, %v; expected %q", tt.url, got, err, tt.expected)
		}
	}
}

func TestEncodeReport(t *testing.T) {
	payload, err := encodeReport(map[string]int{"matched": 2}, "yaml", false)
	if err != nil {
		t.Fatalf("encodeReport yaml: %v", err)
	}
	if strings.TrimSpace(string(payload)) != "matched: 2" {
		t.Errorf("unexpected yaml payload %q", payload)
	}
	if _, err := encodeReport(nil, "xml", false); err == nil {
		t.Error("expected unsupported format error")
	}
}

func TestWritePayloadAddsNewline(t *testing.T) {
	var buf bytes.Buffer
	if err := writePayload(&buf, []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\"a\":1}\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}
