package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadPolicy_EmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p != DefaultPolicy() {
		t.Fatalf("got %+v; want defaults", p)
	}
	if p.EscalationEnabled() {
		t.Fatalf("escalation must be off without unresponsive_after")
	}
}

func TestLoadPolicy_FileWithEnvExpansion(t *testing.T) {
	t.Setenv("FOLLOW_UP", "48h")
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
poll_interval: 30s
follow_up_after: ${FOLLOW_UP}
max_touches: 2
unresponsive_after: 168h
auto_apply_min_confidence: 0.9
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	want := Policy{
		PollInterval:           30 * time.Second,
		FollowUpAfter:          48 * time.Hour,
		MaxTouches:             2,
		UnresponsiveAfter:      168 * time.Hour,
		AutoApplyMinConfidence: 0.9,
	}
	if p != want {
		t.Fatalf("got %+v; want %+v", p, want)
	}
	if !p.EscalationEnabled() {
		t.Fatalf("escalation should be enabled")
	}
}

func TestParsePolicy_PartialKeepsDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte("max_touches: 5\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	d := DefaultPolicy()
	if p.MaxTouches != 5 || p.PollInterval != d.PollInterval || p.FollowUpAfter != d.FollowUpAfter {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestParsePolicy_Errors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":         "poll_interval: [",
		"bad duration":     "poll_interval: soon",
		"zero poll":        "poll_interval: 0s",
		"negative silence": "unresponsive_after: -1h",
		"zero touches":     "max_touches: 0",
		"confidence > 1":   "auto_apply_min_confidence: 1.2",
		"zero follow up":   "follow_up_after: 0s",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read policy file") {
		t.Fatalf("expected read error, got %v", err)
	}
}
