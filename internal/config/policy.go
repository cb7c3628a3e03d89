package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the outreach policy that drives the case poller. It is an
// operator decision, not a property of the engine, so it is read from a file.
type Policy struct {
	PollInterval           time.Duration
	FollowUpAfter          time.Duration
	MaxTouches             int
	AutoApplyMinConfidence float64

	// UnresponsiveAfter is the quiet period after the last outreach that
	// escalates an exhausted case. Zero disables automatic escalation.
	UnresponsiveAfter time.Duration
}

// EscalationEnabled reports whether the poller may escalate on silence.
func (p Policy) EscalationEnabled() bool { return p.UnresponsiveAfter > 0 }

// rawPolicy mirrors the YAML structure for unmarshalling.
type rawPolicy struct {
	PollInterval           string   `yaml:"poll_interval"`
	FollowUpAfter          string   `yaml:"follow_up_after"`
	MaxTouches             *int     `yaml:"max_touches"`
	UnresponsiveAfter      string   `yaml:"unresponsive_after"`
	AutoApplyMinConfidence *float64 `yaml:"auto_apply_min_confidence"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:           5 * time.Minute,
		FollowUpAfter:          72 * time.Hour,
		MaxTouches:             3,
		AutoApplyMinConfidence: 0.8,
	}
}

// LoadPolicy reads the policy YAML at path, expanding ${VAR} references.
// An empty path returns DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document over DefaultPolicy.
func ParsePolicy(data []byte) (Policy, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawPolicy
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy YAML: %w", err)
	}

	p := DefaultPolicy()
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"poll_interval", raw.PollInterval, &p.PollInterval},
		{"follow_up_after", raw.FollowUpAfter, &p.FollowUpAfter},
		{"unresponsive_after", raw.UnresponsiveAfter, &p.UnresponsiveAfter},
	} {
		if strings.TrimSpace(f.in) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(f.in))
		if err != nil {
			return Policy{}, fmt.Errorf("policy %s: %w", f.name, err)
		}
		*f.out = d
	}
	if raw.MaxTouches != nil {
		p.MaxTouches = *raw.MaxTouches
	}
	if raw.AutoApplyMinConfidence != nil {
		p.AutoApplyMinConfidence = *raw.AutoApplyMinConfidence
	}

	if p.PollInterval <= 0 {
		return Policy{}, errors.New("policy poll_interval must be > 0")
	}
	if p.FollowUpAfter <= 0 {
		return Policy{}, errors.New("policy follow_up_after must be > 0")
	}
	if p.UnresponsiveAfter < 0 {
		return Policy{}, errors.New("policy unresponsive_after must be >= 0")
	}
	if p.MaxTouches < 1 {
		return Policy{}, errors.New("policy max_touches must be >= 1")
	}
	if p.AutoApplyMinConfidence < 0 || p.AutoApplyMinConfidence > 1 {
		return Policy{}, errors.New("policy auto_apply_min_confidence must be in [0,1]")
	}
	return p, nil
}
