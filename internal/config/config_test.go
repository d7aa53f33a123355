package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"phaseline/internal/rules"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if !cfg.Sync.Enabled {
		t.Fatal("sync is disabled by default")
	}
	if got := cfg.Sync.DebounceDelay(); got != 500*time.Millisecond {
		t.Fatalf("debounce = %v", got)
	}
	if got := cfg.Sync.DedupWindow(); got != 5*time.Second {
		t.Fatalf("dedup window = %v", got)
	}
	// The rule table must also survive the registry's ordering and
	// ambiguity checks.
	if _, err := rules.New(cfg.DomainRules()); err != nil {
		t.Fatalf("rules.New: %v", err)
	}
}

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("proj-2")))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Project.ID != "proj-2" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing project id", func(c *Config) { c.Project.ID = "" }, "project.id"},
		{"empty rule table", func(c *Config) { c.Rules = nil }, "rules"},
		{"rule without id", func(c *Config) { c.Rules[0].ID = "" }, "without id"},
		{"unknown from phase", func(c *Config) { c.Rules[0].From = "limbo" }, "unknown from phase"},
		{"unknown to phase", func(c *Config) { c.Rules[0].To = "limbo" }, "unknown to phase"},
		{"unknown trigger", func(c *Config) { c.Rules[0].Trigger = "carrier_pigeon" }, "unknown trigger"},
		{"auto apply with approval", func(c *Config) {
			c.Rules[0].AutoApply = true
			c.Rules[0].RequiresApproval = true
		}, "mutually exclusive"},
		{"bad direction", func(c *Config) { c.Sync.Direction = "sideways" }, "direction"},
		{"bad conflict strategy", func(c *Config) { c.Sync.ConflictResolution = "coin_flip" }, "conflict_resolution"},
		{"negative sync value", func(c *Config) { c.Sync.MaxRetries = -1 }, "negative"},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("proj-1")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default("proj-1")
	cfg.Project.Name = "Acme rollout"
	cfg.Webhooks = []WebhookConfig{{URL: "https://hooks.example.com/pl", Events: []string{"transition.completed"}}}

	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	back, err := FromYAML(data)
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if back.Project.Name != "Acme rollout" {
		t.Fatalf("project name = %q", back.Project.Name)
	}
	if len(back.Rules) != len(cfg.Rules) {
		t.Fatalf("rules = %d, want %d", len(back.Rules), len(cfg.Rules))
	}
	if len(back.Webhooks) != 1 || back.Webhooks[0].URL != "https://hooks.example.com/pl" {
		t.Fatalf("webhooks = %+v", back.Webhooks)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	ws := t.TempDir()

	if _, err := Load(ws); err == nil {
		t.Fatal("Load succeeded without a config file")
	} else if !strings.Contains(err.Error(), "pl config import") {
		t.Fatalf("missing-file error should point at the import command, got %q", err)
	}

	cfg, err := LoadOptional(ws)
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional = %v, %v, want nil, nil", cfg, err)
	}

	path := Path(ws)
	if path != filepath.Join(ws, "phaseline.yml") {
		t.Fatalf("Path = %q", path)
	}
	if err := os.WriteFile(path, []byte(GenerateDefault("proj-1")), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err = Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestFromYAMLRejectsMalformedInput(t *testing.T) {
	if _, err := FromYAML([]byte("rules: [")); err == nil {
		t.Fatal("malformed yaml accepted")
	}
	// Syntactically fine, semantically empty.
	if _, err := FromYAML([]byte("project:\n  id: proj-1\n")); err == nil {
		t.Fatal("config without rules accepted")
	}
}
