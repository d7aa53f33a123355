package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"phaseline/internal/domain"
)

// Config models phaseline.yml: the transition rule table plus the settings
// for the calendar sync coordinator and outbound webhooks.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Rules    []RuleConfig    `yaml:"rules"`
	Sync     SyncConfig      `yaml:"sync"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// RuleConfig is the YAML form of one transition rule.
type RuleConfig struct {
	ID               string   `yaml:"id"`
	From             string   `yaml:"from"`
	To               string   `yaml:"to"`
	Trigger          string   `yaml:"trigger"`
	MeetingTypes     []string `yaml:"meeting_types,omitempty"`
	AutoApply        bool     `yaml:"auto_apply"`
	RequiresApproval bool     `yaml:"requires_approval"`
}

// SyncConfig tunes the event coordinator. All fields are runtime-adjustable.
type SyncConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Direction          string `yaml:"direction"`
	DebounceMillis     int    `yaml:"debounce_ms"`
	BatchSize          int    `yaml:"batch_size"`
	ConflictResolution string `yaml:"conflict_resolution"`
	MaxRetries         int    `yaml:"max_retries"`
	DedupWindowSeconds int    `yaml:"dedup_window_seconds"`
}

// DebounceDelay returns the debounce interval as a duration.
func (s SyncConfig) DebounceDelay() time.Duration {
	return time.Duration(s.DebounceMillis) * time.Millisecond
}

// DedupWindow returns the loop-prevention window as a duration.
func (s SyncConfig) DedupWindow() time.Duration {
	return time.Duration(s.DedupWindowSeconds) * time.Second
}

// WebhookConfig configures one outbound event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

var validDirections = map[string]bool{
	"bidirectional":      true,
	"engine_to_calendar": true,
	"calendar_to_engine": true,
}

var validConflictStrategies = map[string]bool{
	"engine_wins":   true,
	"calendar_wins": true,
	"latest_wins":   true,
	"merge":         true,
}

// Validate ensures the config meets required structure. Rule-table semantics
// (ordering, ambiguity) are checked again by the rules registry.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("config.rules is required")
	}
	for _, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("config.rules contains a rule without id")
		}
		if !domain.Phase(r.From).Valid() {
			return fmt.Errorf("rule %s: unknown from phase %q", r.ID, r.From)
		}
		if !domain.Phase(r.To).Valid() {
			return fmt.Errorf("rule %s: unknown to phase %q", r.ID, r.To)
		}
		switch domain.Trigger(r.Trigger) {
		case domain.TriggerPaymentCompleted, domain.TriggerMeetingCompleted, domain.TriggerManual, domain.TriggerSystem:
		default:
			return fmt.Errorf("rule %s: unknown trigger %q", r.ID, r.Trigger)
		}
		if r.AutoApply && r.RequiresApproval {
			return fmt.Errorf("rule %s: auto_apply and requires_approval are mutually exclusive", r.ID)
		}
	}
	if c.Sync.Direction != "" && !validDirections[c.Sync.Direction] {
		return fmt.Errorf("config.sync.direction %q is invalid", c.Sync.Direction)
	}
	if c.Sync.ConflictResolution != "" && !validConflictStrategies[c.Sync.ConflictResolution] {
		return fmt.Errorf("config.sync.conflict_resolution %q is invalid", c.Sync.ConflictResolution)
	}
	if c.Sync.DebounceMillis < 0 || c.Sync.BatchSize < 0 || c.Sync.MaxRetries < 0 || c.Sync.DedupWindowSeconds < 0 {
		return fmt.Errorf("config.sync values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// DomainRules converts the YAML rule table into domain rules.
func (c *Config) DomainRules() []domain.TransitionRule {
	out := make([]domain.TransitionRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		out = append(out, domain.TransitionRule{
			ID:               r.ID,
			From:             domain.Phase(r.From),
			To:               domain.Phase(r.To),
			Trigger:          domain.Trigger(r.Trigger),
			MeetingTypes:     append([]string(nil), r.MeetingTypes...),
			AutoApply:        r.AutoApply,
			RequiresApproval: r.RequiresApproval,
		})
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes a config back into YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

const defaultTemplate = `project:
  id: %s
  name: ""

rules:
  - id: payment-received
    from: payment_pending
    to: payment_completed
    trigger: payment_completed
    auto_apply: true

  - id: start-preparation
    from: payment_completed
    to: preparation
    trigger: system
    auto_apply: true

  - id: preparation-done
    from: preparation
    to: kickoff_ready
    trigger: manual
    auto_apply: true

  - id: assign-pm
    from: kickoff_ready
    to: pm_assigned
    trigger: manual
    auto_apply: true

  - id: schedule-kickoff
    from: pm_assigned
    to: kickoff_scheduled
    trigger: manual
    auto_apply: true

  - id: kickoff-held
    from: kickoff_scheduled
    to: kickoff_completed
    trigger: meeting_completed
    meeting_types: [kickoff]
    auto_apply: true

  - id: begin-work
    from: kickoff_completed
    to: in_progress
    trigger: system
    auto_apply: true

  - id: review-meeting-held
    from: in_progress
    to: review
    trigger: meeting_completed
    meeting_types: [review, retrospective]
    auto_apply: true

  - id: request-review
    from: in_progress
    to: review
    trigger: manual
    auto_apply: true

  - id: sign-off
    from: review
    to: completed
    trigger: manual
    requires_approval: true

  - id: close-project
    from: completed
    to: closed
    trigger: manual
    requires_approval: true

sync:
  enabled: true
  direction: bidirectional
  debounce_ms: 500
  batch_size: 10
  conflict_resolution: latest_wins
  max_retries: 3
  dedup_window_seconds: 5
`
