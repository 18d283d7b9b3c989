package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models leadline.yml.
type Config struct {
	Tenant struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Niche string `yaml:"niche"`
	} `yaml:"tenant"`
	Niches struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"niches"`
	Rules struct {
		Presets map[string][]RulePreset `yaml:"presets"`
	} `yaml:"rules"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// RulePreset is one automation rule seeded at tenant onboarding for a niche.
type RulePreset struct {
	Trigger      string `yaml:"trigger"`
	Action       string `yaml:"action"`
	DelayMinutes int    `yaml:"delay_minutes"`
}

type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var knownActions = map[string]bool{
	"send_review_request":       true,
	"send_referral_offer":       true,
	"update_lead_status":        true,
	"send_booking_confirmation": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ll tenant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Tenant.Niche == "" {
		return fmt.Errorf("config.tenant.niche is required")
	}
	if len(c.Niches.Catalog) > 0 {
		if _, ok := c.Niches.Catalog[c.Tenant.Niche]; !ok {
			return fmt.Errorf("config.tenant.niche %s not in niche catalog", c.Tenant.Niche)
		}
	}
	for niche, presets := range c.Rules.Presets {
		if niche == "" {
			return fmt.Errorf("config.rules.presets contains empty niche id")
		}
		if len(c.Niches.Catalog) > 0 {
			if _, ok := c.Niches.Catalog[niche]; !ok {
				return fmt.Errorf("rule preset references unknown niche %s", niche)
			}
		}
		for i, p := range presets {
			if p.Trigger == "" {
				return fmt.Errorf("niche %s preset %d has empty trigger", niche, i)
			}
			if !knownActions[p.Action] {
				return fmt.Errorf("niche %s preset %d has unknown action %s", niche, i, p.Action)
			}
			if p.DelayMinutes < 0 {
				return fmt.Errorf("niche %s preset %d has negative delay", niche, i)
			}
		}
	}
	if c.Scheduler.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.scheduler.poll_interval_seconds must be >= 0")
	}
	if c.Scheduler.BatchSize < 0 {
		return fmt.Errorf("config.scheduler.batch_size must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" && (hook.Enabled == nil || *hook.Enabled) {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leadline.yml")
}

// GenerateDefault returns default config YAML for a tenant.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	cfg.Tenant.Niche = "salon"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `tenant:
  id: %s
  name: ""
  niche: salon

niches:
  catalog:
    salon:
      description: "Hair and beauty salons"
    home-services:
      description: "Plumbing, HVAC, electrical and similar trades"
    med-spa:
      description: "Medical spas and aesthetic clinics"

rules:
  presets:
    salon:
      - trigger: lead_created
        action: send_booking_confirmation
        delay_minutes: 0
      - trigger: booking_completed
        action: send_review_request
        delay_minutes: 120
      - trigger: review_received
        action: send_referral_offer
        delay_minutes: 1440

    home-services:
      - trigger: lead_created
        action: send_booking_confirmation
        delay_minutes: 0
      - trigger: booking_completed
        action: send_review_request
        delay_minutes: 2880
      - trigger: review_received
        action: send_referral_offer
        delay_minutes: 4320

    med-spa:
      - trigger: lead_created
        action: send_booking_confirmation
        delay_minutes: 0
      - trigger: booking_scheduled
        action: update_lead_status
        delay_minutes: 0
      - trigger: booking_completed
        action: send_review_request
        delay_minutes: 720

scheduler:
  poll_interval_seconds: 15
  batch_size: 50
`
