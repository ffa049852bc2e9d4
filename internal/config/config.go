package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models testline.yml.
type Config struct {
	Cycle struct {
		ID      string `yaml:"id"`
		LOB     string `yaml:"lob"`
		Quarter string `yaml:"quarter"`
	} `yaml:"cycle"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	SLA struct {
		DefaultThreshold time.Duration `yaml:"default_threshold"`
		ScanSchedule     string        `yaml:"scan_schedule"`
		Rules            []SLARule     `yaml:"rules"`
	} `yaml:"sla"`
	Escalation struct {
		Chains map[string][]string `yaml:"chains"`
	} `yaml:"escalation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// SLARule arms a clock whenever a phase of the given kind enters the
// given state. An empty kind matches every phase kind.
type SLARule struct {
	Kind      string        `yaml:"kind"`
	State     string        `yaml:"state"`
	Threshold time.Duration `yaml:"threshold"`
	Chain     string        `yaml:"chain"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl cycle init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "testline.yml")
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cycle.ID == "" {
		return fmt.Errorf("config.cycle.id is required")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if !strings.Contains(perm, ":") {
				return fmt.Errorf("role %s permission %q must be resource:action", roleID, perm)
			}
		}
	}
	if c.SLA.DefaultThreshold < 0 {
		return fmt.Errorf("config.sla.default_threshold must not be negative")
	}
	for i, rule := range c.SLA.Rules {
		if rule.State == "" {
			return fmt.Errorf("sla rule %d has empty state", i)
		}
		if rule.Chain == "" {
			return fmt.Errorf("sla rule %d has empty chain", i)
		}
		if _, ok := c.Escalation.Chains[rule.Chain]; !ok {
			return fmt.Errorf("sla rule %d references unknown chain %s", i, rule.Chain)
		}
	}
	for name, chain := range c.Escalation.Chains {
		if name == "" {
			return fmt.Errorf("config.escalation.chains has empty chain name")
		}
		if len(chain) == 0 {
			return fmt.Errorf("escalation chain %s has no roles", name)
		}
		for _, roleID := range chain {
			if roleID == "" {
				return fmt.Errorf("escalation chain %s has empty role id", name)
			}
			if len(c.RBAC.Roles) > 0 {
				if _, ok := c.RBAC.Roles[roleID]; !ok {
					return fmt.Errorf("escalation chain %s references unknown role %s", name, roleID)
				}
			}
		}
	}
	return nil
}

// DefaultThreshold returns the configured default SLA threshold,
// falling back to 24 hours.
func (c *Config) DefaultThreshold() time.Duration {
	if c != nil && c.SLA.DefaultThreshold > 0 {
		return c.SLA.DefaultThreshold
	}
	return 24 * time.Hour
}

// RuleFor returns the SLA rule matching a (kind, state) entry, if any.
// A rule with an empty kind acts as a wildcard; an exact kind match
// wins over a wildcard.
func (c *Config) RuleFor(kind, state string) (SLARule, bool) {
	if c == nil {
		return SLARule{}, false
	}
	var wildcard *SLARule
	for i := range c.SLA.Rules {
		rule := c.SLA.Rules[i]
		if rule.State != state {
			continue
		}
		if rule.Kind == kind {
			return rule, true
		}
		if rule.Kind == "" && wildcard == nil {
			wildcard = &c.SLA.Rules[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return SLARule{}, false
}

// Chain returns the ordered role chain for a chain name.
func (c *Config) Chain(name string) []string {
	if c == nil {
		return nil
	}
	chain := c.Escalation.Chains[name]
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// GenerateDefault returns default config YAML.
func GenerateDefault(cycleID string) string {
	return fmt.Sprintf(defaultTemplate, cycleID)
}

// Default returns the default Config struct for a cycle.
func Default(cycleID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, cycleID)), &cfg)
	return &cfg
}

const defaultTemplate = `cycle:
  id: %s
  lob: default
  quarter: ""

rbac:
  roles:
    admin:
      description: "Full access"
      permissions:
        - cycles:create
        - cycles:read
        - reports:assign
        - phases:read
        - phases:transition
        - phases:approve
        - escalations:read
        - escalations:trigger
        - rbac:manage
    tester:
      description: "Executes testing phases"
      permissions:
        - phases:read
        - phases:transition
        - escalations:trigger
    report_owner:
      description: "Approves submitted phases"
      permissions:
        - phases:read
        - phases:approve
        - escalations:read
    report_owner_executive:
      description: "Escalation endpoint only"
      permissions:
        - phases:read
        - escalations:read
    cdo:
      description: "Assigns data providers"
      permissions:
        - phases:read
        - phases:transition

sla:
  default_threshold: 24h
  scan_schedule: "@every 5m"
  rules:
    - state: submitted
      threshold: 24h
      chain: approval
    - kind: data_provider_id
      state: in_progress
      threshold: 24h
      chain: cdo_assignment

escalation:
  chains:
    approval:
      - report_owner
      - tester
      - report_owner_executive
    cdo_assignment:
      - cdo
      - report_owner
      - report_owner_executive
`
