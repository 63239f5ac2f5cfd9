package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models docflow.yml.
type Config struct {
	DocumentTypes struct {
		Defaults DocTypePolicy            `yaml:"defaults"`
		Catalog  map[string]DocTypePolicy `yaml:"catalog"`
	} `yaml:"document_types"`
	Roles struct {
		Catalog map[string]RoleDef `yaml:"catalog"`
	} `yaml:"roles"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// DocTypePolicy controls how requests for one document type are resolved
// and satisfied.
type DocTypePolicy struct {
	Description string `yaml:"description,omitempty"`
	// first: one member's action satisfies the whole request tree.
	// all: every child must act before the parent is satisfied.
	ApprovePolicy string `yaml:"approve_policy,omitempty"`
	// none | skip | fyi: what happens when a request resolves to the
	// document's own initiator.
	InitiatorPolicy string `yaml:"initiator_policy,omitempty"`
	// Treat approve and complete as equal when superseding lower-ranked
	// pending requests.
	CompleteApproveSame *bool `yaml:"complete_approve_same,omitempty"`
}

type RoleDef struct {
	Description string   `yaml:"description,omitempty"`
	Members     []string `yaml:"members"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// PolicyFor returns the effective policy for a document type, with catalog
// entries layered over defaults.
func (c *Config) PolicyFor(docType string) DocTypePolicy {
	p := c.DocumentTypes.Defaults
	if p.ApprovePolicy == "" {
		p.ApprovePolicy = "first"
	}
	if p.InitiatorPolicy == "" {
		p.InitiatorPolicy = "none"
	}
	if p.CompleteApproveSame == nil {
		f := false
		p.CompleteApproveSame = &f
	}
	if c.DocumentTypes.Catalog == nil {
		return p
	}
	override, ok := c.DocumentTypes.Catalog[docType]
	if !ok {
		return p
	}
	if override.ApprovePolicy != "" {
		p.ApprovePolicy = override.ApprovePolicy
	}
	if override.InitiatorPolicy != "" {
		p.InitiatorPolicy = override.InitiatorPolicy
	}
	if override.CompleteApproveSame != nil {
		p.CompleteApproveSame = override.CompleteApproveSame
	}
	return p
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validatePolicy("defaults", c.DocumentTypes.Defaults); err != nil {
		return err
	}
	for docType, p := range c.DocumentTypes.Catalog {
		if docType == "" {
			return fmt.Errorf("config.document_types.catalog contains empty type")
		}
		if err := validatePolicy(docType, p); err != nil {
			return err
		}
	}
	for name, role := range c.Roles.Catalog {
		if name == "" {
			return fmt.Errorf("config.roles.catalog contains empty role name")
		}
		for _, m := range role.Members {
			if m == "" {
				return fmt.Errorf("role %s has empty member id", name)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func validatePolicy(name string, p DocTypePolicy) error {
	switch p.ApprovePolicy {
	case "", "first", "all":
	default:
		return fmt.Errorf("document type %s: approve_policy must be first or all", name)
	}
	switch p.InitiatorPolicy {
	case "", "none", "skip", "fyi":
	default:
		return fmt.Errorf("document type %s: initiator_policy must be none, skip or fyi", name)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "docflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with df config import --file <path>", path)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `document_types:
  defaults:
    approve_policy: first
    initiator_policy: none
    complete_approve_same: false

  catalog:
    purchase-order:
      description: "Purchase orders route through fiscal approvers"
      approve_policy: first
      initiator_policy: fyi
    travel-request:
      description: "Travel requests require every approver to act"
      approve_policy: all
      initiator_policy: skip
    memo:
      description: "Informational memos"
      approve_policy: first
      complete_approve_same: true

roles:
  catalog:
    fiscal-officer:
      description: "Resolves to the fiscal officers on record"
      members: []
    department-head:
      description: "Resolves to the department heads on record"
      members: []
`
