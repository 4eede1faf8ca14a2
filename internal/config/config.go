package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"permitline/internal/domain"
	"permitline/internal/workflow"
)

// Config models permitline.yml.
type Config struct {
	Workflow struct {
		Drafts bool `yaml:"drafts"`
		// Resubmission after a technical director rejection.
		ReopenAfterDirectorRejection struct {
			Kinds    []string        `yaml:"kinds"`
			Services map[string]bool `yaml:"services"`
		} `yaml:"reopen_after_director_rejection"`
	} `yaml:"workflow"`
	Checklists struct {
		Kinds    map[string][]string `yaml:"kinds"`
		Services map[string][]string `yaml:"services"`
	} `yaml:"checklists"`
	Certificates struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"certificates"`
	Notifications struct {
		Log     bool `yaml:"log"`
		Webhook struct {
			URL            string `yaml:"url"`
			Secret         string `yaml:"secret"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"webhook"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"notifications"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Dashboard struct {
		CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
		RedisURL        string `yaml:"redis_url"`
	} `yaml:"dashboard"`
}

// WebhookConfig subscribes an endpoint to the timeline feed.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, k := range c.Workflow.ReopenAfterDirectorRejection.Kinds {
		if _, err := domain.ParseRequestKind(k); err != nil {
			return fmt.Errorf("workflow.reopen_after_director_rejection.kinds: %w", err)
		}
	}
	for svc := range c.Workflow.ReopenAfterDirectorRejection.Services {
		if strings.TrimSpace(svc) == "" {
			return fmt.Errorf("workflow.reopen_after_director_rejection.services has empty service type")
		}
	}
	for k, docs := range c.Checklists.Kinds {
		if _, err := domain.ParseRequestKind(k); err != nil {
			return fmt.Errorf("checklists.kinds: %w", err)
		}
		if err := validateChecklist("kind "+k, docs); err != nil {
			return err
		}
	}
	for svc, docs := range c.Checklists.Services {
		if strings.TrimSpace(svc) == "" {
			return fmt.Errorf("checklists.services has empty service type")
		}
		if err := validateChecklist("service "+svc, docs); err != nil {
			return err
		}
	}
	if wh := c.Notifications.Webhook.URL; wh != "" {
		if err := validateURL(wh); err != nil {
			return fmt.Errorf("notifications.webhook.url: %w", err)
		}
	}
	if len(c.Notifications.Kafka.Brokers) > 0 && strings.TrimSpace(c.Notifications.Kafka.Topic) == "" {
		return fmt.Errorf("notifications.kafka.topic is required when brokers are set")
	}
	for i, hook := range c.Webhooks {
		if err := validateURL(hook.URL); err != nil {
			return fmt.Errorf("webhooks[%d].url: %w", i, err)
		}
		for _, evt := range hook.Events {
			if !domain.AuditAction(evt).Valid() {
				return fmt.Errorf("webhooks[%d] subscribes to unknown audit action %s", i, evt)
			}
		}
	}
	if c.Dashboard.CacheTTLSeconds < 0 {
		return fmt.Errorf("dashboard.cache_ttl_seconds must not be negative")
	}
	return nil
}

func validateChecklist(owner string, docs []string) error {
	seen := map[string]bool{}
	for _, d := range docs {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("checklist for %s has empty document kind", owner)
		}
		if seen[d] {
			return fmt.Errorf("checklist for %s lists %s twice", owner, d)
		}
		seen[d] = true
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// ReopenPolicy converts the workflow section for the registry.
func (c *Config) ReopenPolicy() workflow.ReopenPolicy {
	p := workflow.ReopenPolicy{
		Kinds:    map[domain.RequestKind]bool{},
		Services: map[string]bool{},
	}
	for _, k := range c.Workflow.ReopenAfterDirectorRejection.Kinds {
		if kind, err := domain.ParseRequestKind(k); err == nil {
			p.Kinds[kind] = true
		}
	}
	for svc, allowed := range c.Workflow.ReopenAfterDirectorRejection.Services {
		p.Services[svc] = allowed
	}
	return p
}

// RequiredDocuments returns the checklist for a request. A service
// checklist replaces the kind checklist.
func (c *Config) RequiredDocuments(kind domain.RequestKind, serviceType string) []string {
	if docs, ok := c.Checklists.Services[serviceType]; ok {
		return docs
	}
	return c.Checklists.Kinds[string(kind)]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "permitline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

const defaultTemplate = `workflow:
  drafts: true
  reopen_after_director_rejection:
    kinds: [NEW]
    services: {}

checklists:
  kinds:
    NEW: [application_form, identity_document, technical_file]
    RENEWAL: [application_form, identity_document, current_permit]
    LOST_OR_STOLEN_REPLACEMENT: [application_form, identity_document, police_report]
  services: {}

certificates:
  prefix: CERT

notifications:
  log: true
  webhook:
    url: ""
    timeout_seconds: 5
  kafka:
    brokers: []
    topic: permit-notifications

webhooks: []

dashboard:
  cache_ttl_seconds: 15
  redis_url: ""
`
