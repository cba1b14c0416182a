package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models slka.yml.
type Config struct {
	Slack    SlackConfig     `yaml:"slack"`
	Store    StoreConfig     `yaml:"store"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
	Approval ApprovalConfig  `yaml:"approval"`
	Jobs     JobsConfig      `yaml:"jobs"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type SlackConfig struct {
	ReadToken     string  `yaml:"read_token,omitempty"`
	WriteToken    string  `yaml:"write_token,omitempty"`
	APIURL        string  `yaml:"api_url,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

type PipelineConfig struct {
	CallTimeout         Duration `yaml:"call_timeout"`
	FetchConcurrency    int      `yaml:"fetch_concurrency"`
	DispatchConcurrency int      `yaml:"dispatch_concurrency"`
	PendingCooldown     Duration `yaml:"pending_cooldown"`
	RetryFailed         bool     `yaml:"retry_failed"`
	ClaimTTL            Duration `yaml:"claim_ttl,omitempty"`
}

type ApprovalConfig struct {
	Require     bool     `yaml:"require"`
	Kinds       []string `yaml:"kinds,omitempty"`
	Interactive bool     `yaml:"interactive"`
}

type JobsConfig struct {
	Cleanup  CleanupJob  `yaml:"cleanup"`
	Mentions MentionsJob `yaml:"mentions"`
	Summary  SummaryJob  `yaml:"summary"`
}

type CleanupJob struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold Duration `yaml:"threshold"`
	Exclude   []string `yaml:"exclude"`
}

type MentionsJob struct {
	Enabled     bool     `yaml:"enabled"`
	Channels    []string `yaml:"channels"`
	Keywords    []string `yaml:"keywords"`
	Limit       int      `yaml:"limit"`
	ReplyPrefix string   `yaml:"reply_prefix"`
}

type SummaryJob struct {
	Enabled  bool     `yaml:"enabled"`
	Channels []string `yaml:"channels"`
	PostTo   string   `yaml:"post_to"`
	Anchor   string   `yaml:"anchor"`
	Lookback Duration `yaml:"lookback"`
	Limit    int      `yaml:"limit"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

var validKinds = map[string]bool{"send_message": true, "archive_channel": true, "reply_thread": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with slka config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no slka.yml.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
	}
	return cfg, nil
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

// ApplyEnv overlays tokens and the database URL from the environment.
// approval.require is deliberately not overridable here.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("SLKA_READ_TOKEN")); v != "" {
		c.Slack.ReadToken = v
	}
	if v := strings.TrimSpace(getenv("SLKA_WRITE_TOKEN")); v != "" {
		c.Slack.WriteToken = v
	}
	if v := strings.TrimSpace(getenv("SLACK_API_URL")); v != "" && c.Slack.APIURL == "" {
		c.Slack.APIURL = v
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		c.Store.DSN = getenv("DATABASE_URL")
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Slack.RatePerSecond < 0 {
		return fmt.Errorf("config.slack.rate_per_second must not be negative")
	}
	p := c.Pipeline
	if p.CallTimeout.D() <= 0 {
		return fmt.Errorf("config.pipeline.call_timeout must be positive")
	}
	if p.FetchConcurrency < 1 {
		return fmt.Errorf("config.pipeline.fetch_concurrency must be at least 1")
	}
	if p.DispatchConcurrency < 1 {
		return fmt.Errorf("config.pipeline.dispatch_concurrency must be at least 1")
	}
	for _, k := range c.Approval.Kinds {
		if !validKinds[k] {
			return fmt.Errorf("config.approval.kinds has unknown action kind %s", k)
		}
	}
	if j := c.Jobs.Cleanup; j.Enabled && j.Threshold.D() <= 0 {
		return fmt.Errorf("config.jobs.cleanup.threshold must be positive")
	}
	if j := c.Jobs.Mentions; j.Enabled {
		if len(j.Channels) == 0 {
			return fmt.Errorf("config.jobs.mentions.channels is required")
		}
		if len(nonEmpty(j.Keywords)) == 0 {
			return fmt.Errorf("config.jobs.mentions.keywords is required")
		}
	}
	if j := c.Jobs.Summary; j.Enabled {
		if strings.TrimSpace(j.PostTo) == "" {
			return fmt.Errorf("config.jobs.summary.post_to is required")
		}
		if _, _, err := ParseAnchor(j.Anchor); err != nil {
			return fmt.Errorf("config.jobs.summary.anchor: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ClaimTTL defaults to twice the call timeout.
func (p PipelineConfig) ClaimTTLOrDefault() time.Duration {
	if p.ClaimTTL.D() > 0 {
		return p.ClaimTTL.D()
	}
	return 2 * p.CallTimeout.D()
}

// ParseAnchor parses an HH:MM wall-clock time.
func ParseAnchor(s string) (int, int, error) {
	if s == "" {
		return 9, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid anchor %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

// MaskToken hides all but the prefix and last four characters.
func MaskToken(token string) string {
	if len(token) <= 12 {
		if token == "" {
			return ""
		}
		return "****"
	}
	return token[:5] + "..." + token[len(token)-4:]
}

func nonEmpty(items []string) []string {
	var out []string
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "slka.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config, masking tokens.
func (c Config) YAML() (string, error) {
	c.Slack.ReadToken = MaskToken(c.Slack.ReadToken)
	c.Slack.WriteToken = MaskToken(c.Slack.WriteToken)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const defaultTemplate = `slack:
  rate_per_second: 1
  burst: 1

store:
  driver: sqlite

pipeline:
  call_timeout: 15s
  fetch_concurrency: 4
  dispatch_concurrency: 1
  pending_cooldown: 1h
  retry_failed: false

approval:
  require: true
  interactive: false

jobs:
  cleanup:
    enabled: false
    threshold: 90d
    exclude: [general, random, announcements]

  mentions:
    enabled: false
    channels: [general, support, engineering]
    keywords: ["@bot", "hey bot", "bot help"]
    limit: 50
    reply_prefix: "🤖 "

  summary:
    enabled: false
    channels: [general, engineering, product]
    post_to: daily-summary
    anchor: "09:00"
    lookback: 24h
    limit: 1000
`
