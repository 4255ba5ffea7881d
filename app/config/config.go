// Package config loads the trainwatch YAML configuration and applies defaults.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

const (
	minInterval = time.Second
	maxInterval = time.Hour
)

// Config is the top-level trainwatch configuration
type Config struct {
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Push    PushConfig    `yaml:"push,omitempty" json:"push,omitempty"`
	Poll    PollConfig    `yaml:"poll,omitempty" json:"poll,omitempty"`
	Dedup   DedupConfig   `yaml:"dedup,omitempty" json:"dedup,omitempty"`
	Notify  NotifyConfig  `yaml:"notify,omitempty" json:"notify,omitempty"`
}

// BackendConfig describes the training backend API
type BackendConfig struct {
	URL      string `yaml:"url" json:"url" jsonschema:"required"`
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty" json:"token_env,omitempty"` // env var holding the token, wins over token
}

// PushConfig describes the realtime event stream subscription
type PushConfig struct {
	URL      string `yaml:"url,omitempty" json:"url,omitempty"` // defaults to backend url + /events
	Channel  string `yaml:"channel,omitempty" json:"channel,omitempty"`
	UserID   string `yaml:"user_id,omitempty" json:"user_id,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// PollConfig sets the polling cadences
type PollConfig struct {
	Fast   Duration `yaml:"fast,omitempty" json:"fast,omitempty"`     // used while any job is pending or running
	Slow   Duration `yaml:"slow,omitempty" json:"slow,omitempty"`     // used while all jobs settled
	Backup Duration `yaml:"backup,omitempty" json:"backup,omitempty"` // safety net while the push stream is live
}

// DedupConfig tunes the request deduplicator
type DedupConfig struct {
	TTL     Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	MaxSize int      `yaml:"max_size,omitempty" json:"max_size,omitempty"`
}

// Duration accepts humane values like "3s" or "500ms" in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std converts to the standard time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NotifyConfig lists destinations for terminal job notifications
type NotifyConfig struct {
	Webhooks []string `yaml:"webhooks,omitempty" json:"webhooks,omitempty"` // webhook:// or https:// urls
	Emails   []string `yaml:"emails,omitempty" json:"emails,omitempty"`     // mailto: urls with smtp params
}

// Load reads and parses the YAML config file, applies defaults and validates.
// Unknown keys are rejected to catch typos early.
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // config file path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}

	cfg := &Config{}
	if err = unmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", file, err)
	}

	cfg.setDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", file, err)
	}
	return cfg, nil
}

func unmarshalStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func (c *Config) setDefaults() {
	if c.Push.URL == "" && c.Backend.URL != "" {
		c.Push.URL = c.Backend.URL + "/events"
	}
	if c.Push.Channel == "" {
		c.Push.Channel = "training-jobs"
	}
	if c.Poll.Fast == 0 {
		c.Poll.Fast = Duration(3 * time.Second)
	}
	if c.Poll.Slow == 0 {
		c.Poll.Slow = Duration(10 * time.Second)
	}
	if c.Poll.Backup == 0 {
		c.Poll.Backup = Duration(30 * time.Second)
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = Duration(5 * time.Second)
	}
	if c.Dedup.MaxSize == 0 {
		c.Dedup.MaxSize = 100
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if _, err := url.ParseRequestURI(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url %q is not a valid url: %w", c.Backend.URL, err)
	}
	if !c.Push.Disabled {
		if _, err := url.ParseRequestURI(c.Push.URL); err != nil {
			return fmt.Errorf("push.url %q is not a valid url: %w", c.Push.URL, err)
		}
	}

	for name, v := range map[string]time.Duration{
		"poll.fast": c.Poll.Fast.Std(), "poll.slow": c.Poll.Slow.Std(), "poll.backup": c.Poll.Backup.Std(),
	} {
		if v < minInterval || v > maxInterval {
			return fmt.Errorf("%s must be between %v and %v, got %v", name, minInterval, maxInterval, v)
		}
	}
	if c.Poll.Fast > c.Poll.Slow {
		return fmt.Errorf("poll.fast %v can't exceed poll.slow %v", c.Poll.Fast.Std(), c.Poll.Slow.Std())
	}

	if c.Dedup.TTL.Std() < 100*time.Millisecond || c.Dedup.TTL.Std() > time.Minute {
		return fmt.Errorf("dedup.ttl must be between 100ms and 1m, got %v", c.Dedup.TTL.Std())
	}
	if c.Dedup.MaxSize < 1 || c.Dedup.MaxSize > 10000 {
		return fmt.Errorf("dedup.max_size must be between 1 and 10000, got %d", c.Dedup.MaxSize)
	}

	for i, u := range c.Notify.Webhooks {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("notify.webhooks[%d] %q is not a valid url: %w", i, u, err)
		}
	}
	return nil
}

// ResolveToken returns the backend token, preferring the env var when set
func (c *Config) ResolveToken() string {
	if c.Backend.TokenEnv != "" {
		if v := os.Getenv(c.Backend.TokenEnv); v != "" {
			return v
		}
	}
	return c.Backend.Token
}

// GenerateSchema generates a JSON schema for the Config struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}
