// Package config decodes the YAML configuration file covering every key
// spec §6.5 recognizes, the way the teacher's services decode their own
// YAML config into a single typed struct before wiring.
package config

import (
	"fmt"
	"os"

	"github.com/openskelo/openskelo/internal/model"
	"gopkg.in/yaml.v3"
)

// AdapterDecl declares one external execution backend under `adapters[]`.
type AdapterDecl struct {
	Name    string         `yaml:"name"`
	Kind    string         `yaml:"kind"` // "cli" | "http"
	Command string         `yaml:"command,omitempty"`
	URL     string         `yaml:"url,omitempty"`
	Types   []string       `yaml:"types,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// WIPLimits maps task type -> concurrency cap, with a fallback default.
type WIPLimits struct {
	Default int            `yaml:"default"`
	ByType  map[string]int `yaml:"-"`
}

// UnmarshalYAML accepts either `{default: n, code: m, ...}` as one flat map
// so `wip_limits.{type|default}` round-trips without a nested `by_type` key.
func (w *WIPLimits) UnmarshalYAML(value *yaml.Node) error {
	raw := map[string]int{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	w.ByType = map[string]int{}
	for k, v := range raw {
		if k == "default" {
			w.Default = v
			continue
		}
		w.ByType[k] = v
	}
	return nil
}

// Leases covers dispatcher lease timing.
type Leases struct {
	TTLSeconds               int `yaml:"ttl_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	GracePeriodSeconds       int `yaml:"grace_period_seconds"`
}

// DispatcherConfig covers dispatcher tick cadence.
type DispatcherConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// WatchdogConfig covers watchdog tick cadence and recovery policy.
type WatchdogConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	OnLeaseExpire   string `yaml:"on_lease_expire"` // "requeue" | "block"
}

// ServerConfig covers the Control API HTTP listener and auth.
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"`
}

// Config is the full recognized configuration surface (spec §6.5).
type Config struct {
	DBPath     string                      `yaml:"db_path"`
	Adapters   []AdapterDecl               `yaml:"adapters"`
	WIPLimits  WIPLimits                   `yaml:"wip_limits"`
	Leases     Leases                      `yaml:"leases"`
	Dispatcher DispatcherConfig            `yaml:"dispatcher"`
	Watchdog   WatchdogConfig              `yaml:"watchdog"`
	Server     ServerConfig                `yaml:"server"`
	Gates      map[string][]model.GateSpec `yaml:"gates"`

	WebhookURLs []string `yaml:"webhook_urls"`
}

// Load reads and decodes the YAML config file at path, applying the
// defaults documented in spec §6.5 for any zero-valued timing field.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "openskelo.db"
	}
	if c.WIPLimits.Default == 0 {
		c.WIPLimits.Default = 1
	}
	if c.Leases.TTLSeconds == 0 {
		c.Leases.TTLSeconds = 300
	}
	if c.Leases.HeartbeatIntervalSeconds == 0 {
		c.Leases.HeartbeatIntervalSeconds = 30
	}
	if c.Leases.GracePeriodSeconds == 0 {
		c.Leases.GracePeriodSeconds = 60
	}
	if c.Dispatcher.PollIntervalSeconds == 0 {
		c.Dispatcher.PollIntervalSeconds = 2
	}
	if c.Watchdog.IntervalSeconds == 0 {
		c.Watchdog.IntervalSeconds = 30
	}
	if c.Watchdog.OnLeaseExpire == "" {
		c.Watchdog.OnLeaseExpire = "requeue"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
}

// WIPLimit resolves the effective cap for taskType: its own entry, else the
// configured default, else 1.
func (c *Config) WIPLimit(taskType string) int {
	if n, ok := c.WIPLimits.ByType[taskType]; ok {
		return n
	}
	if c.WIPLimits.Default > 0 {
		return c.WIPLimits.Default
	}
	return 1
}
