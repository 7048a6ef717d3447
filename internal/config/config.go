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

const FileName = "sopline.yml"

// Config models sopline.yml.
type Config struct {
	Context struct {
		ID string `yaml:"id"`
	} `yaml:"context"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Scheduler struct {
		HorizonDays int `yaml:"horizon_days"`
	} `yaml:"scheduler"`
	Analytics struct {
		AverageWindow  int `yaml:"average_window"`
		RateWindow     int `yaml:"rate_window"`
		RateWindowDays int `yaml:"rate_window_days"`
	} `yaml:"analytics"`
	Calendar struct {
		DefaultColor string            `yaml:"default_color"`
		Colors       map[string]string `yaml:"colors"`
		StatusColors map[string]string `yaml:"status_colors"`
	} `yaml:"calendar"`
	Holidays struct {
		Dates     []string            `yaml:"dates"`
		Annual    []string            `yaml:"annual"`
		ByContext map[string][]string `yaml:"by_context"`
		RedisURL  string              `yaml:"redis_url"`
		CacheTTL  Duration            `yaml:"cache_ttl"`
	} `yaml:"holidays"`
	Confirmation struct {
		Secret string   `yaml:"secret"`
		TTL    Duration `yaml:"ttl"`
	} `yaml:"confirmation"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
	Enabled *bool    `yaml:"enabled"`
}

// Duration reads Go duration strings such as "15m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sop init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Context.ID) == "" {
		return fmt.Errorf("config.context.id is required")
	}
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Scheduler.HorizonDays < 0 {
		return fmt.Errorf("config.scheduler.horizon_days must not be negative")
	}
	if c.Analytics.AverageWindow < 0 || c.Analytics.RateWindow < 0 || c.Analytics.RateWindowDays < 0 {
		return fmt.Errorf("config.analytics windows must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(contextID string) string {
	return fmt.Sprintf(defaultTemplate, contextID)
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

// Default returns the default Config struct for a context.
func Default(contextID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(contextID))).Decode(&cfg)
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

// HorizonDays is the default scheduling window length.
func (c *Config) HorizonDays() int {
	if c == nil || c.Scheduler.HorizonDays <= 0 {
		return 14
	}
	return c.Scheduler.HorizonDays
}

// MaxWindowDays bounds any scheduling or calendar window: ten horizons, and
// never less than a year.
func (c *Config) MaxWindowDays() int {
	return max(366, 10*c.HorizonDays())
}

const defaultTemplate = `context:
  id: %s

store:
  driver: sqlite

scheduler:
  horizon_days: 14

analytics:
  average_window: 10
  rate_window: 30
  rate_window_days: 90

calendar:
  default_color: "#6b7280"
  colors:
    morning: "#f59e0b"
    cleaning: "#10b981"
    kitchen: "#ef4444"
    errands: "#3b82f6"
  status_colors:
    completed: "#9ca3af"
    skipped: "#d1d5db"
    failed: "#b91c1c"

holidays:
  dates: []
  annual: ["01-01", "12-25"]
  cache_ttl: 24h

confirmation:
  ttl: 15m

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
