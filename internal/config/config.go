package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sammyslee/if.then.fund/internal/currency"
)

// Config models itf.yml. Money fields are YAML strings so they parse
// into exact decimals rather than floats.
type Config struct {
	Site struct {
		RootURL string `yaml:"root_url"`
		Cycle   int    `yaml:"cycle"`
	} `yaml:"site"`
	Algorithm struct {
		ID                    int    `yaml:"id"`
		MinContrib            string `yaml:"min_contrib"`
		MaxContrib            string `yaml:"max_contrib"`
		FeesFixed             string `yaml:"fees_fixed"`
		FeesPercent           string `yaml:"fees_percent"`
		PreExecutionWarnHours int    `yaml:"pre_execution_warn_hours"`
	} `yaml:"algorithm"`
	Processor struct {
		BaseURL   string `yaml:"base_url"`
		AccountID string `yaml:"account_id"`
	} `yaml:"processor"`
	Legislative struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"legislative"`
	Geocoder struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"geocoder"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Testing struct {
		SkipExecutionDelay bool `yaml:"skip_execution_delay"`
	} `yaml:"testing"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run itf init or import one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Algorithm.ID <= 0 {
		return fmt.Errorf("config.algorithm.id must be a positive version number")
	}
	if c.Site.Cycle <= 0 {
		return fmt.Errorf("config.site.cycle is required")
	}
	if c.Algorithm.PreExecutionWarnHours < 0 {
		return fmt.Errorf("config.algorithm.pre_execution_warn_hours cannot be negative")
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	sched, _ := c.Schedule()
	if sched.MinContrib.IsNegative() || sched.MaxContrib.LessThanOrEqual(sched.MinContrib) {
		return fmt.Errorf("config.algorithm: max_contrib must exceed min_contrib")
	}
	if sched.FeesPercent.IsNegative() || sched.FeesFixed.IsNegative() {
		return fmt.Errorf("config.algorithm: fees cannot be negative")
	}
	return nil
}

// Schedule converts the algorithm section into a currency.Schedule.
func (c *Config) Schedule() (currency.Schedule, error) {
	var s currency.Schedule
	var err error
	s.Algorithm = c.Algorithm.ID
	if s.MinContrib, err = currency.Parse(c.Algorithm.MinContrib); err != nil {
		return s, fmt.Errorf("config.algorithm.min_contrib: %w", err)
	}
	if s.MaxContrib, err = currency.Parse(c.Algorithm.MaxContrib); err != nil {
		return s, fmt.Errorf("config.algorithm.max_contrib: %w", err)
	}
	if s.FeesFixed, err = currency.Parse(c.Algorithm.FeesFixed); err != nil {
		return s, fmt.Errorf("config.algorithm.fees_fixed: %w", err)
	}
	if s.FeesPercent, err = decimal.NewFromString(c.Algorithm.FeesPercent); err != nil {
		return s, fmt.Errorf("config.algorithm.fees_percent: %w", err)
	}
	return s, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "itf.yml")
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

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `site:
  root_url: http://127.0.0.1:8080
  cycle: 2016

algorithm:
  id: 1
  min_contrib: "1"
  max_contrib: "500"
  fees_fixed: "0.20"
  fees_percent: "0.09"
  pre_execution_warn_hours: 24

processor:
  base_url: ""
  account_id: ""

legislative:
  base_url: https://www.govtrack.us

geocoder:
  base_url: ""

auth:
  jwt_secret: ""

testing:
  skip_execution_delay: false
`
