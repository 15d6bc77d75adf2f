// Package config loads harvestd configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so that values like "30s" parse from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password,omitempty"`
}

type RateLimit struct {
	// MaxJobs per Interval across all workers. Zero disables the limit.
	MaxJobs  int      `yaml:"max_jobs"`
	Interval Duration `yaml:"interval"`
}

type Config struct {
	ListenAddr  string    `yaml:"listen_addr"`
	CacheDir    string    `yaml:"cache_dir,omitempty"`
	Workers     int       `yaml:"workers"`
	UpdateDelay Duration  `yaml:"update_delay"`
	Debug       bool      `yaml:"debug"`
	Redis       Redis     `yaml:"redis"`
	RateLimit   RateLimit `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:  ":8080",
		Workers:     4,
		UpdateDelay: Duration(10 * time.Second),
		Redis:       Redis{Addr: "localhost:6379"},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
