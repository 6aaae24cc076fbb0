package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jnesss/vmi-recorder/platform"
)

// simulatedDomain is the guest created by --simulate.
const simulatedDomain = "simulated"

// Config is the recorder's configuration file.
type Config struct {
	// Domain is a numeric domain id or a domain name.
	Domain        string        `yaml:"domain"`
	DataDir       string        `yaml:"data_dir"`
	RulesDir      string        `yaml:"rules_dir"`
	Listen        string        `yaml:"listen"`
	Simulate      bool          `yaml:"simulate"`
	LogLevel      string        `yaml:"log_level"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	Events platform.EventsConfig `yaml:"events"`
	AltP2M platform.AltP2MConfig `yaml:"altp2m"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:       "data",
		RulesDir:      "rules",
		Listen:        ":8080",
		LogLevel:      "info",
		StatsInterval: 10 * time.Second,
		Events: platform.EventsConfig{
			CtrlRegs:            []string{"cr3"},
			CtrlRegOnChangeOnly: true,
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Domain == "" && !c.Simulate {
		return errors.New("no domain given")
	}
	if c.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive, got %v", c.StatsInterval)
	}
	if c.AltP2M.Enabled && len(c.AltP2M.GFNs) == 0 {
		return errors.New("altp2m enabled without watched gfns")
	}
	return nil
}
