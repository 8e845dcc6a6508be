// Package config loads kvforge's server configuration from a YAML file,
// mirroring the teacher's gopkg.in/yaml.v3 usage in cmd/warren/apply.go
// generalized from a one-off resource file to the server's full
// configuration struct, overridable by cobra persistent flags.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is kvforge's top-level server configuration.
type Config struct {
	DataDir    string `yaml:"dataDir"`
	ListenAddr string `yaml:"listenAddr"`

	Queue struct {
		DefaultBackoffMS []int64 `yaml:"defaultBackoffMs"`
		LeaseSeconds     int64   `yaml:"leaseSeconds"`
	} `yaml:"queue"`

	TTL struct {
		SweepIntervalSeconds int64 `yaml:"sweepIntervalSeconds"`
	} `yaml:"ttl"`

	Metrics struct {
		FlushIntervalSeconds int64 `yaml:"flushIntervalSeconds"`
		Durable              bool  `yaml:"durable"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Gateway struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"gateway"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	c := &Config{
		DataDir:    "./data",
		ListenAddr: ":8080",
	}
	c.Queue.DefaultBackoffMS = []int64{1000, 5000, 10000}
	c.Queue.LeaseSeconds = 30
	c.TTL.SweepIntervalSeconds = 60
	c.Metrics.FlushIntervalSeconds = 30
	c.Log.Level = "info"
	c.Gateway.Enabled = false
	return c
}

// Load reads and merges a YAML file over Default. An empty path returns
// Default unchanged.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
