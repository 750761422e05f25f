// Package config loads the proteld YAML configuration. A path may name a
// single file or a directory, in which case every *.yaml file in it is merged
// in lexical order. Command-line flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Capture  CaptureConfig  `yaml:"capture"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingConfig  `yaml:"logging"`

	// LoadedFrom is the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// ListenerConfig contains the TCP endpoint the softmodem bridge connects to
type ListenerConfig struct {
	Port        int    `yaml:"port"`
	LocalOnly   bool   `yaml:"local_only"`
	Backlog     int    `yaml:"backlog"`
	Transport   string `yaml:"transport"`
	MaxSessions int    `yaml:"max_sessions"`
}

// CaptureConfig contains reassembly and persistence settings
type CaptureConfig struct {
	// Dir enables persistence when set.
	Dir        string `yaml:"dir"`
	BufferSize int    `yaml:"buffer_size"`
	MaxResets  int    `yaml:"max_resets"`
	// Echo is "on", "off" or "auto" (on when stdout is a terminal).
	Echo string `yaml:"echo"`
}

// LedgerConfig contains the SQLite call ledger settings
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MQTTConfig contains the capture event publisher settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Queue    int    `yaml:"queue"`
}

// StatsConfig controls periodic statistics output
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Verbosity     int    `yaml:"verbosity"`
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

const (
	EchoAuto = "auto"
	EchoOn   = "on"
	EchoOff  = "off"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Backlog:   2,
			Transport: "raw",
		},
		Capture: CaptureConfig{
			BufferSize: 512,
			MaxResets:  2,
			Echo:       EchoAuto,
		},
		Ledger: LedgerConfig{
			Path: "data/ledger.db",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9300",
		},
		MQTT: MQTTConfig{
			Broker: "localhost",
			Port:   1883,
			Topic:  "proteld/calls",
			Queue:  64,
		},
		Logging: LoggingConfig{
			Dir:           "data/logs",
			RetentionDays: 7,
		},
	}
}

// Load loads configuration from a YAML file or a directory of YAML files.
// Keys absent from the files keep their defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no YAML files in config directory %s", path)
		}
	}

	cfg := Default()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}
	cfg.LoadedFrom = path
	cfg.normalize()
	if err := cfg.validateOptions(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) normalize() {
	c.Listener.Transport = strings.ToLower(strings.TrimSpace(c.Listener.Transport))
	if c.Listener.Transport == "" {
		c.Listener.Transport = "raw"
	}
	if c.Listener.Backlog <= 0 {
		c.Listener.Backlog = 2
	}
	c.Capture.Dir = strings.TrimSpace(c.Capture.Dir)
	c.Capture.Echo = strings.ToLower(strings.TrimSpace(c.Capture.Echo))
	if c.Capture.Echo == "" {
		c.Capture.Echo = EchoAuto
	}
	if c.Capture.BufferSize <= 0 {
		c.Capture.BufferSize = 512
	}
	if c.Capture.MaxResets <= 0 {
		c.Capture.MaxResets = 2
	}
	if c.MQTT.Queue <= 0 {
		c.MQTT.Queue = 64
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

func (c *Config) validateOptions() error {
	switch c.Listener.Transport {
	case "raw", "telnet":
	default:
		return fmt.Errorf("listener.transport %q not supported (use raw or telnet)", c.Listener.Transport)
	}
	switch c.Capture.Echo {
	case EchoAuto, EchoOn, EchoOff:
	default:
		return fmt.Errorf("capture.echo %q not supported (use auto, on or off)", c.Capture.Echo)
	}
	// 54 payload bytes plus the preamble have to fit.
	if c.Capture.BufferSize < 128 {
		return fmt.Errorf("capture.buffer_size %d is too small (minimum 128)", c.Capture.BufferSize)
	}
	return nil
}

// Validate checks the final configuration, after command-line overrides.
func (c *Config) Validate() error {
	c.normalize()
	if c.Listener.Port <= 0 {
		return errors.New("must specify a port (listener.port or -p)")
	}
	if c.Listener.Port > 65535 {
		return fmt.Errorf("listener.port %d out of range", c.Listener.Port)
	}
	if err := c.validateOptions(); err != nil {
		return err
	}
	if c.Ledger.Enabled && strings.TrimSpace(c.Ledger.Path) == "" {
		return errors.New("ledger.path is required when the ledger is enabled")
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Address) == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	if c.MQTT.Enabled && (strings.TrimSpace(c.MQTT.Broker) == "" || strings.TrimSpace(c.MQTT.Topic) == "") {
		return errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled")
	}
	return nil
}

// Print displays the configuration
func (c *Config) Print() {
	bind := "all interfaces"
	if c.Listener.LocalOnly {
		bind = "localhost only"
	}
	sessions := "unlimited"
	if c.Listener.MaxSessions > 0 {
		sessions = fmt.Sprintf("%d", c.Listener.MaxSessions)
	}
	fmt.Printf("Listener: port %d (%s, transport=%s, sessions=%s)\n", c.Listener.Port, bind, c.Listener.Transport, sessions)
	if c.Capture.Dir != "" {
		fmt.Printf("Captures: %s\n", c.Capture.Dir)
	} else {
		fmt.Printf("Captures: not saved (no directory)\n")
	}
	if c.Ledger.Enabled {
		fmt.Printf("Ledger: %s\n", c.Ledger.Path)
	}
	if c.Metrics.Enabled {
		fmt.Printf("Metrics: http://%s/metrics\n", c.Metrics.Address)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
}
