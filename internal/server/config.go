package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goobd/internal/manager"
	"github.com/shaunagostinho/goobd/internal/publish"
	"github.com/shaunagostinho/goobd/internal/transport"
)

const DefaultConfigPath = "/etc/goobd/config.yaml"

// Config holds all service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Defaults fill in any option a connection leaves unset.
	Defaults    manager.ConnConfig `yaml:"defaults" json:"defaults"`
	Connections []ConnectionConfig `yaml:"connections" json:"connections"`

	Publish publish.Config `yaml:"publish" json:"publish"`

	path   string
	loaded bool
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	// Units is the default presentation for API and WebSocket readings:
	// "metric" or "imperial".
	Units string `yaml:"units" json:"units"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

// ConnectionConfig is a device opened at startup.
type ConnectionConfig struct {
	Kind               transport.Kind `yaml:"kind" json:"kind"`
	Address            string         `yaml:"address" json:"address"`
	manager.ConnConfig `yaml:",inline" json:"config"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			Units:      "metric",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Defaults: manager.ConnConfig{
			AdapterProfile: "elm327",
			RetryCount:     2,
			RetryBackoff:   manager.Duration(250 * time.Millisecond),
			PollHz:         2,
		},
		Publish: publish.Config{
			MQTT:   publish.MQTTConfig{Broker: "localhost", Port: 1883, RootTopic: "goobd"},
			Valkey: publish.ValkeyConfig{Address: "localhost:6379", Namespace: "goobd"},
			Kafka:  publish.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "goobd.readings", RequiredAcks: -1},
			CSV:    publish.CSVConfig{Path: "/var/log/goobd", IntervalMs: 100},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. A missing file yields the defaults; a
// file that does not parse is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loaded = true
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Path is the file the config was read from.
func (c *Config) Path() string { return c.path }

// Loaded reports whether the file existed.
func (c *Config) Loaded() bool { return c.loaded }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars. Real
// environment variables take precedence.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GOOBD_LISTEN, GOOBD_LOG_LEVEL, GOOBD_PROFILE, GOOBD_UNITS,
// GOOBD_MQTT_BROKER, GOOBD_VALKEY_ADDR, GOOBD_KAFKA_BROKERS, GOOBD_CSV_PATH.
// Naming a publisher's address enables it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOOBD_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("GOOBD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOOBD_PROFILE"); v != "" {
		c.Defaults.VehicleProfile = v
	}
	if v := os.Getenv("GOOBD_UNITS"); v != "" {
		c.Server.Units = v
	}
	if v := os.Getenv("GOOBD_MQTT_BROKER"); v != "" {
		c.Publish.MQTT.Broker = v
		c.Publish.MQTT.Enabled = true
	}
	if v := os.Getenv("GOOBD_VALKEY_ADDR"); v != "" {
		c.Publish.Valkey.Address = v
		c.Publish.Valkey.Enabled = true
	}
	if v := os.Getenv("GOOBD_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Publish.Kafka.Brokers = brokers
		c.Publish.Kafka.Enabled = len(brokers) > 0
	}
	if v := os.Getenv("GOOBD_CSV_PATH"); v != "" {
		c.Publish.CSV.Path = v
		c.Publish.CSV.Enabled = true
	}
}

// Resolve fills the options cc leaves unset from Defaults.
func (c *Config) Resolve(cc manager.ConnConfig) manager.ConnConfig {
	d := c.Defaults
	if cc.AdapterProfile == "" {
		cc.AdapterProfile = d.AdapterProfile
	}
	if len(cc.InitSequence) == 0 {
		cc.InitSequence = d.InitSequence
	}
	if cc.RetryCount == 0 {
		cc.RetryCount = d.RetryCount
	}
	if cc.RetryBackoff == 0 {
		cc.RetryBackoff = d.RetryBackoff
	}
	if !cc.ReopenOnFault {
		cc.ReopenOnFault = d.ReopenOnFault
	}
	if cc.VehicleProfile == "" {
		cc.VehicleProfile = d.VehicleProfile
	}
	if cc.Timeout == 0 {
		cc.Timeout = d.Timeout
	}
	if cc.BaudRate == 0 {
		cc.BaudRate = d.BaudRate
	}
	if cc.BLE == (manager.BLEConfig{}) {
		cc.BLE = d.BLE
	}
	if cc.RFCOMMChannel == 0 {
		cc.RFCOMMChannel = d.RFCOMMChannel
	}
	if len(cc.Poll) == 0 {
		cc.Poll = d.Poll
	}
	if cc.PollHz == 0 {
		cc.PollHz = d.PollHz
	}
	return cc
}
