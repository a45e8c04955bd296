package server

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nshaver/nilesbridge/internal/logger"
	"github.com/nshaver/nilesbridge/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds all bridge configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Logging   logger.Config    `yaml:"logging" json:"logging"`
	Receivers []ReceiverConfig `yaml:"receivers" json:"receivers"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// ReceiverConfig describes one receiver on one serial port.
type ReceiverConfig struct {
	ID                  string         `yaml:"id" json:"id"`
	PortPath            string         `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate            int            `yaml:"baud_rate" json:"baudRate"` // 0 = 38400
	PollIntervalSeconds int            `yaml:"poll_interval_seconds" json:"pollIntervalSeconds"`
	SourceLabels        map[int]string `yaml:"source_labels" json:"sourceLabels"`
	Zones               []ZoneConfig   `yaml:"zones" json:"zones"`
}

// ZoneConfig describes one zone on its receiver.
type ZoneConfig struct {
	ID     string `yaml:"id" json:"id"` // defaults to "<receiver>-z<number>"
	Number int    `yaml:"number" json:"number"`
	Name   string `yaml:"name" json:"name"`
	Dimmer bool   `yaml:"dimmer" json:"dimmer"` // expose a 0-100 level projection
}

// DefaultConfig returns a config with sensible defaults: a single ZR-6
// with all six zones on the first USB serial adapter.
func DefaultConfig() *Config {
	zones := make([]ZoneConfig, 0, 6)
	for n := 1; n <= 6; n++ {
		zones = append(zones, ZoneConfig{Number: n, Name: fmt.Sprintf("Zone %d", n)})
	}
	return &Config{
		Server: ServerConfig{ListenAddr: ":8090"},
		Logging: logger.Config{
			Enabled: false,
			Path:    "/var/log/nilesbridge",
		},
		Receivers: []ReceiverConfig{
			{
				ID:                  "main",
				PortPath:            "/dev/ttyUSB0",
				BaudRate:            38400,
				PollIntervalSeconds: 30,
				Zones:               zones,
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	cfg.applyZoneDefaults()
	return cfg
}

// Validate checks zone numbers and source label keys against the
// protocol's limits, and rejects duplicate receiver and zone ids.
func (c *Config) Validate() error {
	seenRecv := make(map[string]bool)
	seenZone := make(map[string]bool)

	for _, rc := range c.Receivers {
		if rc.ID == "" {
			return fmt.Errorf("config: receiver with empty id")
		}
		if seenRecv[rc.ID] {
			return fmt.Errorf("config: duplicate receiver id %q", rc.ID)
		}
		seenRecv[rc.ID] = true

		for src := range rc.SourceLabels {
			if src < protocol.FnSourceFirst || src > protocol.FnSourceLast {
				return fmt.Errorf("config: receiver %q: source label key %d out of range", rc.ID, src)
			}
		}

		seenNum := make(map[int]bool)
		for _, zc := range rc.Zones {
			if zc.Number < 1 || zc.Number > protocol.MaxZone {
				return fmt.Errorf("config: receiver %q: zone number %d out of range", rc.ID, zc.Number)
			}
			if seenNum[zc.Number] {
				return fmt.Errorf("config: receiver %q: duplicate zone number %d", rc.ID, zc.Number)
			}
			seenNum[zc.Number] = true
			if seenZone[zc.ID] {
				return fmt.Errorf("config: duplicate zone id %q", zc.ID)
			}
			seenZone[zc.ID] = true
		}
	}
	return nil
}

// applyZoneDefaults fills in derived zone ids and names.
func (c *Config) applyZoneDefaults() {
	for ri := range c.Receivers {
		rc := &c.Receivers[ri]
		for zi := range rc.Zones {
			zc := &rc.Zones[zi]
			if zc.ID == "" {
				zc.ID = fmt.Sprintf("%s-z%d", rc.ID, zc.Number)
			}
			if zc.Name == "" {
				zc.Name = fmt.Sprintf("Zone %d", zc.Number)
			}
		}
	}
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: LISTEN_ADDR, SERIAL_PORT, SERIAL_BAUD,
// POLL_INTERVAL_S, LOG_ENABLED, LOG_PATH. Serial overrides apply to the
// first configured receiver — the single-receiver install is the common
// case and the one a container deployment configures through env.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if len(c.Receivers) > 0 {
		if v := os.Getenv("SERIAL_PORT"); v != "" {
			c.Receivers[0].PortPath = v
		}
		if v := os.Getenv("SERIAL_BAUD"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.Receivers[0].BaudRate = n
			}
		}
		if v := os.Getenv("POLL_INTERVAL_S"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.Receivers[0].PollIntervalSeconds = n
			}
		}
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}
