//
//Copyright [2016] [SnapRoute Inc]
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//	 Unless required by applicable law or agreed to in writing, software
//	 distributed under the License is distributed on an "AS IS" BASIS,
//	 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	 See the License for the specific language governing permissions and
//	 limitations under the License.
//

// Package config handles lacpd configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags override at runtime (handled by the CLI layer)
//
// If the config file exists but is invalid, Load returns an error rather
// than silently falling back to defaults.
package config

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	lacp "github.com/oshothebig/l2/lacp/protocol"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is the default path to the lacpd config file.
	DefaultConfigPath = "/etc/lacpd/lacpd.toml"
)

// Config is the top-level lacpd configuration.
type Config struct {
	System      SystemConfig       `toml:"system"`
	Logging     LoggingConfig      `toml:"logging"`
	Store       StoreConfig        `toml:"store"`
	Aggregators []AggregatorConfig `toml:"aggregator"`
}

// SystemConfig identifies the LACP actor system.
type SystemConfig struct {
	// Mac is the system id; empty means the mac of the first member.
	Mac      string `toml:"mac"`
	Priority uint16 `toml:"priority"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `toml:"level"`
	// Format is the output format: "console" or "json".
	Format string `toml:"format"`
}

// StoreConfig locates the persistent state.
type StoreConfig struct {
	// Path of the sqlite database; empty disables persistence.
	Path string `toml:"path"`
}

// AggregatorConfig is one [[aggregator]] table.
type AggregatorConfig struct {
	Id             int      `toml:"id"`
	Name           string   `toml:"name"`
	Key            uint16   `toml:"key"`
	Mode           string   `toml:"mode"`
	Timeout        string   `toml:"timeout"`
	MaxActivePorts int      `toml:"max_active_ports"`
	Members        []string `toml:"members"`
	PortPriority   uint16   `toml:"port_priority"`
}

// DefaultConfig returns the default configuration from the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time, this cannot happen
		return Config{
			System:  SystemConfig{Priority: lacp.LacpSystemPriorityDefault},
			Logging: LoggingConfig{Level: "info", Format: "console"},
		}
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.System.Mac != "" {
		if _, err := net.ParseMAC(c.System.Mac); err != nil {
			return lacp.ErrInvalidConfig{Field: "system.mac", Reason: err.Error()}
		}
	}
	if _, err := c.Logging.ZapLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return lacp.ErrInvalidConfig{Field: "logging.format", Reason: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}

	ids := make(map[int]bool)
	keys := make(map[uint16]int)
	members := make(map[string]int)
	for _, a := range c.Aggregators {
		if _, err := a.AggConfig(); err != nil {
			return fmt.Errorf("aggregator %d: %w", a.Id, err)
		}
		if ids[a.Id] {
			return lacp.ErrInvalidConfig{Field: "aggregator.id", Reason: fmt.Sprintf("%d used twice", a.Id)}
		}
		ids[a.Id] = true
		if other, ok := keys[a.Key]; ok {
			return lacp.ErrInvalidConfig{Field: "aggregator.key", Reason: fmt.Sprintf("key %d used by aggregators %d and %d", a.Key, other, a.Id)}
		}
		keys[a.Key] = a.Id
		for _, m := range a.Members {
			if other, ok := members[m]; ok {
				return lacp.ErrInvalidConfig{Field: "aggregator.members", Reason: fmt.Sprintf("%s in aggregators %d and %d", m, other, a.Id)}
			}
			members[m] = a.Id
		}
	}
	return nil
}

// ZapLevel parses Level.
func (c *LoggingConfig) ZapLevel() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return l, lacp.ErrInvalidConfig{Field: "logging.level", Reason: err.Error()}
	}
	return l, nil
}

// SystemId returns the actor system id, falling back to mac when no
// system mac is configured.
func (c *SystemConfig) SystemId(fallback net.HardwareAddr) (lacp.LacpSystem, error) {
	mac := fallback
	if c.Mac != "" {
		var err error
		if mac, err = net.ParseMAC(c.Mac); err != nil {
			return lacp.LacpSystem{}, lacp.ErrInvalidConfig{Field: "system.mac", Reason: err.Error()}
		}
	}
	if len(mac) != 6 {
		return lacp.LacpSystem{}, lacp.ErrInvalidConfig{Field: "system.mac", Reason: "no usable mac"}
	}
	return lacp.LacpSystemFromMac(c.Priority, mac), nil
}

// ParseMode maps a mode name to the engine's mode.
func ParseMode(name string) (int, error) {
	mode, ok := lacp.LacpModeByName(name)
	if !ok {
		return 0, lacp.ErrInvalidConfig{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", name)}
	}
	return mode, nil
}

// ParseTimeout maps "short" or "long" to the actor timeout.
func ParseTimeout(name string) (time.Duration, error) {
	switch strings.ToLower(name) {
	case "short":
		return lacp.LacpShortTimeoutTime, nil
	case "long", "":
		return lacp.LacpLongTimeoutTime, nil
	}
	return 0, lacp.ErrInvalidConfig{Field: "timeout", Reason: fmt.Sprintf("unknown timeout %q", name)}
}

// TimeoutName is the inverse of ParseTimeout.
func TimeoutName(d time.Duration) string {
	if d == lacp.LacpShortTimeoutTime {
		return "short"
	}
	return "long"
}

// AggConfig converts the table into the engine's aggregator config.
func (a *AggregatorConfig) AggConfig() (lacp.AggConfig, error) {
	mode, err := ParseMode(a.Mode)
	if err != nil {
		return lacp.AggConfig{}, err
	}
	timeout, err := ParseTimeout(a.Timeout)
	if err != nil {
		return lacp.AggConfig{}, err
	}
	if a.Id <= 0 {
		return lacp.AggConfig{}, lacp.ErrInvalidConfig{Field: "id", Reason: "must be positive"}
	}
	if a.MaxActivePorts < 0 {
		return lacp.AggConfig{}, lacp.ErrInvalidConfig{Field: "max_active_ports", Reason: "must not be negative"}
	}
	name := a.Name
	if name == "" {
		name = fmt.Sprintf("bond%d", a.Id)
	}
	return lacp.AggConfig{
		Id:             a.Id,
		Name:           name,
		Key:            a.Key,
		Mode:           mode,
		Timeout:        timeout,
		MaxActivePorts: a.MaxActivePorts,
	}, nil
}
