package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the node looks for its configuration when no
// --config flag is given.
const DefaultConfigPath = "/etc/lon-node/config.toml"

// Config is the top-level configuration for lon-node, persisted as TOML.
type Config struct {
	Interface InterfaceConfig `toml:"interface"`
	Isi       IsiConfig       `toml:"isi"`
	Persist   PersistConfig   `toml:"persist"`
}

// InterfaceConfig selects and parameterizes the network interface.
type InterfaceConfig struct {
	// Device is the serial device of the LON USB interface.
	Device string `toml:"device"`

	// Model selects the interface framing: "u50" (default) or "u61".
	Model string `toml:"model,omitempty"`

	// Layer selects the interface mode: 5 (default) or 2.
	Layer int `toml:"layer,omitempty"`

	// FlowControl enables RTS/CTS on the serial line.
	FlowControl bool `toml:"flow_control,omitempty"`
}

// IsiConfig parameterizes the self-installation engine.
type IsiConfig struct {
	// Enabled starts the ISI engine; without it the node is managed
	// externally.
	Enabled bool `toml:"enabled"`

	// Type is the device class: "s" (default), "da" or "das".
	Type string `toml:"type,omitempty"`

	// DomainID is the default domain, hex-encoded (2, 6 or 12 digits).
	DomainID string `toml:"domain_id,omitempty"`

	// Connections is the connection table size (default 32).
	Connections int `toml:"connections,omitempty"`

	// RepeatCount is the transmit repeat count, 1..3 (default 2).
	RepeatCount int `toml:"repeat_count,omitempty"`

	// Heartbeats enables periodic republish of bound outputs.
	Heartbeats bool `toml:"heartbeats,omitempty"`
}

// PersistConfig selects the backing store for the node image and ISI
// state.
type PersistConfig struct {
	// Dir is the directory holding the segment images.
	Dir string `toml:"dir"`

	// AppSignature guards the persisted segments against foreign images.
	AppSignature uint32 `toml:"app_signature,omitempty"`
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Interface.Model == "" {
		c.Interface.Model = "u50"
	}
	if c.Interface.Layer == 0 {
		c.Interface.Layer = 5
	}
	if c.Isi.Type == "" {
		c.Isi.Type = "s"
	}
	if c.Isi.Connections == 0 {
		c.Isi.Connections = 32
	}
	if c.Isi.RepeatCount == 0 {
		c.Isi.RepeatCount = 2
	}
	if c.Isi.DomainID == "" {
		c.Isi.DomainID = "49"
	}
	if c.Persist.Dir == "" {
		c.Persist.Dir = "/var/lib/lon-node"
	}
	if c.Persist.AppSignature == 0 {
		c.Persist.AppSignature = 0x10DE0001
	}
}

func (c *Config) validate() error {
	if c.Interface.Device == "" {
		return fmt.Errorf("interface.device is required")
	}
	switch c.Interface.Model {
	case "u50", "u61":
	default:
		return fmt.Errorf("interface.model must be u50 or u61")
	}
	switch c.Interface.Layer {
	case 2, 5:
	default:
		return fmt.Errorf("interface.layer must be 2 or 5")
	}
	switch c.Isi.Type {
	case "s", "da", "das":
	default:
		return fmt.Errorf("isi.type must be s, da or das")
	}
	switch len(c.Isi.DomainID) {
	case 2, 6, 12:
	default:
		return fmt.Errorf("isi.domain_id must be 2, 6 or 12 hex digits")
	}
	if c.Isi.RepeatCount < 1 || c.Isi.RepeatCount > 3 {
		return fmt.Errorf("isi.repeat_count must be 1..3")
	}
	return nil
}

// DomainBytes decodes the hex-encoded domain ID.
func (c *Config) DomainBytes() ([]byte, error) {
	s := c.Isi.DomainID
	out := make([]byte, len(s)/2)
	for i := range out {
		var b byte
		if _, err := fmt.Sscanf(s[2*i:2*i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("isi.domain_id: %w", err)
		}
		out[i] = b
	}
	return out, nil
}
