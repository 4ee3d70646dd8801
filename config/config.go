// Package config holds the interface microservice configuration, loaded
// from JSON or YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finchlt/cosmos/errors"
)

// Duration parses "5s"-style strings in both JSON and YAML
type Duration time.Duration

// UnmarshalJSON accepts a duration string or nanosecond integer
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// UnmarshalYAML accepts a duration string or nanosecond integer
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case int:
		*d = Duration(time.Duration(val))
	case int64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("cannot parse %T as duration", v)
	}
	return nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig configures the message store connection
type NATSConfig struct {
	URL           string   `json:"url" yaml:"url"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// TCPConfig configures the tcp link driver
type TCPConfig struct {
	Address    string  `json:"address" yaml:"address"`
	WriteRate  float64 `json:"write_rate,omitempty" yaml:"write_rate,omitempty"`
	WriteBurst int     `json:"write_burst,omitempty" yaml:"write_burst,omitempty"`
}

// UDPConfig configures the udp link driver
type UDPConfig struct {
	BindAddress    string `json:"bind_address" yaml:"bind_address"`
	WriteAddress   string `json:"write_address,omitempty" yaml:"write_address,omitempty"`
	ReadBufferSize int    `json:"read_buffer_size,omitempty" yaml:"read_buffer_size,omitempty"`
}

// SerialConfig configures the serial link driver
type SerialConfig struct {
	Device   string `json:"device" yaml:"device"`
	BaudRate int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
}

// WebsocketConfig configures the websocket link driver
type WebsocketConfig struct {
	URL string `json:"url" yaml:"url"`
}

// InterfaceConfig describes the supervised interface
type InterfaceConfig struct {
	// Name is the stable interface identity, e.g. "INST_INT"
	Name string `json:"name" yaml:"name"`
	// Type selects the link driver: tcp, udp, serial, websocket
	Type string `json:"type" yaml:"type"`

	Targets        []string `json:"targets" yaml:"targets"`
	AutoReconnect  bool     `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelay Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
	ReadAllowed    bool     `json:"read_allowed" yaml:"read_allowed"`

	TCP       *TCPConfig       `json:"tcp,omitempty" yaml:"tcp,omitempty"`
	UDP       *UDPConfig       `json:"udp,omitempty" yaml:"udp,omitempty"`
	Serial    *SerialConfig    `json:"serial,omitempty" yaml:"serial,omitempty"`
	Websocket *WebsocketConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// Config is the complete application configuration
type Config struct {
	Scope        string          `json:"scope" yaml:"scope"`
	NATS         NATSConfig      `json:"nats" yaml:"nats"`
	Interface    InterfaceConfig `json:"interface" yaml:"interface"`
	ExceptionDir string          `json:"exception_dir,omitempty" yaml:"exception_dir,omitempty"`
}

// MicroserviceName returns the instance identity
// "<scope>__INTERFACE__<interface_name>"
func (c *Config) MicroserviceName() string {
	return fmt.Sprintf("%s__INTERFACE__%s", c.Scope, c.Interface.Name)
}

// Validate checks the configuration for completeness
func (c *Config) Validate() error {
	if c.Scope == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "scope")
	}
	if c.NATS.URL == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "nats url")
	}
	if c.Interface.Name == "" {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "interface name")
	}
	if len(c.Interface.Targets) == 0 {
		return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "interface targets")
	}

	switch c.Interface.Type {
	case "tcp":
		if c.Interface.TCP == nil || c.Interface.TCP.Address == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "tcp address")
		}
	case "udp":
		if c.Interface.UDP == nil || c.Interface.UDP.BindAddress == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "udp bind address")
		}
	case "serial":
		if c.Interface.Serial == nil || c.Interface.Serial.Device == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "serial device")
		}
	case "websocket":
		if c.Interface.Websocket == nil || c.Interface.Websocket.URL == "" {
			return errors.Wrap(errors.ErrMissingConfig, "Config", "Validate", "websocket url")
		}
	default:
		return errors.Wrap(
			fmt.Errorf("unknown interface type %q", c.Interface.Type),
			"Config", "Validate", "interface type")
	}
	return nil
}

// Load reads and parses a configuration file by extension
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read file")
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "config", "Load", "parse yaml")
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "config", "Load", "parse json")
		}
	}
	return cfg, nil
}
