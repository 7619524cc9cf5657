package central

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattq/internal/transport"
)

// Config holds the parameters of one peer session. It is fixed at connect
// time; a reconnect scheduled by the retry policy reuses it unchanged.
type Config struct {
	// ConnectionTimeout bounds one dial attempt.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	// OperationTimeout bounds one dispatched attribute operation, attribute
	// discovery included.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// RetryDelay separates a failed attempt from the next scheduled one.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxRetries caps scheduled reconnect attempts beyond the first dial.
	MaxRetries int `yaml:"max_retries" default:"3"`
	// AutoReconnect schedules reconnects after failed dials and unexpected
	// link drops until MaxRetries is exhausted.
	AutoReconnect bool `yaml:"auto_reconnect"`
	// MTU is the transmission unit to request after discovery. Values at or
	// below the protocol floor of 23 skip negotiation entirely.
	MTU int `yaml:"mtu" default:"247"`
	// EnableNotifications subscribes every notify- or indicate-capable
	// characteristic right after discovery.
	EnableNotifications bool `yaml:"enable_notifications" default:"true"`
}

// DefaultConfig returns the stock session parameters.
func DefaultConfig() Config {
	var c Config
	defaults.SetDefaults(&c)
	c.ConnectionTimeout = 10 * time.Second
	c.OperationTimeout = 5 * time.Second
	c.RetryDelay = 2 * time.Second
	return c
}

// withDefaults fills unusable zero durations so a literal Config{...} does
// not produce timers that fire immediately.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = def.OperationTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

// Validate rejects parameter combinations the engine cannot honor.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MTU != 0 && (c.MTU < transport.DefaultMTU || c.MTU > transport.MaxMTU) {
		return fmt.Errorf("mtu must be 0 or within [%d, %d], got %d",
			transport.DefaultMTU, transport.MaxMTU, c.MTU)
	}
	return nil
}

// yamlConfig mirrors Config with string durations so session files can say
// "10s" instead of nanosecond counts.
type yamlConfig struct {
	ConnectionTimeout   string `yaml:"connection_timeout"`
	OperationTimeout    string `yaml:"operation_timeout"`
	RetryDelay          string `yaml:"retry_delay"`
	MaxRetries          *int   `yaml:"max_retries"`
	AutoReconnect       *bool  `yaml:"auto_reconnect"`
	MTU                 *int   `yaml:"mtu"`
	EnableNotifications *bool  `yaml:"enable_notifications"`
}

// UnmarshalYAML decodes a session file on top of the defaults, leaving
// absent keys at their default values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw yamlConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*c = DefaultConfig()
	if err := applyDuration(&c.ConnectionTimeout, "connection_timeout", raw.ConnectionTimeout); err != nil {
		return err
	}
	if err := applyDuration(&c.OperationTimeout, "operation_timeout", raw.OperationTimeout); err != nil {
		return err
	}
	if err := applyDuration(&c.RetryDelay, "retry_delay", raw.RetryDelay); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.AutoReconnect != nil {
		c.AutoReconnect = *raw.AutoReconnect
	}
	if raw.MTU != nil {
		c.MTU = *raw.MTU
	}
	if raw.EnableNotifications != nil {
		c.EnableNotifications = *raw.EnableNotifications
	}
	return nil
}

func applyDuration(dst *time.Duration, key, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// LoadConfig reads session parameters from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), err
	}

	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return DefaultConfig(), fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return DefaultConfig(), fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
