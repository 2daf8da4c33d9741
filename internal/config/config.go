// Package config loads driver configuration from file and environment with
// Viper. Every knob has a default good enough to run against the simulated
// firmware out of the box.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all driver configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	DB      DBConfig      `mapstructure:"db"`
	Command CommandConfig `mapstructure:"command"`
	Connect ConnectConfig `mapstructure:"connect"`
	Rx      RxConfig      `mapstructure:"rx"`
	Debug   bool          `mapstructure:"debug"`
}

// HTTPConfig configures the inspect server.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig configures the BSS cache.
type DBConfig struct {
	Path string `mapstructure:"path"`
	// PruneAge drops cached BSS entries not seen within this window.
	PruneAge time.Duration `mapstructure:"prune_age"`
}

// CommandConfig configures the firmware command channel.
type CommandConfig struct {
	QueueDepth int           `mapstructure:"queue_depth"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ConnectConfig configures the connection state machine.
type ConnectConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	DisconnectTimeout    time.Duration `mapstructure:"disconnect_timeout"`
	SignalReportInterval time.Duration `mapstructure:"signal_report_interval"`
	AuthRetryMax         int           `mapstructure:"auth_retry_max"`
	AssocRetryMax        int           `mapstructure:"assoc_retry_max"`
	AllowDualRole        bool          `mapstructure:"allow_dual_role"`
}

// RxConfig configures the receive path.
type RxConfig struct {
	RingCapacity   int           `mapstructure:"ring_capacity"`
	BufferSize     int           `mapstructure:"buffer_size"`
	ReorderTimeout time.Duration `mapstructure:"reorder_timeout"`
}

// Load reads configuration from configPath (or the default search path when
// empty) and the FULLMAC_ environment, then unmarshals it. A missing config
// file is not an error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("db.path", "fullmac.db")
	v.SetDefault("db.prune_age", "24h")
	v.SetDefault("command.queue_depth", 32)
	v.SetDefault("command.timeout", "1s")
	v.SetDefault("connect.timeout", "1500ms")
	v.SetDefault("connect.disconnect_timeout", "50ms")
	v.SetDefault("connect.signal_report_interval", "10s")
	v.SetDefault("connect.auth_retry_max", 3)
	v.SetDefault("connect.assoc_retry_max", 5)
	v.SetDefault("connect.allow_dual_role", false)
	v.SetDefault("rx.ring_capacity", 512)
	v.SetDefault("rx.buffer_size", 2048)
	v.SetDefault("rx.reorder_timeout", "100ms")
	v.SetDefault("debug", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fullmac")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fullmac")
	}

	// Environment variable support: FULLMAC_CONNECT_TIMEOUT=2s
	v.SetEnvPrefix("FULLMAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Rx.RingCapacity < 2 {
		return fmt.Errorf("rx.ring_capacity %d: must be at least 2", c.Rx.RingCapacity)
	}
	if c.Rx.BufferSize <= 0 {
		return fmt.Errorf("rx.buffer_size %d: must be positive", c.Rx.BufferSize)
	}
	if c.Command.QueueDepth <= 0 {
		return fmt.Errorf("command.queue_depth %d: must be positive", c.Command.QueueDepth)
	}
	if c.Connect.AuthRetryMax < 0 || c.Connect.AssocRetryMax < 0 {
		return fmt.Errorf("retry budgets must not be negative")
	}
	return nil
}
