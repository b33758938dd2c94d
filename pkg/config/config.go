package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/bluez"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/service"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Switch is a feature flag written as "on", "off" or "auto" in config files.
// "auto" keeps the built-in default of the feature.
type Switch string

const (
	SwitchAuto Switch = "auto"
	SwitchOn   Switch = "on"
	SwitchOff  Switch = "off"
)

func (s Switch) valid() bool {
	switch s {
	case SwitchAuto, SwitchOn, SwitchOff:
		return true
	}
	return false
}

// Enabled resolves the switch, falling back to def for "auto".
func (s Switch) Enabled(def bool) bool {
	switch s {
	case SwitchOn:
		return true
	case SwitchOff:
		return false
	}
	return def
}

// Config holds application configuration
type Config struct {
	LogLevel                      string        `yaml:"log_level" default:"info"`
	ConnectTimeout                time.Duration `yaml:"connect_timeout" default:"6s"`
	OffloadEnabled                bool          `yaml:"offload_enabled"`
	SuppressSelectableWithOffload Switch        `yaml:"suppress_selectable_with_offload" default:"on"`
	MaxConnectedAudioDevices      int           `yaml:"max_connected_audio_devices" default:"1"`
	AcceptUnknownIncoming         Switch        `yaml:"accept_unknown_incoming" default:"on"`
	HistorySize                   uint32        `yaml:"history_size" default:"32"`
	DispatcherBuffer              int           `yaml:"dispatcher_buffer" default:"64"`
	Adapter                       string        `yaml:"adapter" default:"hci0"`
	// SeedDefaultCodec names a codec (e.g. "SBC") every new device starts with
	// as its baseline before the first driver report.
	SeedDefaultCodec string `yaml:"seed_default_codec"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file; keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if _, err := c.Level(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "connect_timeout must be positive")
	}
	if c.MaxConnectedAudioDevices < 1 {
		problems = append(problems, "max_connected_audio_devices must be at least 1")
	}
	if c.DispatcherBuffer < 0 {
		problems = append(problems, "dispatcher_buffer must not be negative")
	}
	if !c.SuppressSelectableWithOffload.valid() {
		problems = append(problems, fmt.Sprintf("suppress_selectable_with_offload: invalid value %q (must be auto, on or off)", c.SuppressSelectableWithOffload))
	}
	if !c.AcceptUnknownIncoming.valid() {
		problems = append(problems, fmt.Sprintf("accept_unknown_incoming: invalid value %q (must be auto, on or off)", c.AcceptUnknownIncoming))
	}
	if c.Adapter == "" {
		problems = append(problems, "adapter must not be empty")
	}
	if c.SeedDefaultCodec != "" {
		if _, err := codec.ParseType(c.SeedDefaultCodec); err != nil {
			problems = append(problems, "seed_default_codec: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Level parses LogLevel (debug, info, warn, error).
func (c *Config) Level() (logrus.Level, error) {
	switch c.LogLevel {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	level, _ := c.Level()

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ProfileOptions builds the options shared by every state machine.
func (c *Config) ProfileOptions() a2dp.Options {
	opts := a2dp.DefaultOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.OffloadEnabled = c.OffloadEnabled
	opts.ReportSelectableWithOffload = !c.SuppressSelectableWithOffload.Enabled(true)
	opts.HistorySize = c.HistorySize
	return opts
}

// ServiceOptions builds the profile service options.
func (c *Config) ServiceOptions() service.Options {
	opts := service.DefaultOptions()
	opts.Machine = c.ProfileOptions()
	opts.MaxConnectedAudioDevices = c.MaxConnectedAudioDevices
	opts.RejectUnknownIncoming = !c.AcceptUnknownIncoming.Enabled(true)
	opts.DispatcherBuffer = c.DispatcherBuffer
	if c.SeedDefaultCodec != "" {
		if t, err := codec.ParseType(c.SeedDefaultCodec); err == nil {
			cfg := codec.DefaultConfig(t)
			opts.SeedCodec = &codec.Status{Selected: cfg, Selectable: []codec.Config{cfg}}
		}
	}
	return opts
}

// BluezOptions builds the BlueZ driver options.
func (c *Config) BluezOptions() bluez.Options {
	return bluez.Options{Adapter: c.Adapter}
}
