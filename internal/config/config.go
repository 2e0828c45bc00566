// Package config provides Viper-based configuration loading for the game server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Framing modes accepted by ListenerConfig.Framing.
const (
	// FramingLine treats every newline-terminated line as one message.
	FramingLine = "line"
	// FramingRead treats every successful socket read as one message.
	FramingRead = "read"
)

// ListenerConfig holds TCP listener settings.
type ListenerConfig struct {
	// Host is the bind address for the listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// Backlog is the requested pending-connection backlog. It is validated
	// and logged only: net.Listen always passes the OS maximum
	// (somaxconn) to listen(2) and offers no way to override it.
	Backlog int `mapstructure:"backlog"`
	// ReadBufferSize is the receive buffer size and the maximum message size.
	ReadBufferSize int `mapstructure:"read_buffer_size"`
	// Framing selects how the byte stream is split into messages: "line" or "read".
	Framing string `mapstructure:"framing"`
	// MaxConnections caps concurrently connected sessions. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections"`
	// ReadTimeout disconnects sessions idle for longer than this. 0 disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds each Session.Send. 0 disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// DispatchConfig holds dispatcher queue settings.
type DispatchConfig struct {
	// QueueSize is the number of decoded messages buffered ahead of the script runtime.
	QueueSize int `mapstructure:"queue_size"`
	// ShutdownTimeout bounds how long Stop waits for an in-flight callback.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ScriptingConfig holds Lua runtime settings.
type ScriptingConfig struct {
	// Root is the directory scripts are loaded from; include() may not escape it.
	Root string `mapstructure:"root"`
	// InitScript is the entry script, relative to Root.
	InitScript string `mapstructure:"init_script"`
	// InstructionLimit is the opcode budget for a single callback invocation.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File is an optional log file written in addition to stderr.
	File string `mapstructure:"file"`
}

// MetricsConfig holds the Prometheus HTTP endpoint settings.
type MetricsConfig struct {
	// Addr is the bind address for /metrics and /healthz. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	Listener  ListenerConfig  `mapstructure:"listener"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateListener(c.Listener); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDispatch(c.Dispatch); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateScripting(c.Scripting); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if l.Port < 0 || l.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listener.port must be 0-65535, got %d", l.Port))
	}
	if l.Backlog < 1 {
		errs = append(errs, fmt.Sprintf("listener.backlog must be >= 1, got %d", l.Backlog))
	}
	if l.ReadBufferSize < 16 {
		errs = append(errs, fmt.Sprintf("listener.read_buffer_size must be >= 16, got %d", l.ReadBufferSize))
	}
	if l.Framing != FramingLine && l.Framing != FramingRead {
		errs = append(errs, fmt.Sprintf("listener.framing must be one of [line, read], got %q", l.Framing))
	}
	if l.MaxConnections < 0 {
		errs = append(errs, fmt.Sprintf("listener.max_connections must be >= 0, got %d", l.MaxConnections))
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDispatch(d DispatchConfig) error {
	var errs []string
	if d.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("dispatch.queue_size must be >= 1, got %d", d.QueueSize))
	}
	if d.ShutdownTimeout < 0 {
		errs = append(errs, "dispatch.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateScripting(s ScriptingConfig) error {
	var errs []string
	if s.Root == "" {
		errs = append(errs, "scripting.root must not be empty")
	}
	if s.InitScript == "" {
		errs = append(errs, "scripting.init_script must not be empty")
	}
	if s.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("scripting.instruction_limit must be >= 0, got %d", s.InstructionLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LUDISTRY_ prefix
	v.SetEnvPrefix("LUDISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// Default returns the built-in configuration without reading any file.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listener.host", "0.0.0.0")
	v.SetDefault("listener.port", 12345)
	v.SetDefault("listener.backlog", 5)
	v.SetDefault("listener.read_buffer_size", 1024)
	v.SetDefault("listener.framing", FramingLine)
	v.SetDefault("listener.max_connections", 1024)
	v.SetDefault("listener.read_timeout", "0s")
	v.SetDefault("listener.write_timeout", "10s")

	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.shutdown_timeout", "5s")

	v.SetDefault("scripting.root", "scripts")
	v.SetDefault("scripting.init_script", "init.lua")
	v.SetDefault("scripting.instruction_limit", 100_000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.addr", ":9100")
}
