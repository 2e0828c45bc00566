package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Listener: ListenerConfig{
			Host:           "0.0.0.0",
			Port:           12345,
			Backlog:        5,
			ReadBufferSize: 1024,
			Framing:        FramingLine,
			MaxConnections: 100,
			WriteTimeout:   10 * time.Second,
		},
		Dispatch: DispatchConfig{
			QueueSize:       256,
			ShutdownTimeout: 5 * time.Second,
		},
		Scripting: ScriptingConfig{
			Root:             "scripts",
			InitScript:       "init.lua",
			InstructionLimit: 100_000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{Addr: ":9100"},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestListenerAddr(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:12345", cfg.Listener.Addr())
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 12345, cfg.Listener.Port)
	assert.Equal(t, 5, cfg.Listener.Backlog)
	assert.Equal(t, 1024, cfg.Listener.ReadBufferSize)
	assert.Equal(t, FramingLine, cfg.Listener.Framing)
	assert.Equal(t, 10*time.Second, cfg.Listener.WriteTimeout)
	assert.Equal(t, "init.lua", cfg.Scripting.InitScript)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
listener:
  host: 127.0.0.1
  port: 4001
  framing: read
  max_connections: 8
  write_timeout: 2s
dispatch:
  queue_size: 16
scripting:
  root: /srv/game
  instruction_limit: 500
logging:
  level: debug
  format: console
  file: game.log
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Listener.Host)
	assert.Equal(t, 4001, cfg.Listener.Port)
	assert.Equal(t, FramingRead, cfg.Listener.Framing)
	assert.Equal(t, 8, cfg.Listener.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.Listener.WriteTimeout)
	assert.Equal(t, 16, cfg.Dispatch.QueueSize)
	assert.Equal(t, "/srv/game", cfg.Scripting.Root)
	assert.Equal(t, 500, cfg.Scripting.InstructionLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "game.log", cfg.Logging.File)

	// untouched keys keep their defaults
	assert.Equal(t, 1024, cfg.Listener.ReadBufferSize)
	assert.Equal(t, "init.lua", cfg.Scripting.InitScript)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener:\n  port: 4001\n"), 0644))
	t.Setenv("LUDISTRY_LISTENER_PORT", "5001")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Listener.Port)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestValidateFraming(t *testing.T) {
	for _, mode := range []string{FramingLine, FramingRead} {
		cfg := validConfig()
		cfg.Listener.Framing = mode
		assert.NoError(t, cfg.Validate(), "framing %q should be valid", mode)
	}
	cfg := validConfig()
	cfg.Listener.Framing = "length"
	assert.Error(t, cfg.Validate())
}

func TestValidateListener_Negatives(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.MaxConnections = -1
	cfg.Listener.ReadTimeout = -time.Second
	cfg.Listener.WriteTimeout = -time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener.max_connections")
	assert.Contains(t, err.Error(), "listener.read_timeout")
	assert.Contains(t, err.Error(), "listener.write_timeout")
}

func TestValidateListener_SmallBuffer(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.ReadBufferSize = 8
	assert.Error(t, cfg.Validate())
}

func TestValidateDispatch(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatch.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.queue_size")
}

func TestValidateScripting(t *testing.T) {
	cfg := validConfig()
	cfg.Scripting.Root = ""
	cfg.Scripting.InitScript = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scripting.root")
	assert.Contains(t, err.Error(), "scripting.init_script")
}

func TestValidateLogging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Listener.Port = 70000
	cfg.Logging.Level = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener.port")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestPropertyValidPortsAccepted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(0, 65535).Draw(t, "port")
		cfg := validConfig()
		cfg.Listener.Port = port
		assert.NoError(t, cfg.Validate())
	})
}

func TestPropertyInvalidPortsRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-10000, -1),
			rapid.IntRange(65536, 200000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.Listener.Port = port
		assert.Error(t, cfg.Validate())
	})
}
