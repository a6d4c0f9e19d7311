// Package config provides configuration management for the pwnmcp server.
//
// Configuration controls:
//   - Transport selection (stdio, sse, http) and the bind address for the
//     network transports
//   - The debugger binary and the extra arguments it is started with
//   - Symbol relay peer settings (display name, host, port)
//   - Timeouts and the process I/O buffer bound
//
// Configuration can be loaded from a JSON file or use sensible defaults.
// All settings are fixed at startup; none of them are part of the bridge's
// runtime session state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Transport selects how the MCP server is exposed to clients.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// Config holds the server configuration
type Config struct {
	// Transport settings
	Transport Transport `json:"transport"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`

	// Debugger settings
	GDB GDBConfig `json:"gdb"`

	// Symbol relay peer (optional)
	Relay RelayConfig `json:"relay"`

	// CommandTimeoutSec bounds every control-channel call
	CommandTimeoutSec int `json:"commandTimeoutSec"`

	// ReadTimeoutSec is the default wait-for-data bound for read_from_process
	ReadTimeoutSec int `json:"readTimeoutSec"`

	// IOBufferSize caps the accumulated debuggee output in bytes
	IOBufferSize int `json:"ioBufferSize"`

	// LogLevel is a logrus level name (debug, info, warn, error)
	LogLevel string `json:"logLevel"`
}

// GDBConfig holds debugger-specific configuration
type GDBConfig struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// RelayConfig holds symbol relay connection settings
type RelayConfig struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// Addr returns the host:port bind address for the network transports.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CommandTimeout returns the control command timeout as a duration.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec) * time.Second
}

// ReadTimeout returns the default PTY read wait as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// Addr returns the relay peer address.
func (r *RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportHTTP,
		Host:      "localhost",
		Port:      8780,
		GDB: GDBConfig{
			Path: "gdb",
			Args: []string{"-q", "--interpreter=mi3"},
		},
		Relay: RelayConfig{
			Enabled: false,
			Name:    "pwnmcp",
			Host:    "localhost",
			Port:    3662,
		},
		CommandTimeoutSec: 5,
		ReadTimeoutSec:    1,
		IOBufferSize:      1 << 20,
		LogLevel:          "info",
	}
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStdio, TransportSSE, TransportHTTP:
	default:
		return fmt.Errorf("unknown transport %q (want stdio, sse or http)", c.Transport)
	}
	if c.GDB.Path == "" {
		return fmt.Errorf("gdb.path must not be empty")
	}
	if c.CommandTimeoutSec <= 0 {
		return fmt.Errorf("commandTimeoutSec must be positive")
	}
	if c.IOBufferSize <= 0 {
		return fmt.Errorf("ioBufferSize must be positive")
	}
	return nil
}
