// Package config loads the runtime configuration from YAML or JSON5 files
// with environment variable expansion and $include composition.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the root runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Sessions SessionsConfig `yaml:"sessions" json:"sessions"`
	Engine   EngineConfig   `yaml:"engine" json:"engine"`
	Pool     PoolConfig     `yaml:"pool" json:"pool"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Sandbox  SandboxConfig  `yaml:"sandbox" json:"sandbox"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// SessionsConfig configures session persistence.
type SessionsConfig struct {
	// Root is the directory holding sessions/<id>/ trees.
	Root string `yaml:"root" json:"root"`
}

// EngineConfig configures the iteration engine.
type EngineConfig struct {
	// DefaultMaxIterations bounds a turn when the session does not set one.
	DefaultMaxIterations int `yaml:"default_max_iterations" json:"default_max_iterations"`

	// MaxConcurrentTurns bounds turns across all sessions.
	// Default: NumCPU * 4.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns" json:"max_concurrent_turns"`
}

// PoolConfig configures tool-server lifecycles.
type PoolConfig struct {
	StartupTimeout    time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" json:"reconnect_attempts"`
}

// MemoryConfig configures the per-session memory stores.
type MemoryConfig struct {
	// MaxRecords caps records per session; the forgetting pass evicts
	// the lowest-scoring records beyond it.
	MaxRecords int `yaml:"max_records" json:"max_records"`

	// MaintenanceSchedule is a cron expression for the consolidation and
	// forgetting pass.
	MaintenanceSchedule string `yaml:"maintenance_schedule" json:"maintenance_schedule"`
}

// SandboxConfig configures the Python sandbox service.
type SandboxConfig struct {
	// Interpreter is the Python binary used for execution.
	Interpreter string `yaml:"interpreter" json:"interpreter"`

	// ExecTimeout bounds a single code execution.
	ExecTimeout time.Duration `yaml:"exec_timeout" json:"exec_timeout"`

	// MaxOutputBytes caps captured stdout/stderr per execution.
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8000},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Sessions: SessionsConfig{Root: "data"},
		Engine: EngineConfig{
			DefaultMaxIterations: 10,
			MaxConcurrentTurns:   runtime.NumCPU() * 4,
		},
		Pool: PoolConfig{
			StartupTimeout:    10 * time.Second,
			CallTimeout:       30 * time.Second,
			ShutdownGrace:     5 * time.Second,
			ReconnectAttempts: 3,
		},
		Memory: MemoryConfig{
			MaxRecords:          1000,
			MaintenanceSchedule: "@every 10m",
		},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			ExecTimeout:    5 * time.Second,
			MaxOutputBytes: 64 * 1024,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.Root == "" {
		return fmt.Errorf("sessions.root is required")
	}
	if c.Engine.DefaultMaxIterations <= 0 {
		return fmt.Errorf("engine.default_max_iterations must be positive")
	}
	if c.Engine.MaxConcurrentTurns <= 0 {
		return fmt.Errorf("engine.max_concurrent_turns must be positive")
	}
	if c.Pool.ReconnectAttempts < 0 {
		return fmt.Errorf("pool.reconnect_attempts must not be negative")
	}
	return nil
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
	if c.Sessions.Root == "" {
		c.Sessions.Root = d.Sessions.Root
	}
	if c.Engine.DefaultMaxIterations == 0 {
		c.Engine.DefaultMaxIterations = d.Engine.DefaultMaxIterations
	}
	if c.Engine.MaxConcurrentTurns == 0 {
		c.Engine.MaxConcurrentTurns = d.Engine.MaxConcurrentTurns
	}
	if c.Pool.StartupTimeout == 0 {
		c.Pool.StartupTimeout = d.Pool.StartupTimeout
	}
	if c.Pool.CallTimeout == 0 {
		c.Pool.CallTimeout = d.Pool.CallTimeout
	}
	if c.Pool.ShutdownGrace == 0 {
		c.Pool.ShutdownGrace = d.Pool.ShutdownGrace
	}
	if c.Pool.ReconnectAttempts == 0 {
		c.Pool.ReconnectAttempts = d.Pool.ReconnectAttempts
	}
	if c.Memory.MaxRecords == 0 {
		c.Memory.MaxRecords = d.Memory.MaxRecords
	}
	if c.Memory.MaintenanceSchedule == "" {
		c.Memory.MaintenanceSchedule = d.Memory.MaintenanceSchedule
	}
	if c.Sandbox.Interpreter == "" {
		c.Sandbox.Interpreter = d.Sandbox.Interpreter
	}
	if c.Sandbox.ExecTimeout == 0 {
		c.Sandbox.ExecTimeout = d.Sandbox.ExecTimeout
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = d.Sandbox.MaxOutputBytes
	}
}
