// Package config loads brickforge settings from brickforge.yaml, a .env
// file, BRICKFORGE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"time"

	"github.com/chazu/brickforge/pkg/brick"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Kernel   KernelConfig     `mapstructure:"kernel"`
	Logging  LoggingConfig    `mapstructure:"logging"`
	Limits   LimitsConfig     `mapstructure:"limits"`
	Defaults brick.Parameters `mapstructure:"defaults"`
	Export   ExportConfig     `mapstructure:"export"`
	Script   ScriptConfig     `mapstructure:"script"`

	// ConfigFile and EnvFile record which files were read, if any.
	ConfigFile string `mapstructure:"-"`
	EnvFile    string `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	// EventQueue is the per-client websocket send buffer.
	EventQueue int `mapstructure:"event_queue"`
}

type KernelConfig struct {
	Backend   string `mapstructure:"backend"` // sdfx | manifold
	MeshCells int    `mapstructure:"mesh_cells"`
	// MaxMeshCells caps the resolution sdfx picks for thin walls; bricks
	// needing more are refused.
	MaxMeshCells int `mapstructure:"max_mesh_cells"`
	Segments     int `mapstructure:"segments"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// LimitsConfig bounds what the service will build.
type LimitsConfig struct {
	MaxLength int `mapstructure:"max_length"`
	MaxWidth  int `mapstructure:"max_width"`
	MaxHeight int `mapstructure:"max_height"`
	// BuildWait bounds how long a request queues behind an in-flight
	// build. Zero means wait for the request's own deadline.
	BuildWait time.Duration `mapstructure:"build_wait"`
	// RejectWhenBusy answers 429 instead of queueing.
	RejectWhenBusy bool `mapstructure:"reject_when_busy"`
	MaxScriptBytes int  `mapstructure:"max_script_bytes"`
}

type ExportConfig struct {
	Format      string `mapstructure:"format"`
	Compression string `mapstructure:"compression"`
	Directory   string `mapstructure:"directory"`
}

type ScriptConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Exceeds reports which limit p breaks, or "" when it fits.
func (l LimitsConfig) Exceeds(p brick.Parameters) string {
	switch {
	case l.MaxLength > 0 && p.Length > l.MaxLength:
		return "length"
	case l.MaxWidth > 0 && p.Width > l.MaxWidth:
		return "width"
	case l.MaxHeight > 0 && p.Height > l.MaxHeight:
		return "height"
	}
	return ""
}
