package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chazu/brickforge/pkg/export"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so
// server.address is read from BRICKFORGE_SERVER_ADDRESS.
const EnvPrefix = "BRICKFORGE"

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"listen":         "server.address",
	"kernel":         "kernel.backend",
	"mesh-cells":     "kernel.mesh_cells",
	"max-mesh-cells": "kernel.max_mesh_cells",
	"segments":       "kernel.segments",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
	"format":         "export.format",
	"compress":       "export.compression",
}

// RegisterFlags adds the flags Load understands to fs. Values left unset
// on the command line do not override the file or environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to brickforge.yaml")
	fs.String("env-file", "", "path to a .env file")
	fs.String("listen", "", "HTTP listen address")
	fs.String("kernel", "", "geometry kernel: sdfx or manifold")
	fs.Int("mesh-cells", 0, "marching cubes cells along the longest axis")
	fs.Int("max-mesh-cells", 0, "finest marching cubes resolution before a brick is refused")
	fs.Int("segments", 0, "cylinder segments for polygonal kernels")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "json or console")
	fs.String("format", "", "export format: stl, stl-ascii or step")
	fs.String("compress", "", "export compression: none or zstd")
}

// Load reads the configuration. fs may be nil; when set, its --config and
// --env-file flags pick the files and the remaining flags override.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var cfgPath, envPath string
	if fs != nil {
		cfgPath, _ = fs.GetString("config")
		envPath, _ = fs.GetString("env-file")
	}

	envFile, err := loadEnvFile(envPath)
	if err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgPath, err)
		}
	} else {
		v.SetConfigName("brickforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("error reading config: %w", err)
			}
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	cfg.EnvFile = envFile

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadEnvFile loads path, or ./.env when path is empty. A missing default
// file is not an error; a missing explicit one is.
func loadEnvFile(path string) (string, error) {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return "", nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return path, nil
}

// bindFlags binds only flags that were set, so pflag zero values never
// shadow the file or environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	if err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8420")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.event_queue", 16)

	v.SetDefault("kernel.backend", "sdfx")
	v.SetDefault("kernel.mesh_cells", 0)
	v.SetDefault("kernel.max_mesh_cells", 0)
	v.SetDefault("kernel.segments", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("limits.max_length", 16)
	v.SetDefault("limits.max_width", 16)
	v.SetDefault("limits.max_height", 12)
	v.SetDefault("limits.build_wait", 30*time.Second)
	v.SetDefault("limits.reject_when_busy", false)
	v.SetDefault("limits.max_script_bytes", 64<<10)

	v.SetDefault("defaults.length", 3)
	v.SetDefault("defaults.width", 2)
	v.SetDefault("defaults.height", 3)
	v.SetDefault("defaults.with_studs", true)
	v.SetDefault("defaults.tolerance", 0.0)

	v.SetDefault("export.format", string(export.STL))
	v.SetDefault("export.compression", string(export.None))
	v.SetDefault("export.directory", ".")

	v.SetDefault("script.timeout", 5*time.Second)
}

// applyDefaults fills fields an explicit file or variable left empty.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Kernel.Backend == "" {
		cfg.Kernel.Backend = "sdfx"
	}
	if cfg.Server.EventQueue <= 0 {
		cfg.Server.EventQueue = 16
	}
	if cfg.Export.Format == "" {
		cfg.Export.Format = string(export.STL)
	}
	if cfg.Export.Directory == "" {
		cfg.Export.Directory = "."
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	switch cfg.Kernel.Backend {
	case "sdfx", "manifold":
	default:
		return fmt.Errorf("kernel.backend must be sdfx or manifold, got %q", cfg.Kernel.Backend)
	}
	if cfg.Kernel.MeshCells < 0 {
		return fmt.Errorf("kernel.mesh_cells must not be negative")
	}
	if cfg.Kernel.MaxMeshCells < 0 {
		return fmt.Errorf("kernel.max_mesh_cells must not be negative")
	}
	if cfg.Kernel.MaxMeshCells > 0 && cfg.Kernel.MeshCells > cfg.Kernel.MaxMeshCells {
		return fmt.Errorf("kernel.mesh_cells %d exceeds kernel.max_mesh_cells %d", cfg.Kernel.MeshCells, cfg.Kernel.MaxMeshCells)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if _, err := export.ParseFormat(cfg.Export.Format); err != nil {
		return fmt.Errorf("export.format: %w", err)
	}
	if _, err := export.ParseCompression(cfg.Export.Compression); err != nil {
		return fmt.Errorf("export.compression: %w", err)
	}
	if cfg.Limits.MaxLength < 0 || cfg.Limits.MaxWidth < 0 || cfg.Limits.MaxHeight < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if field := cfg.Limits.Exceeds(cfg.Defaults); field != "" {
		return fmt.Errorf("defaults.%s exceeds limits.max_%s", field, field)
	}
	return nil
}
