// Package config loads modelinspect settings from defaults, an optional YAML
// file and MODELINSPECT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "modelinspect.yaml"

// EnvPrefix prefixes every environment override, e.g.
// MODELINSPECT_LOGGING_LEVEL.
const EnvPrefix = "MODELINSPECT"

// ErrInvalidConfig is returned when a setting is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds every tunable of an inspection run.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Heuristic  HeuristicConfig  `mapstructure:"heuristic"`
	Allowlist  AllowlistConfig  `mapstructure:"allowlist"`
	Workers    WorkersConfig    `mapstructure:"workers"`
}

// LoggingConfig selects the log level, format and optional log file.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LimitsConfig bounds the resources spent on one artifact.
type LimitsConfig struct {
	MaxArtifactSize  uint64 `mapstructure:"max_artifact_size"`
	MaxHeaderSize    uint64 `mapstructure:"max_header_size"`
	MaxTensorCount   uint64 `mapstructure:"max_tensor_count"`
	MaxKVCount       uint64 `mapstructure:"max_kv_count"`
	MaxNestingDepth  int    `mapstructure:"max_nesting_depth"`
	MaxArrayElements uint64 `mapstructure:"max_array_elements"`
	MaxMetadataBytes uint64 `mapstructure:"max_metadata_bytes"`
}

// ThresholdsConfig sets the sizes above which tensors are reported.
type ThresholdsConfig struct {
	LargeTensorBytes  uint64 `mapstructure:"large_tensor_bytes"`
	UnusedTensorBytes uint64 `mapstructure:"unused_tensor_bytes"`
}

// HeuristicConfig controls the byte-level payload scan.
type HeuristicConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BlockSize int           `mapstructure:"block_size"`
	Entropy   EntropyConfig `mapstructure:"entropy"`
}

// EntropyConfig tunes the entropy windows.
type EntropyConfig struct {
	Window    int     `mapstructure:"window"`
	Threshold float64 `mapstructure:"threshold"`
}

// AllowlistConfig lists the metadata keys and operator domains that are
// expected.
type AllowlistConfig struct {
	SafeTensorsMetadata []string `mapstructure:"safetensors_metadata"`
	ONNXDomains         []string `mapstructure:"onnx_domains"`
	ONNXMetadata        []string `mapstructure:"onnx_metadata"`
}

// WorkersConfig sizes the worker pools. Zero means one worker per CPU.
type WorkersConfig struct {
	Artifacts int `mapstructure:"artifacts"`
	Tensors   int `mapstructure:"tensors"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("limits.max_artifact_size", uint64(64)<<30)
	v.SetDefault("limits.max_header_size", 100<<20)
	v.SetDefault("limits.max_tensor_count", 100_000)
	v.SetDefault("limits.max_kv_count", 1_000_000)
	v.SetDefault("limits.max_nesting_depth", 4)
	v.SetDefault("limits.max_array_elements", 1<<24)
	v.SetDefault("limits.max_metadata_bytes", 256<<20)

	v.SetDefault("thresholds.large_tensor_bytes", uint64(2)<<30)
	v.SetDefault("thresholds.unused_tensor_bytes", 1<<20)

	v.SetDefault("heuristic.enabled", true)
	v.SetDefault("heuristic.block_size", 1<<20)
	v.SetDefault("heuristic.entropy.window", 4096)
	v.SetDefault("heuristic.entropy.threshold", 7.9)

	v.SetDefault("allowlist.safetensors_metadata", []string{"format"})
	v.SetDefault("allowlist.onnx_domains", []string{"", "ai.onnx", "ai.onnx.ml", "ai.onnx.training", "com.microsoft"})
	v.SetDefault("allowlist.onnx_metadata", []string{"author", "description", "license"})

	v.SetDefault("workers.artifacts", 0)
	v.SetDefault("workers.tensors", 0)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads path (or ./modelinspect.yaml when path is empty and the file
// exists), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validLevels = []string{"debug", "info", "warn", "warning", "error"}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("%w: logging.level %q must be one of %s",
			ErrInvalidConfig, c.Logging.Level, strings.Join(validLevels, ", "))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q must be text or json", ErrInvalidConfig, c.Logging.Format)
	}

	switch {
	case c.Limits.MaxArtifactSize == 0:
		return fmt.Errorf("%w: limits.max_artifact_size must be positive", ErrInvalidConfig)
	case c.Limits.MaxNestingDepth <= 0:
		return fmt.Errorf("%w: limits.max_nesting_depth must be positive", ErrInvalidConfig)
	case c.Heuristic.BlockSize <= 0:
		return fmt.Errorf("%w: heuristic.block_size must be positive", ErrInvalidConfig)
	case c.Heuristic.Entropy.Window <= 0:
		return fmt.Errorf("%w: heuristic.entropy.window must be positive", ErrInvalidConfig)
	case c.Heuristic.Entropy.Threshold <= 0 || c.Heuristic.Entropy.Threshold > 8:
		return fmt.Errorf("%w: heuristic.entropy.threshold %g must be in (0, 8]",
			ErrInvalidConfig, c.Heuristic.Entropy.Threshold)
	case c.Workers.Artifacts < 0 || c.Workers.Tensors < 0:
		return fmt.Errorf("%w: worker counts must not be negative", ErrInvalidConfig)
	}
	return nil
}
