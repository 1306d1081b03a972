// Package config loads replay server configuration from YAML or JSON
// documents: the set of tables with their selectors and rate limiters,
// plus checkpointing settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/hupe1980/replaygo/model"
)

var (
	// ErrEmptyPath is returned when no config path was given.
	ErrEmptyPath = errors.New("config path is empty")

	// ErrUnknownFormat is returned for unsupported file extensions.
	ErrUnknownFormat = errors.New("unknown config format")
)

// Format identifies a configuration document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// SelectorConfig describes one selector.
type SelectorConfig struct {
	// Kind is one of uniform, fifo, lifo, prioritized, heap.
	Kind string `koanf:"kind"`

	// PriorityExponent applies to prioritized selectors.
	PriorityExponent float64 `koanf:"priority_exponent"`

	// MinHeap applies to heap selectors; false means max-heap.
	MinHeap bool `koanf:"min_heap"`
}

// Options converts the config to a selector descriptor.
func (c SelectorConfig) Options() (model.SelectorOptions, error) {
	switch strings.ToLower(c.Kind) {
	case "", "uniform":
		return model.SelectorOptions{Kind: model.SelectorKindUniform}, nil
	case "fifo":
		return model.SelectorOptions{Kind: model.SelectorKindFifo, IsDeterministic: true}, nil
	case "lifo":
		return model.SelectorOptions{Kind: model.SelectorKindLifo, IsDeterministic: true}, nil
	case "prioritized":
		return model.SelectorOptions{
			Kind:             model.SelectorKindPrioritized,
			PriorityExponent: c.PriorityExponent,
		}, nil
	case "heap":
		return model.SelectorOptions{
			Kind:            model.SelectorKindHeap,
			MinHeap:         c.MinHeap,
			IsDeterministic: true,
		}, nil
	default:
		return model.SelectorOptions{}, fmt.Errorf("unknown selector kind: %q", c.Kind)
	}
}

// RateLimiterConfig describes one table's rate limiter.
type RateLimiterConfig struct {
	SamplesPerInsert float64       `koanf:"samples_per_insert"`
	MinSizeToSample  int64         `koanf:"min_size_to_sample"`
	MinDiff          float64       `koanf:"min_diff"`
	MaxDiff          float64       `koanf:"max_diff"`
	Timeout          time.Duration `koanf:"timeout"`
}

// TableConfig describes one table.
type TableConfig struct {
	Name            string             `koanf:"name"`
	MaxSize         int                `koanf:"max_size"`
	MaxTimesSampled int                `koanf:"max_times_sampled"`
	Sampler         SelectorConfig     `koanf:"sampler"`
	Remover         SelectorConfig     `koanf:"remover"`
	RateLimiter     *RateLimiterConfig `koanf:"rate_limiter"`
}

// CheckpointConfig describes the checkpointing setup.
type CheckpointConfig struct {
	// Path is the checkpoint root directory on the local backend.
	Path string `koanf:"path"`

	// FallbackPath is consulted only when Path holds no valid
	// checkpoint.
	FallbackPath string `koanf:"fallback_path"`

	Interval    time.Duration `koanf:"interval"`
	Retention   int           `koanf:"retention"`
	Compression string        `koanf:"compression"`
}

// Config is the root configuration document.
type Config struct {
	// Port is consumed by the hosting server process, not the core.
	Port int `koanf:"port"`

	Tables     []TableConfig     `koanf:"tables"`
	Checkpoint *CheckpointConfig `koanf:"checkpoint"`
}

// Load reads a configuration file, detecting the format from the file
// extension (.yaml/.yml or .json).
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadBytes(data, format)
}

// LoadBytes parses a configuration document from memory. Useful for
// ConfigMap-style deployments where the document never touches disk.
func LoadBytes(data []byte, format Format) (*Config, error) {
	k := koanf.New(".")

	var err error
	switch format {
	case FormatYAML:
		err = k.Load(rawbytes.Provider(data), kyaml.Parser())
	case FormatJSON:
		err = k.Load(rawbytes.Provider(data), kjson.Parser())
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{})
	for i, tc := range c.Tables {
		if tc.Name == "" {
			return fmt.Errorf("table %d has no name", i)
		}
		if _, ok := seen[tc.Name]; ok {
			return fmt.Errorf("duplicate table name: %q", tc.Name)
		}
		seen[tc.Name] = struct{}{}
		if tc.MaxSize <= 0 {
			return fmt.Errorf("table %q: max_size must be positive", tc.Name)
		}
		if _, err := tc.Sampler.Options(); err != nil {
			return fmt.Errorf("table %q sampler: %w", tc.Name, err)
		}
		if _, err := tc.Remover.Options(); err != nil {
			return fmt.Errorf("table %q remover: %w", tc.Name, err)
		}
		if rl := tc.RateLimiter; rl != nil {
			if rl.SamplesPerInsert <= 0 {
				return fmt.Errorf("table %q: samples_per_insert must be positive", tc.Name)
			}
			if rl.MinDiff > rl.MaxDiff {
				return fmt.Errorf("table %q: min_diff must not exceed max_diff", tc.Name)
			}
		}
	}
	return nil
}
