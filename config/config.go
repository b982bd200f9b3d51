// Package config - YAML pipeline configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-seg/inference"
	"github.com/nvr-ai/go-seg/processing"
)

// SplitterSection configures the sample splitter.
type SplitterSection struct {
	ThreeDim     bool              `yaml:"three_dim"`
	Method       processing.Method `yaml:"method"`
	PatchShape   []int             `yaml:"patch_shape"`
	PatchOverlap []int             `yaml:"patch_overlap"`
	SkipBlanks   bool              `yaml:"skip_blanks"`
	SkipClass    int               `yaml:"skip_class"`
}

// MirroringSection configures test-time mirror augmentation.
type MirroringSection struct {
	Enabled bool   `yaml:"enabled"`
	Axes    []bool `yaml:"axes"`
	Combine bool   `yaml:"combine"`
}

// ClippingSection configures intensity clipping.
type ClippingSection struct {
	Enabled bool    `yaml:"enabled"`
	Min     float32 `yaml:"min"`
	Max     float32 `yaml:"max"`
}

// NormalizationSection configures intensity normalization.
type NormalizationSection struct {
	Enabled bool                         `yaml:"enabled"`
	Mode    processing.NormalizationMode `yaml:"mode"`
}

// LoggingSection configures the process logger.
type LoggingSection struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full pipeline configuration file.
type Config struct {
	Model         inference.ONNXConfig `yaml:"model"`
	Splitter      SplitterSection      `yaml:"splitter"`
	Mirroring     MirroringSection     `yaml:"mirroring"`
	Clipping      ClippingSection      `yaml:"clipping"`
	Normalization NormalizationSection `yaml:"normalization"`
	Logging       LoggingSection       `yaml:"logging"`
}

// Load reads, parses, and validates a pipeline configuration file.
//
// Arguments:
//   - path: The YAML file path.
//
// Returns:
//   - *Config: The validated configuration with defaults applied.
//   - error: An error if the file is unreadable, malformed, or invalid.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Splitter.Method == "" {
		c.Splitter.Method = processing.MethodPatchwiseGrid
	}
	if c.Normalization.Enabled && c.Normalization.Mode == "" {
		c.Normalization.Mode = processing.NormalizationZScore
	}
	if c.Model.InputName == "" {
		c.Model.InputName = "input"
	}
	if c.Model.OutputName == "" {
		c.Model.OutputName = "output"
	}
}

func (c *Config) validate() error {
	switch c.Splitter.Method {
	case processing.MethodFullImage, processing.MethodPatchwiseGrid, processing.MethodPatchwiseCrop:
	default:
		return fmt.Errorf("unknown splitter method %q", c.Splitter.Method)
	}
	if c.Splitter.Method != processing.MethodFullImage && len(c.Splitter.PatchShape) == 0 {
		return fmt.Errorf("splitter method %q requires patch_shape", c.Splitter.Method)
	}
	if c.Clipping.Enabled && c.Clipping.Min > c.Clipping.Max {
		return fmt.Errorf("clipping range [%v, %v] is inverted", c.Clipping.Min, c.Clipping.Max)
	}
	if c.Mirroring.Enabled && len(c.Mirroring.Axes) == 0 {
		return fmt.Errorf("mirroring enabled without axes")
	}
	return nil
}

// SplitterConfig converts the splitter section into the processing
// package's construction config.
func (c *Config) SplitterConfig() processing.SplitterConfig {
	return processing.SplitterConfig{
		ThreeDim:     c.Splitter.ThreeDim,
		Method:       c.Splitter.Method,
		PatchShape:   c.Splitter.PatchShape,
		PatchOverlap: c.Splitter.PatchOverlap,
		SkipBlanks:   c.Splitter.SkipBlanks,
		SkipClass:    c.Splitter.SkipClass,
	}
}
