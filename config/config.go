// Package config loads the faceloss command line configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/BenLubar/faceloss"
	"github.com/BenLubar/faceloss/checkpoint"
)

// Config holds all settings of the faceloss command.
type Config struct {
	// Checkpoint is the weights file.
	Checkpoint string `yaml:"checkpoint"`
	// Format is auto, torch, pickle or json.
	Format string `yaml:"format"`
	// Strict overrides the loader's key strictness when set.
	Strict *bool `yaml:"strict"`

	Input   InputConfig   `yaml:"input"`
	Loss    LossConfig    `yaml:"loss"`
	Refine  RefineConfig  `yaml:"refine"`
	Workers int           `yaml:"workers"`
	Logging LoggingConfig `yaml:"logging"`
}

// InputConfig controls how images become network input.
type InputConfig struct {
	Size          int    `yaml:"size"`        // resize target, 0 keeps image size
	CenterCrop    int    `yaml:"center_crop"` // 0 disables
	Normalization string `yaml:"normalization"`
}

type LossConfig struct {
	Alphas    []float64 `yaml:"alphas"`
	Reduction string    `yaml:"reduction"` // mean, sum, normalized
	Average   bool      `yaml:"average"`
}

// RefineConfig drives the refine command's optimizer.
type RefineConfig struct {
	Method       string  `yaml:"method"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Iterations   int     `yaml:"iterations"`
	LogEvery     int     `yaml:"log_every"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Checkpoint: "face_loss_weights.pt",
		Format:     checkpoint.FormatAuto.String(),
		Input: InputConfig{
			Size:          224,
			Normalization: faceloss.NormUnit.String(),
		},
		Loss: LossConfig{
			Alphas:    append([]float64(nil), faceloss.DefaultAlphas...),
			Reduction: faceloss.ReduceMean.String(),
		},
		Refine: RefineConfig{
			Method:       faceloss.MethodAdam.String(),
			LearningRate: 0.01,
			Momentum:     0.9,
			Iterations:   100,
			LogEvery:     10,
		},
		Workers: 4,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to read config")
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("FACELOSS_CHECKPOINT"); v != "" {
		c.Checkpoint = v
	}
	if v := os.Getenv("FACELOSS_FORMAT"); v != "" {
		c.Format = v
	}
	if v := os.Getenv("FACELOSS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "FACELOSS_WORKERS")
		}
		c.Workers = n
	}
	if v := os.Getenv("FACELOSS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := checkpoint.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.Input.Size < 0 {
		return errors.Errorf("input.size must not be negative, got %d", c.Input.Size)
	}
	if c.Input.CenterCrop < 0 {
		return errors.Errorf("input.center_crop must not be negative, got %d", c.Input.CenterCrop)
	}
	if c.Input.Size > 0 && c.Input.CenterCrop > c.Input.Size {
		return errors.Errorf("input.center_crop %d is larger than input.size %d", c.Input.CenterCrop, c.Input.Size)
	}
	if _, err := faceloss.ParseNormalization(c.Input.Normalization); err != nil {
		return err
	}
	if len(c.Loss.Alphas) != faceloss.NumTaps {
		return errors.Wrapf(faceloss.ErrAlphas, "loss.alphas has %d entries", len(c.Loss.Alphas))
	}
	if _, err := faceloss.ParseReduction(c.Loss.Reduction); err != nil {
		return err
	}
	if _, err := faceloss.ParseTrainerMethod(c.Refine.Method); err != nil {
		return err
	}
	if c.Refine.Iterations < 0 {
		return errors.Errorf("refine.iterations must not be negative, got %d", c.Refine.Iterations)
	}
	if c.Workers <= 0 {
		return errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// LossOptions turns the loss settings into face loss options.
func (c *Config) LossOptions() ([]faceloss.Option, error) {
	r, err := faceloss.ParseReduction(c.Loss.Reduction)
	if err != nil {
		return nil, err
	}
	return []faceloss.Option{
		faceloss.WithAlphas(c.Loss.Alphas),
		faceloss.WithReduction(r),
		faceloss.WithAverage(c.Loss.Average),
		faceloss.WithWorkers(c.Workers),
	}, nil
}

// TrainerOptions returns the optimizer settings for the refine command.
func (c *Config) TrainerOptions() (faceloss.TrainerOptions, error) {
	opts := faceloss.DefaultTrainerOptions
	m, err := faceloss.ParseTrainerMethod(c.Refine.Method)
	if err != nil {
		return opts, err
	}
	opts.Method = m
	opts.LearningRate = c.Refine.LearningRate
	opts.Momentum = c.Refine.Momentum
	return opts, nil
}
