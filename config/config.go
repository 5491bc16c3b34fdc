package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v2"

	"etongue/dataset"
)

type Config struct {
	Dataset   DatasetConfig  `yaml:"dataset"`
	Training  TrainingConfig `yaml:"training"`
	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Inference InferenceConfig `yaml:"inference"`
	Log       LogConfig       `yaml:"log"`
}

type DatasetConfig struct {
	Path            string                 `yaml:"path"`
	SamplesPerClass int                    `yaml:"samples_per_class"`
	Seed            uint64                 `yaml:"seed"`
	SignalPoints    int                    `yaml:"signal_points"`
	Classes         []dataset.ClassProfile `yaml:"classes"`
}

type TrainingConfig struct {
	ValRatio   float64        `yaml:"val_ratio"`
	TestRatio  float64        `yaml:"test_ratio"`
	Seed       uint64         `yaml:"seed"`
	CVFolds    int            `yaml:"cv_folds"`
	MaxWorkers int            `yaml:"max_workers"`
	Sequence   SequenceConfig `yaml:"sequence"`
}

type SequenceConfig struct {
	// Enabled is a pointer so an omitted key keeps the default (on).
	Enabled      *bool   `yaml:"enabled"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
}

func (s SequenceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type InferenceConfig struct {
	CacheSize  int  `yaml:"cache_size"`
	Watch      bool `yaml:"watch"`
	DebounceMS int  `yaml:"debounce_ms"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load decodes a YAML file over the defaults, so keys absent from the file
// keep their default and explicit zeros (seed 0, cache_size 0) are kept.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Dataset.Path == "" {
		c.Dataset.Path = "data/synthetic_dataset.csv"
	}
	if c.Dataset.SamplesPerClass == 0 {
		c.Dataset.SamplesPerClass = dataset.DefaultSamplesPerClass
	}
	if c.Dataset.Seed == 0 {
		c.Dataset.Seed = 42
	}
	if c.Dataset.SignalPoints == 0 {
		c.Dataset.SignalPoints = dataset.DefaultSignalPoints
	}
	if c.Training.ValRatio == 0 {
		c.Training.ValRatio = 0.15
	}
	if c.Training.TestRatio == 0 {
		c.Training.TestRatio = 0.15
	}
	if c.Training.Seed == 0 {
		c.Training.Seed = 42
	}
	if c.Training.CVFolds == 0 {
		c.Training.CVFolds = 3
	}
	if c.Training.MaxWorkers == 0 {
		c.Training.MaxWorkers = runtime.NumCPU()
	}
	if c.Training.Sequence.Epochs == 0 {
		c.Training.Sequence.Epochs = 50
	}
	if c.Training.Sequence.BatchSize == 0 {
		c.Training.Sequence.BatchSize = 32
	}
	if c.Training.Sequence.LearningRate == 0 {
		c.Training.Sequence.LearningRate = 1e-3
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "models"
	}
	if c.Database.Path == "" {
		c.Database.Path = "etongue.db"
	}
	if c.Inference.CacheSize == 0 {
		c.Inference.CacheSize = 1024
	}
	if c.Inference.DebounceMS == 0 {
		c.Inference.DebounceMS = 500
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

func (c *Config) Validate() error {
	t := c.Training
	// model selection and the final report each need a non-empty split
	if t.ValRatio <= 0 || t.TestRatio <= 0 || t.ValRatio+t.TestRatio >= 1 {
		return fmt.Errorf("training ratios out of range: val=%v test=%v", t.ValRatio, t.TestRatio)
	}
	if t.CVFolds < 2 {
		return fmt.Errorf("cv_folds must be at least 2, got %d", t.CVFolds)
	}
	if c.Dataset.SamplesPerClass <= 0 {
		return fmt.Errorf("samples_per_class must be positive, got %d", c.Dataset.SamplesPerClass)
	}
	if len(c.Dataset.Classes) > 0 {
		if err := dataset.Taxonomy(c.Dataset.Classes).Validate(); err != nil {
			return fmt.Errorf("dataset.classes: %w", err)
		}
	}
	return nil
}

// Taxonomy returns the configured classes, or the built-in seven.
func (c *Config) Taxonomy() dataset.Taxonomy {
	if len(c.Dataset.Classes) > 0 {
		return dataset.Taxonomy(c.Dataset.Classes)
	}
	return dataset.DefaultTaxonomy()
}
