// Package config holds the CLI option plumbing shared by cmd/crftrain and
// cmd/crftag: a Config struct tree loadable from a JSON file and
// overridable by environment variables (via godotenv), one sub-struct per
// concern in the teacher's style.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/lab/crftagger/internal/errs"
)

// GeneratorConfig selects which feature generators (spec §4.C) are active.
type GeneratorConfig struct {
	UseWords       bool `json:"use_words"`
	UsePOS         bool `json:"use_pos"`
	UseWordBigrams bool `json:"use_word_bigrams"`
	UseShape       bool `json:"use_shape"`
	UseGaz         bool `json:"use_gaz"`
	UseSubwords    bool `json:"use_subwords"`
	UseTrans       bool `json:"use_trans"`
}

// CutoffConfig controls the frequency pruning applied to the attributes
// index before weight assignment (spec §4.B).
type CutoffConfig struct {
	AttributeFreq int `json:"attribute_freq"`
	FeatureFreq   int `json:"feature_freq"`
}

// OptimizerConfig configures whichever of the two optimizer drivers
// (spec §4.E) the trainer runs.
type OptimizerConfig struct {
	Trainer      string  `json:"trainer"` // "lbfgs" | "sgd"
	NIterations  int     `json:"niterations"`
	Sigma2       float64 `json:"sigma2"`
	HistorySize  int     `json:"history_size"`
	Epsilon      float64 `json:"epsilon"`
	Delta        float64 `json:"delta"`
	SGDPeriod    int     `json:"sgd_period"`
	CalibSamples int     `json:"calibration_samples"`
}

type Config struct {
	Input      string          `json:"input"`
	Output     string          `json:"output"`
	Model      string          `json:"model"`
	Format     string          `json:"format"` // "conll" | "tagged" | "parquet"
	Generators GeneratorConfig `json:"generators"`
	Cutoffs    CutoffConfig    `json:"cutoffs"`
	Optimizer  OptimizerConfig `json:"optimizer"`
	Logging    LoggingConfig   `json:"logging"`
	Verbose    bool            `json:"verbose"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

func Default() *Config {
	return &Config{
		Format: "conll",
		Generators: GeneratorConfig{
			UseWords: true,
			UseTrans: true,
		},
		Cutoffs: CutoffConfig{
			AttributeFreq: 1,
			FeatureFreq:   1,
		},
		Optimizer: OptimizerConfig{
			Trainer:      "lbfgs",
			NIterations:  100,
			Sigma2:       1.0,
			HistorySize:  10,
			Epsilon:      1e-5,
			Delta:        1e-4,
			SGDPeriod:    5,
			CalibSamples: 1000,
		},
		Logging: LoggingConfig{Level: "info", Output: "stderr"},
	}
}

// Load reads a JSON config file (if path is non-empty) into Default(),
// loads a .env file if present, then lets a handful of CRF_* environment
// variables override individual fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.NewIOError(path, 0, "cannot read config file", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errs.NewIOError(path, 0, "malformed config JSON", err)
		}
	}

	// .env is optional; godotenv.Load returns an error when absent, which
	// we treat as "no overrides available" rather than a config failure.
	_ = godotenv.Load()

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRF_INPUT"); v != "" {
		cfg.Input = v
	}
	if v := os.Getenv("CRF_OUTPUT"); v != "" {
		cfg.Output = v
	}
	if v := os.Getenv("CRF_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("CRF_TRAINER"); v != "" {
		cfg.Optimizer.Trainer = v
	}
	if v := os.Getenv("CRF_SIGMA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Optimizer.Sigma2 = f
		}
	}
	if v := os.Getenv("CRF_NITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Optimizer.NIterations = n
		}
	}
}

// Validate checks required fields and enumerated option values, returning
// a *errs.ConfigError for the first problem found.
func (c *Config) Validate(requireInput, requireModel bool) error {
	if requireInput && c.Input == "" {
		return errs.NewConfigError("--input", "", "required argument not set")
	}
	if requireModel && c.Model == "" {
		return errs.NewConfigError("--model", "", "required argument not set")
	}
	switch c.Optimizer.Trainer {
	case "lbfgs", "sgd":
	default:
		return errs.NewConfigError("--trainer", c.Optimizer.Trainer, "must be one of lbfgs, sgd")
	}
	switch c.Format {
	case "conll", "tagged", "parquet":
	default:
		return errs.NewConfigError("--format", c.Format, "must be one of conll, tagged, parquet")
	}
	if c.Optimizer.Sigma2 <= 0 {
		return errs.NewConfigError("--sigma", strconv.FormatFloat(c.Optimizer.Sigma2, 'g', -1, 64), "must be positive")
	}
	return nil
}
