package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds are the engine tunables. They travel as explicit values into the
// mastery tracker, scheduler and retention analyzer instead of living as
// package constants, so tests and per-collection overrides can vary them.
type Thresholds struct {
	MasteryThreshold    float64 `yaml:"mastery_threshold"`
	MasteryStreak       int     `yaml:"mastery_streak"`
	SuccessRateAlpha    float64 `yaml:"success_rate_alpha"`
	ReviewPassThreshold float64 `yaml:"review_pass_threshold"`
	MaxIntervalDays     float64 `yaml:"max_interval_days"`

	RetentionMasteryWeight float64 `yaml:"retention_mastery_weight"`
	RetentionReviewWeight  float64 `yaml:"retention_review_weight"`
	RetentionWindowDays    int     `yaml:"retention_window_days"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MasteryThreshold:       0.9,
		MasteryStreak:          3,
		SuccessRateAlpha:       0.3,
		ReviewPassThreshold:    0.75,
		MaxIntervalDays:        180,
		RetentionMasteryWeight: 0.6,
		RetentionReviewWeight:  0.4,
		RetentionWindowDays:    90,
	}
}

type Config struct {
	Defaults    Thresholds            `yaml:"defaults"`
	Collections map[string]Thresholds `yaml:"collections"`
}

// Load reads the tuning file at path. An empty path or missing file yields the
// built-in defaults; a present but malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{Defaults: DefaultThresholds()}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse tuning file: %w", err)
	}
	cfg.Defaults = mergeThresholds(DefaultThresholds(), fileCfg.Defaults)
	cfg.Collections = fileCfg.Collections
	return cfg, nil
}

// ForCollection resolves the thresholds for one collection, falling back to
// defaults for any field the override leaves zero.
func (c *Config) ForCollection(collectionID string) Thresholds {
	if c == nil {
		return DefaultThresholds()
	}
	base := c.Defaults
	if override, ok := c.Collections[collectionID]; ok {
		return mergeThresholds(base, override)
	}
	return base
}

func mergeThresholds(base, override Thresholds) Thresholds {
	out := base
	if override.MasteryThreshold > 0 {
		out.MasteryThreshold = override.MasteryThreshold
	}
	if override.MasteryStreak > 0 {
		out.MasteryStreak = override.MasteryStreak
	}
	if override.SuccessRateAlpha > 0 {
		out.SuccessRateAlpha = override.SuccessRateAlpha
	}
	if override.ReviewPassThreshold > 0 {
		out.ReviewPassThreshold = override.ReviewPassThreshold
	}
	if override.MaxIntervalDays > 0 {
		out.MaxIntervalDays = override.MaxIntervalDays
	}
	if override.RetentionMasteryWeight > 0 {
		out.RetentionMasteryWeight = override.RetentionMasteryWeight
	}
	if override.RetentionReviewWeight > 0 {
		out.RetentionReviewWeight = override.RetentionReviewWeight
	}
	if override.RetentionWindowDays > 0 {
		out.RetentionWindowDays = override.RetentionWindowDays
	}
	return out
}
