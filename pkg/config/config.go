// Package config holds the policy knobs for the analysis pipeline. A Config
// is built once (defaults, optionally overlaid from a file and environment)
// and passed by value; nothing here is mutable at package level.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every threshold the detectors and pipeline consult. The
// similarity and traffic cutoffs are calibration knobs, not contracts.
type Config struct {
	// StorePath is the bbolt database file backing cache and history.
	StorePath string `mapstructure:"store_path"`

	// Detectors enabled for Assess. Empty means all.
	Detectors []string `mapstructure:"detectors"`

	// SimilarityCutoff is the keyboard-proximity score at or above which a
	// name is flagged as a typosquat.
	SimilarityCutoff float64 `mapstructure:"similarity_cutoff"`
	// HighSimilarityCutoff escalates a typosquat finding from medium to high.
	HighSimilarityCutoff float64 `mapstructure:"high_similarity_cutoff"`
	// PopularRankCutoff escalates when the mimicked package ranks this high
	// or better in the popularity feed.
	PopularRankCutoff int `mapstructure:"popular_rank_cutoff"`

	// LowDownloadCutoff and RecentWindow are two of the three
	// dependency-confusion signals.
	LowDownloadCutoff int64         `mapstructure:"low_download_cutoff"`
	RecentWindow      time.Duration `mapstructure:"recent_window"`
	// InternalKeywords mark organization-style private package names.
	InternalKeywords []string `mapstructure:"internal_keywords"`

	// DetectorTimeout bounds each detector; OverallDeadline bounds the run.
	DetectorTimeout time.Duration `mapstructure:"detector_timeout"`
	OverallDeadline time.Duration `mapstructure:"overall_deadline"`

	// Cache TTLs per source.
	MetadataTTL      time.Duration `mapstructure:"metadata_ttl"`
	VulnerabilityTTL time.Duration `mapstructure:"vulnerability_ttl"`
	PopularityTTL    time.Duration `mapstructure:"popularity_ttl"`
}

// Default returns the calibrated defaults.
func Default() Config {
	return Config{
		StorePath:            "provchain.db",
		SimilarityCutoff:     0.84,
		HighSimilarityCutoff: 0.92,
		PopularRankCutoff:    100,
		LowDownloadCutoff:    500,
		RecentWindow:         30 * 24 * time.Hour,
		InternalKeywords:     []string{"internal", "private", "corp", "dev"},
		DetectorTimeout:      10 * time.Second,
		OverallDeadline:      60 * time.Second,
		MetadataTTL:          time.Hour,
		VulnerabilityTTL:     6 * time.Hour,
		PopularityTTL:        24 * time.Hour,
	}
}

// Load overlays defaults with an optional config file and PROVCHAIN_*
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("provchain")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// DetectorEnabled reports whether name is in the enabled set. An empty set
// enables everything.
func (c Config) DetectorEnabled(name string) bool {
	if len(c.Detectors) == 0 {
		return true
	}
	for _, d := range c.Detectors {
		if d == name {
			return true
		}
	}
	return false
}
