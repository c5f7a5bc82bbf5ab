package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provchain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"store_path: /var/lib/provchain.db\n"+
			"similarity_cutoff: 0.9\n"+
			"detectors: [typosquat]\n"+
			"recent_window: 168h\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/provchain.db", cfg.StorePath)
	require.Equal(t, 0.9, cfg.SimilarityCutoff)
	require.Equal(t, []string{"typosquat"}, cfg.Detectors)
	require.Equal(t, 7*24*time.Hour, cfg.RecentWindow)
	// untouched keys keep their defaults
	require.Equal(t, Default().HighSimilarityCutoff, cfg.HighSimilarityCutoff)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDetectorEnabled(t *testing.T) {
	var cfg Config
	require.True(t, cfg.DetectorEnabled("typosquat"), "empty set enables everything")

	cfg.Detectors = []string{"typosquat", "account-takeover"}
	require.True(t, cfg.DetectorEnabled("typosquat"))
	require.False(t, cfg.DetectorEnabled("malicious-update"))
}
