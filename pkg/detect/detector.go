// Package detect implements the attack-pattern detectors. Each detector is
// one variant of a closed set behind the Detector interface; the pipeline
// selects them by name from configuration.
package detect

import (
	"context"
	"time"

	"github.com/icarusprotection/provchain/pkg/types"
)

// For testing.
var timeNow = time.Now

// Detector names, as used in configuration and per-detector status maps.
const (
	NameTyposquat       = "typosquat"
	NameConfusion       = "dependency-confusion"
	NameTakeover        = "account-takeover"
	NameMaliciousUpdate = "malicious-update"
)

// Input is the shared data one analysis run hands to every detector.
// Metadata may be nil when the metadata source is unreachable; detectors
// that need it degrade instead of guessing.
type Input struct {
	Package  types.PackageIdentity
	Metadata *types.PackageMetadata
	// PreviousVersion is the last installed or observed version, when the
	// caller knows one. Empty disables version-jump analysis.
	PreviousVersion string
}

// Detector analyzes one package and returns zero or more findings. Within a
// detector, findings come back in evaluation order (deterministic for
// identical input). An error marks the detector degraded for this run.
type Detector interface {
	Name() string
	Analyze(ctx context.Context, in Input) ([]types.AttackFinding, error)
}

// History is the slice of the store detectors use for cross-run memory.
type History interface {
	LatestMaintainerSnapshot(pkg types.PackageIdentity) (*types.MaintainerSnapshot, error)
	RecordMaintainerSnapshot(pkg types.PackageIdentity, snap types.MaintainerSnapshot) error
}
