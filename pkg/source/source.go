// Package source declares the collaborator contracts the analysis core
// consumes. Concrete registry, feed, and sandbox clients implement these
// elsewhere; the core only sees structured records and the error taxonomy.
package source

import (
	"context"
	"time"

	"github.com/icarusprotection/provchain/pkg/types"
)

// MetadataSource returns registry metadata for one package.
type MetadataSource interface {
	FetchMetadata(ctx context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error)
}

// VulnerabilityFeed returns OSV-style advisories for a package (and version,
// when the identity carries one).
type VulnerabilityFeed interface {
	FetchVulnerabilities(ctx context.Context, pkg types.PackageIdentity) ([]types.VulnerabilityRecord, error)
}

// PopularityFeed supplies the download-ranked reference set the typosquat
// detector matches against. May be a static snapshot.
type PopularityFeed interface {
	PopularNames(ctx context.Context) ([]types.PopularPackage, error)
}

// HookSignal is the optional install-hook analyzer boundary: it reports
// whether a package's declared install-time behavior changed between two
// versions. A nil HookSignal disables corroboration.
type HookSignal interface {
	HooksChanged(ctx context.Context, pkg types.PackageIdentity, prevVersion, nextVersion string) (bool, error)
}

// Cache is the slice of the store the decorators below need.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte, ttl time.Duration) error
}
