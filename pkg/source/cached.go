package source

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/icarusprotection/provchain/pkg/types"
)

// cachedFetch routes one lookup through the cache. Only successful fetches
// are cached; a failed Put degrades to an uncached fetch rather than an error.
func cachedFetch[T any](cache Cache, key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	var zero T
	if raw, ok := cache.Get(key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			log.Debugf("cache hit for %s", key)
			return v, nil
		}
		log.Warnf("discarding undecodable cache entry %s", key)
	}
	v, err := fetch()
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v, nil
	}
	if err := cache.Put(key, raw, ttl); err != nil {
		log.Warnf("caching %s failed: %v", key, err)
	}
	return v, nil
}

// CachedMetadataSource wraps a MetadataSource with a TTL cache.
type CachedMetadataSource struct {
	Inner MetadataSource
	Cache Cache
	TTL   time.Duration
}

func (c *CachedMetadataSource) FetchMetadata(ctx context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error) {
	return cachedFetch(c.Cache, "metadata/"+pkg.Key(), c.TTL, func() (*types.PackageMetadata, error) {
		return c.Inner.FetchMetadata(ctx, pkg)
	})
}

// CachedVulnerabilityFeed wraps a VulnerabilityFeed with a TTL cache. The key
// includes the version so release-specific results never bleed across.
type CachedVulnerabilityFeed struct {
	Inner VulnerabilityFeed
	Cache Cache
	TTL   time.Duration
}

func (c *CachedVulnerabilityFeed) FetchVulnerabilities(ctx context.Context, pkg types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
	key := "vulns/" + pkg.Key()
	if pkg.Version != "" {
		key += "@" + pkg.Version
	}
	return cachedFetch(c.Cache, key, c.TTL, func() ([]types.VulnerabilityRecord, error) {
		return c.Inner.FetchVulnerabilities(ctx, pkg)
	})
}

// CachedPopularityFeed wraps a PopularityFeed with a TTL cache.
type CachedPopularityFeed struct {
	Inner PopularityFeed
	Cache Cache
	TTL   time.Duration
}

func (c *CachedPopularityFeed) PopularNames(ctx context.Context) ([]types.PopularPackage, error) {
	return cachedFetch(c.Cache, "popular/names", c.TTL, func() ([]types.PopularPackage, error) {
		return c.Inner.PopularNames(ctx)
	})
}
