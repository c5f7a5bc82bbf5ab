package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/icarusprotection/provchain/pkg/types"
)

type memCache struct {
	entries map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (c *memCache) Get(key string) ([]byte, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *memCache) Put(key string, value []byte, _ time.Duration) error {
	c.entries[key] = value
	return nil
}

type mockMetadataSource struct {
	mock.Mock
}

func (m *mockMetadataSource) FetchMetadata(ctx context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error) {
	args := m.Called(ctx, pkg)
	md, _ := args.Get(0).(*types.PackageMetadata)
	return md, args.Error(1)
}

type mockVulnFeed struct {
	mock.Mock
}

func (m *mockVulnFeed) FetchVulnerabilities(ctx context.Context, pkg types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
	args := m.Called(ctx, pkg)
	recs, _ := args.Get(0).([]types.VulnerabilityRecord)
	return recs, args.Error(1)
}

func TestCachedMetadataSourceSingleFetch(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "requests"}
	inner := new(mockMetadataSource)
	inner.On("FetchMetadata", mock.Anything, pkg).Return(&types.PackageMetadata{
		Identity:      pkg,
		DownloadCount: 12345,
	}, nil).Once()

	cached := &CachedMetadataSource{Inner: inner, Cache: newMemCache(), TTL: time.Hour}

	first, err := cached.FetchMetadata(context.Background(), pkg)
	require.NoError(t, err)
	second, err := cached.FetchMetadata(context.Background(), pkg)
	require.NoError(t, err)

	require.Equal(t, first.DownloadCount, second.DownloadCount)
	inner.AssertNumberOfCalls(t, "FetchMetadata", 1)
}

func TestCachedMetadataSourceErrorNotCached(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "flaky"}
	inner := new(mockMetadataSource)
	inner.On("FetchMetadata", mock.Anything, pkg).Return(nil, ErrUnavailable).Once()
	inner.On("FetchMetadata", mock.Anything, pkg).Return(&types.PackageMetadata{Identity: pkg}, nil).Once()

	cached := &CachedMetadataSource{Inner: inner, Cache: newMemCache(), TTL: time.Hour}

	_, err := cached.FetchMetadata(context.Background(), pkg)
	require.ErrorIs(t, err, ErrUnavailable)

	md, err := cached.FetchMetadata(context.Background(), pkg)
	require.NoError(t, err)
	require.Equal(t, pkg, md.Identity)
	inner.AssertNumberOfCalls(t, "FetchMetadata", 2)
}

func TestCachedVulnerabilityFeedKeyedByVersion(t *testing.T) {
	v1 := types.PackageIdentity{Ecosystem: "pypi", Name: "requests", Version: "1.0.0"}
	v2 := types.PackageIdentity{Ecosystem: "pypi", Name: "requests", Version: "2.0.0"}

	inner := new(mockVulnFeed)
	inner.On("FetchVulnerabilities", mock.Anything, v1).Return([]types.VulnerabilityRecord{{ID: "OSV-1"}}, nil).Once()
	inner.On("FetchVulnerabilities", mock.Anything, v2).Return([]types.VulnerabilityRecord{{ID: "OSV-2"}}, nil).Once()

	cached := &CachedVulnerabilityFeed{Inner: inner, Cache: newMemCache(), TTL: time.Hour}

	got1, err := cached.FetchVulnerabilities(context.Background(), v1)
	require.NoError(t, err)
	got2, err := cached.FetchVulnerabilities(context.Background(), v2)
	require.NoError(t, err)

	require.Equal(t, "OSV-1", got1[0].ID)
	require.Equal(t, "OSV-2", got2[0].ID, "version-specific results must not bleed across cache keys")
	inner.AssertExpectations(t)
}
