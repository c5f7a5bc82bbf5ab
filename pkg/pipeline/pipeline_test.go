package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icarusprotection/provchain/pkg/config"
	"github.com/icarusprotection/provchain/pkg/detect"
	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
)

type fakeMetadata struct {
	fn func(ctx context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error)
}

func (f *fakeMetadata) FetchMetadata(ctx context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error) {
	return f.fn(ctx, pkg)
}

type fakeFeed struct {
	fn func(ctx context.Context, pkg types.PackageIdentity) ([]types.VulnerabilityRecord, error)
}

func (f *fakeFeed) FetchVulnerabilities(ctx context.Context, pkg types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
	return f.fn(ctx, pkg)
}

type fakePopular struct {
	fn func(ctx context.Context) ([]types.PopularPackage, error)
}

func (f *fakePopular) PopularNames(ctx context.Context) ([]types.PopularPackage, error) {
	return f.fn(ctx)
}

type fakeHistory struct {
	snapshots map[string]*types.MaintainerSnapshot
	appended  []types.AttackFinding
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{snapshots: map[string]*types.MaintainerSnapshot{}}
}

func (h *fakeHistory) LatestMaintainerSnapshot(pkg types.PackageIdentity) (*types.MaintainerSnapshot, error) {
	return h.snapshots[pkg.Key()], nil
}

func (h *fakeHistory) RecordMaintainerSnapshot(pkg types.PackageIdentity, snap types.MaintainerSnapshot) error {
	snap.Package = pkg.Key()
	h.snapshots[pkg.Key()] = &snap
	return nil
}

func (h *fakeHistory) AppendFinding(f types.AttackFinding) (types.AttackFinding, error) {
	if f.ID == "" {
		f.ID = fmt.Sprintf("finding-%d", len(h.appended)+1)
	}
	h.appended = append(h.appended, f)
	return f, nil
}

func (h *fakeHistory) ListFindings(pkg types.PackageIdentity, limit int) ([]types.AttackFinding, error) {
	var out []types.AttackFinding
	for i := len(h.appended) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if h.appended[i].Package.Key() == pkg.Key() {
			out = append(out, h.appended[i])
		}
	}
	return out, nil
}

func healthyMetadata(md *types.PackageMetadata) *fakeMetadata {
	return &fakeMetadata{fn: func(context.Context, types.PackageIdentity) (*types.PackageMetadata, error) {
		return md, nil
	}}
}

func emptyFeed() *fakeFeed {
	return &fakeFeed{fn: func(context.Context, types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
		return nil, nil
	}}
}

func staticPopular(names ...types.PopularPackage) *fakePopular {
	return &fakePopular{fn: func(context.Context) ([]types.PopularPackage, error) {
		return names, nil
	}}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DetectorTimeout = 2 * time.Second
	cfg.OverallDeadline = 5 * time.Second
	return cfg
}

func TestAssessCleanPackage(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "weather-widget", Version: "1.2.0"}
	engine := New(testConfig(), Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			Maintainers:   []types.Maintainer{{Username: "alice", Email: "alice@example.com"}},
			DownloadCount: 2_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
			Versions:      []string{"1.0.0", "1.2.0"},
		}),
		Vulnerabilities: emptyFeed(),
		Popular:         staticPopular(types.PopularPackage{Name: "numpy", Rank: 2}),
		History:         newFakeHistory(),
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, assessment.State)
	require.Empty(t, assessment.Findings)
	require.Empty(t, assessment.Vulnerabilities)
	require.Zero(t, assessment.RiskScore)
	require.Equal(t, 1.0, assessment.Confidence)
	for name, status := range assessment.Detectors {
		require.Equal(t, types.StatusOK, status, name)
	}
	require.Len(t, assessment.Detectors, 5, "four detectors plus the scorer")
}

func TestAssessOneSourceDownStillCompletes(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "acme-internal-tools", Version: "3.0.0"}
	history := newFakeHistory()
	history.snapshots[pkg.Key()] = &types.MaintainerSnapshot{
		Maintainers: []types.Maintainer{{Username: "alice", Email: "alice@example.com"}},
	}

	engine := New(testConfig(), Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			Maintainers:   []types.Maintainer{{Username: "bob", Email: "bob@example.com"}},
			DownloadCount: 10,
			CreatedAt:     time.Now().Add(-24 * time.Hour),
			Versions:      []string{"1.0.0", "3.0.0"},
		}),
		Vulnerabilities: emptyFeed(),
		Popular: &fakePopular{fn: func(context.Context) ([]types.PopularPackage, error) {
			return nil, source.ErrUnavailable
		}},
		History: history,
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg, PreviousVersion: "1.0.0"})
	require.NoError(t, err, "one dead source degrades a detector, not the run")
	require.Equal(t, types.StateCompleted, assessment.State)
	require.Equal(t, types.StatusDegraded, assessment.Detectors[detect.NameTyposquat])
	require.Equal(t, types.StatusOK, assessment.Detectors[detect.NameConfusion])
	require.Equal(t, types.StatusOK, assessment.Detectors[detect.NameTakeover])
	require.Equal(t, types.StatusOK, assessment.Detectors[detect.NameMaliciousUpdate])

	kinds := map[types.AttackKind]bool{}
	for _, f := range assessment.Findings {
		kinds[f.Kind] = true
	}
	require.True(t, kinds[types.AttackDependencyConfusion])
	require.True(t, kinds[types.AttackAccountTakeover])
	require.True(t, kinds[types.AttackMaliciousUpdate])

	// Account takeover is the worst finding here: high = 7.5.
	require.Equal(t, 7.5, assessment.RiskScore)
	require.Greater(t, assessment.Confidence, 0.0)
	require.LessOrEqual(t, assessment.Confidence, 1.0)
}

func TestAssessTotalBlackoutFails(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "requests", Version: "2.31.0"}
	down := func() Deps {
		return Deps{
			Metadata: &fakeMetadata{fn: func(context.Context, types.PackageIdentity) (*types.PackageMetadata, error) {
				return nil, source.ErrUnavailable
			}},
			Vulnerabilities: &fakeFeed{fn: func(context.Context, types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
				return nil, source.ErrUnavailable
			}},
			Popular: &fakePopular{fn: func(context.Context) ([]types.PopularPackage, error) {
				return nil, source.ErrUnavailable
			}},
		}
	}

	engine := New(testConfig(), down())
	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.ErrorIs(t, err, ErrNoData)
	require.Equal(t, types.StateFailed, assessment.State)
	require.Empty(t, assessment.Findings)
}

func TestAssessVulnerabilitiesPrioritized(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "weather-widget", Version: "1.0.0"}
	engine := New(testConfig(), Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
			Versions:      []string{"1.0.0", "1.4.2"},
		}),
		Vulnerabilities: &fakeFeed{fn: func(context.Context, types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
			return []types.VulnerabilityRecord{
				{ID: "OSV-LOW", CVSSVector: "CVSS:3.1/AV:L/AC:H/PR:L/UI:R/S:U/C:L/I:N/A:N"},
				{ID: "OSV-CRIT", CVSSVector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
					Affected: []types.VersionRange{{Introduced: "0", Fixed: "1.4.2"}}},
			}, nil
		}},
		Popular: staticPopular(),
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, assessment.State)
	require.Len(t, assessment.Vulnerabilities, 2)
	require.Equal(t, "OSV-CRIT", assessment.Vulnerabilities[0].ID, "critical first")
	require.True(t, assessment.Vulnerabilities[0].PatchAvailable)
	require.Equal(t, 10.0, assessment.RiskScore, "critical vulnerability dominates the risk score")
}

func TestAssessOverallDeadlinePartial(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "weather-widget", Version: "1.0.0"}
	cfg := testConfig()
	cfg.OverallDeadline = 50 * time.Millisecond
	cfg.DetectorTimeout = 10 * time.Second

	engine := New(cfg, Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
		Vulnerabilities: emptyFeed(),
		Popular: &fakePopular{fn: func(ctx context.Context) ([]types.PopularPackage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err, "a deadline expiry is still a usable, labeled result")
	require.Equal(t, types.StatePartiallyCompleted, assessment.State)
	status := assessment.Detectors[detect.NameTyposquat]
	require.Contains(t, []types.DetectorStatus{types.StatusSkipped, types.StatusDegraded}, status,
		"the stalled detector is excluded, never merged")
}

func TestAssessLateDetectorOutputDiscarded(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "rеquests", Version: "1.0.0"} // Cyrillic е
	cfg := testConfig()
	cfg.OverallDeadline = 50 * time.Millisecond
	cfg.DetectorTimeout = 10 * time.Second

	release := make(chan struct{})
	engine := New(cfg, Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
		Vulnerabilities: emptyFeed(),
		Popular: &fakePopular{fn: func(context.Context) ([]types.PopularPackage, error) {
			<-release
			// Would produce a critical homoglyph finding if merged.
			return []types.PopularPackage{{Name: "requests", Rank: 1}}, nil
		}},
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.Equal(t, types.StatePartiallyCompleted, assessment.State)
	require.Empty(t, assessment.Findings)

	// Let the abandoned detector finish after Assess has returned: the
	// assessment we were handed must never change underneath us.
	before := assessment.Detectors[detect.NameTyposquat]
	close(release)
	require.Never(t, func() bool {
		return assessment.Detectors[detect.NameTyposquat] != before || len(assessment.Findings) > 0
	}, 300*time.Millisecond, 20*time.Millisecond, "late detector output merged into a sealed assessment")
}

func TestAssessUnknownPackageWithDeadFeedsCompletes(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "brand-new", Version: "0.1.0"}
	engine := New(testConfig(), Deps{
		Metadata: &fakeMetadata{fn: func(context.Context, types.PackageIdentity) (*types.PackageMetadata, error) {
			return nil, source.ErrNotFound
		}},
		Vulnerabilities: &fakeFeed{fn: func(context.Context, types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
			return nil, source.ErrUnavailable
		}},
		Popular: &fakePopular{fn: func(context.Context) ([]types.PopularPackage, error) {
			return nil, source.ErrUnavailable
		}},
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err, "a NotFound answer proves the metadata source is reachable")
	require.Equal(t, types.StateCompleted, assessment.State)
	require.Empty(t, assessment.Findings)
	require.Empty(t, assessment.Vulnerabilities)
	require.Zero(t, assessment.RiskScore)
}

func TestAssessDetectorTimeoutDegrades(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "weather-widget", Version: "1.0.0"}
	cfg := testConfig()
	cfg.DetectorTimeout = 30 * time.Millisecond

	engine := New(cfg, Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
		Vulnerabilities: emptyFeed(),
		Popular: &fakePopular{fn: func(ctx context.Context) ([]types.PopularPackage, error) {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}},
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, assessment.State)
	require.Equal(t, types.StatusDegraded, assessment.Detectors[detect.NameTyposquat])
}

func TestAssessPersistsNewFindings(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "rеquests", Version: "1.0.0"} // Cyrillic е
	history := newFakeHistory()

	engine := New(testConfig(), Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
		Vulnerabilities: emptyFeed(),
		Popular:         staticPopular(types.PopularPackage{Name: "requests", Rank: 4}),
		History:         history,
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.NotEmpty(t, assessment.Findings)
	require.Equal(t, types.AttackHomoglyph, assessment.Findings[0].Kind)
	require.NotEmpty(t, assessment.Findings[0].ID, "persisted findings carry their assigned id")
	require.Len(t, history.appended, len(assessment.Findings))

	listed, err := engine.History(pkg, 10)
	require.NoError(t, err)
	require.Len(t, listed, len(assessment.Findings))
}

func TestAssessDetectorSelection(t *testing.T) {
	pkg := types.PackageIdentity{Ecosystem: "pypi", Name: "weather-widget", Version: "1.0.0"}
	cfg := testConfig()
	cfg.Detectors = []string{detect.NameTyposquat}

	engine := New(cfg, Deps{
		Metadata: healthyMetadata(&types.PackageMetadata{
			Identity:      pkg,
			DownloadCount: 1_000_000,
			CreatedAt:     time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		}),
		Vulnerabilities: emptyFeed(),
		Popular:         staticPopular(),
	})

	assessment, err := engine.Assess(context.Background(), Request{Package: pkg})
	require.NoError(t, err)
	require.Len(t, assessment.Detectors, 2, "selected detector plus the scorer")
	require.Contains(t, assessment.Detectors, detect.NameTyposquat)
	require.NotContains(t, assessment.Detectors, detect.NameConfusion)
}

func TestHistoryWithoutStore(t *testing.T) {
	engine := New(testConfig(), Deps{
		Metadata:        healthyMetadata(&types.PackageMetadata{}),
		Vulnerabilities: emptyFeed(),
		Popular:         staticPopular(),
	})
	findings, err := engine.History(types.PackageIdentity{Ecosystem: "pypi", Name: "x"}, 5)
	require.NoError(t, err)
	require.Empty(t, findings)
}
