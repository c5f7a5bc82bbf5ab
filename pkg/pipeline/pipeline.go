// Package pipeline composes the detectors and the vulnerability scorer into
// the single assessment entry point. Detectors run concurrently, each under
// its own timeout; any of them failing degrades that detector's status
// instead of the run. Only a total data blackout is a hard error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/icarusprotection/provchain/pkg/config"
	"github.com/icarusprotection/provchain/pkg/detect"
	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
	"github.com/icarusprotection/provchain/pkg/vulnscore"
)

// ErrNoData is returned when no data source was reachable and not a single
// finding could be produced.
var ErrNoData = errors.New("no data source reachable")

// scorerName keys the vulnerability scorer in the per-detector status map.
const scorerName = "vulnerability-scorer"

// HistoryStore is the persistence the engine needs: detector memory plus the
// finding history surface.
type HistoryStore interface {
	detect.History
	AppendFinding(f types.AttackFinding) (types.AttackFinding, error)
	ListFindings(pkg types.PackageIdentity, limit int) ([]types.AttackFinding, error)
}

// Deps are the collaborators one engine is wired with. History, Cache, and
// Hooks are optional; a nil History runs detectors without cross-run memory
// and skips persistence, a nil Cache disables source caching.
type Deps struct {
	Metadata        source.MetadataSource
	Vulnerabilities source.VulnerabilityFeed
	Popular         source.PopularityFeed
	Hooks           source.HookSignal
	History         HistoryStore
	Cache           source.Cache
}

// Engine runs assessments. Construct with New; the zero value is not usable.
type Engine struct {
	cfg       config.Config
	metadata  source.MetadataSource
	vulns     source.VulnerabilityFeed
	history   HistoryStore
	detectors []detect.Detector
}

// New wires an engine: sources go through the cache when one is supplied,
// and the detector set is filtered down to the configured names.
func New(cfg config.Config, deps Deps) *Engine {
	metadata := deps.Metadata
	vulns := deps.Vulnerabilities
	popular := deps.Popular
	if deps.Cache != nil {
		metadata = &source.CachedMetadataSource{Inner: metadata, Cache: deps.Cache, TTL: cfg.MetadataTTL}
		vulns = &source.CachedVulnerabilityFeed{Inner: vulns, Cache: deps.Cache, TTL: cfg.VulnerabilityTTL}
		popular = &source.CachedPopularityFeed{Inner: popular, Cache: deps.Cache, TTL: cfg.PopularityTTL}
	}

	var history detect.History = noHistory{}
	if deps.History != nil {
		history = deps.History
	}

	all := []detect.Detector{
		&detect.Typosquat{Popular: popular, Cfg: cfg},
		&detect.Confusion{Cfg: cfg},
		&detect.Takeover{History: history},
		&detect.MaliciousUpdate{Hooks: deps.Hooks},
	}
	enabled := make([]detect.Detector, 0, len(all))
	for _, d := range all {
		if cfg.DetectorEnabled(d.Name()) {
			enabled = append(enabled, d)
		}
	}

	return &Engine{
		cfg:       cfg,
		metadata:  metadata,
		vulns:     vulns,
		history:   deps.History,
		detectors: enabled,
	}
}

// Request identifies what to assess. PreviousVersion, when known, enables
// version-jump analysis.
type Request struct {
	Package         types.PackageIdentity
	PreviousVersion string
}

// Assess runs every enabled detector plus the scorer over one package and
// aggregates their findings. The returned assessment is always usable; the
// error is non-nil only in the Failed (total blackout) state.
func (e *Engine) Assess(ctx context.Context, req Request) (*types.RiskAssessment, error) {
	assessment := &types.RiskAssessment{
		Package:   req.Package,
		Detectors: make(map[string]types.DetectorStatus, len(e.detectors)+1),
		State:     types.StatePending,
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.OverallDeadline)
	defer cancel()
	assessment.State = types.StateRunning
	log.Infof("assessing %s with %d detectors", req.Package, len(e.detectors))

	// One metadata fetch shared by every detector. Failure leaves Metadata
	// nil; detectors that need it degrade individually. A NotFound answer
	// still proves the source is reachable.
	var degraded *multierror.Error
	input := detect.Input{Package: req.Package, PreviousVersion: req.PreviousVersion}
	metadataReachable := false
	md, err := e.metadata.FetchMetadata(runCtx, req.Package)
	switch {
	case err == nil:
		input.Metadata = md
		metadataReachable = true
	case errors.Is(err, source.ErrNotFound):
		log.Infof("package %s unknown to the metadata source", req.Package)
		metadataReachable = true
	default:
		log.Warnf("metadata for %s unavailable: %v", req.Package, err)
		degraded = multierror.Append(degraded, err)
	}

	// In-flight workers report into these locals through the mutex. Once the
	// snapshot below seals the run, late output is dropped, never merged, and
	// the assessment handed back is never touched again.
	var mu sync.Mutex
	sealed := false
	statuses := make(map[string]types.DetectorStatus, len(e.detectors)+1)
	var findings []types.AttackFinding
	var vulns []types.VulnerabilityRecord
	for _, d := range e.detectors {
		statuses[d.Name()] = types.StatusSkipped
	}
	statuses[scorerName] = types.StatusSkipped

	g := new(errgroup.Group)
	for _, d := range e.detectors {
		d := d
		g.Go(func() error {
			out, err := e.runDetector(runCtx, d, input)
			mu.Lock()
			defer mu.Unlock()
			if sealed {
				return nil
			}
			if err != nil {
				log.Warnf("detector %s degraded for %s: %v", d.Name(), req.Package, err)
				statuses[d.Name()] = types.StatusDegraded
				degraded = multierror.Append(degraded, fmt.Errorf("%s: %w", d.Name(), err))
				return nil
			}
			statuses[d.Name()] = types.StatusOK
			findings = append(findings, out...)
			return nil
		})
	}
	g.Go(func() error {
		out, err := e.runScorer(runCtx, req.Package, input.Metadata)
		mu.Lock()
		defer mu.Unlock()
		if sealed {
			return nil
		}
		if err != nil {
			log.Warnf("vulnerability scoring degraded for %s: %v", req.Package, err)
			statuses[scorerName] = types.StatusDegraded
			degraded = multierror.Append(degraded, fmt.Errorf("%s: %w", scorerName, err))
			return nil
		}
		statuses[scorerName] = types.StatusOK
		vulns = append(vulns, out...)
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait() //nolint:errcheck // tasks never return errors, they degrade
		close(done)
	}()

	state := types.StateCompleted
	select {
	case <-done:
	case <-runCtx.Done():
		// Abandon whatever is still in flight; their output is discarded by
		// the collector snapshot below.
		state = types.StatePartiallyCompleted
		log.Warnf("overall deadline expired assessing %s", req.Package)
	}

	mu.Lock()
	sealed = true
	assessment.Findings = append([]types.AttackFinding(nil), findings...)
	assessment.Vulnerabilities = append([]types.VulnerabilityRecord(nil), vulns...)
	assessment.Detectors = make(map[string]types.DetectorStatus, len(statuses))
	for name, st := range statuses {
		assessment.Detectors[name] = st
	}
	degradedErr := degraded.ErrorOrNil()
	mu.Unlock()

	assessment.RiskScore, assessment.Confidence = aggregate(assessment.Findings, assessment.Vulnerabilities)
	assessment.State = state

	if e.failed(metadataReachable, assessment) {
		assessment.State = types.StateFailed
		return assessment, fmt.Errorf("%w: %v", ErrNoData, degradedErr)
	}

	e.persist(assessment)
	return assessment, nil
}

// runDetector bounds one detector with its own timeout. A detector that
// ignores cancellation is abandoned, not waited for.
func (e *Engine) runDetector(ctx context.Context, d detect.Detector, in detect.Input) ([]types.AttackFinding, error) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DetectorTimeout)
	defer cancel()

	type result struct {
		findings []types.AttackFinding
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := d.Analyze(dctx, in)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		return r.findings, r.err
	case <-dctx.Done():
		return nil, fmt.Errorf("detector timeout: %w", dctx.Err())
	}
}

func (e *Engine) runScorer(ctx context.Context, pkg types.PackageIdentity, md *types.PackageMetadata) ([]types.VulnerabilityRecord, error) {
	records, err := e.vulns.FetchVulnerabilities(ctx, pkg)
	if errors.Is(err, source.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	latest := ""
	if md != nil {
		latest = md.LatestVersion()
	}
	return vulnscore.Prioritize(vulnscore.Score(records, latest)), nil
}

// failed applies the blackout rule: nothing was produced and no data source
// proved reachable. A metadata source that answered, even with NotFound,
// counts as reachable. The typosquat detector and the scorer each consult
// their own live feed, so their success counts as proof of life; the
// remaining detectors only reuse the shared metadata fetch and can succeed
// vacuously.
func (e *Engine) failed(metadataReachable bool, a *types.RiskAssessment) bool {
	if len(a.Findings) > 0 || len(a.Vulnerabilities) > 0 {
		return false
	}
	if metadataReachable {
		return false
	}
	if a.Detectors[detect.NameTyposquat] == types.StatusOK {
		return false
	}
	if a.Detectors[scorerName] == types.StatusOK {
		return false
	}
	return true
}

// aggregate computes the headline risk score (maximum severity weight across
// everything found) and the mean finding confidence, defaulting to 1.0 for
// finding types that carry none.
func aggregate(findings []types.AttackFinding, vulns []types.VulnerabilityRecord) (risk, confidence float64) {
	var confidences []float64
	for _, f := range findings {
		if w := f.Severity.Weight(); w > risk {
			risk = w
		}
		c := f.Confidence
		if c == 0 {
			c = 1.0
		}
		confidences = append(confidences, c)
	}
	for _, v := range vulns {
		if w := v.Severity.Weight(); w > risk {
			risk = w
		}
		confidences = append(confidences, 1.0)
	}
	if len(confidences) == 0 {
		return 0, 1.0
	}
	var sum float64
	for _, c := range confidences {
		sum += c
	}
	return risk, sum / float64(len(confidences))
}

// persist appends the run's new attack findings to history. Store trouble
// means losing memory, not the assessment.
func (e *Engine) persist(a *types.RiskAssessment) {
	if e.history == nil {
		return
	}
	for i, f := range a.Findings {
		stored, err := e.history.AppendFinding(f)
		if err != nil {
			log.Warnf("persisting finding for %s: %v", a.Package, err)
			continue
		}
		a.Findings[i] = stored
	}
}

// History returns persisted findings for a package, newest first. Without a
// store there is simply no history.
func (e *Engine) History(pkg types.PackageIdentity, limit int) ([]types.AttackFinding, error) {
	if e.history == nil {
		return nil, nil
	}
	return e.history.ListFindings(pkg, limit)
}

// noHistory satisfies detect.History when no store is configured: detectors
// see "no memory" and stay quiet about it.
type noHistory struct{}

func (noHistory) LatestMaintainerSnapshot(types.PackageIdentity) (*types.MaintainerSnapshot, error) {
	return nil, source.ErrUnavailable
}

func (noHistory) RecordMaintainerSnapshot(types.PackageIdentity, types.MaintainerSnapshot) error {
	return source.ErrUnavailable
}
