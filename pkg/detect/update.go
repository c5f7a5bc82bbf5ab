package detect

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	log "github.com/sirupsen/logrus"

	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
)

// MaliciousUpdate flags suspicious version jumps. Two or more major versions
// at once is high severity on its own; a single major bump is only medium
// unless the install-hook signal corroborates it. Minor and patch releases
// never flag.
type MaliciousUpdate struct {
	// Hooks is optional; nil disables corroboration.
	Hooks source.HookSignal
}

func (d *MaliciousUpdate) Name() string { return NameMaliciousUpdate }

func (d *MaliciousUpdate) Analyze(ctx context.Context, in Input) ([]types.AttackFinding, error) {
	if in.PreviousVersion == "" {
		return nil, nil
	}
	candidate := in.Package.Version
	if candidate == "" && in.Metadata != nil {
		candidate = in.Metadata.LatestVersion()
	}
	if candidate == "" {
		return nil, nil
	}

	prev, err := semver.NewVersion(in.PreviousVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: previous version %q: %v", source.ErrMalformedRecord, in.PreviousVersion, err)
	}
	next, err := semver.NewVersion(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: candidate version %q: %v", source.ErrMalformedRecord, candidate, err)
	}

	delta := int64(next.Major()) - int64(prev.Major())
	if delta < 1 {
		return nil, nil
	}

	hooksChanged := false
	if d.Hooks != nil {
		changed, err := d.Hooks.HooksChanged(ctx, in.Package, prev.Original(), next.Original())
		if err != nil {
			// Corroboration is optional; the jump itself still counts.
			log.Warnf("install-hook signal for %s unavailable: %v", in.Package, err)
		} else {
			hooksChanged = changed
		}
	}

	severity := types.SeverityMedium
	confidence := 0.5
	switch {
	case delta >= 2:
		severity = types.SeverityHigh
		confidence = 0.8
	case hooksChanged:
		severity = types.SeverityHigh
		confidence = 0.8
	}

	evidence := []types.Evidence{
		{Key: "previous-version", Value: prev.Original()},
		{Key: "candidate-version", Value: next.Original()},
		{Key: "major-delta", Value: fmt.Sprintf("%d", delta)},
	}
	if hooksChanged {
		evidence = append(evidence, types.Evidence{Key: "install-hooks-changed", Value: "true"})
	}

	return []types.AttackFinding{{
		Kind:        types.AttackMaliciousUpdate,
		Severity:    severity,
		Package:     in.Package,
		Evidence:    evidence,
		Remediation: "Review the release diff and changelog before upgrading across major versions.",
		Confidence:  confidence,
	}}, nil
}
