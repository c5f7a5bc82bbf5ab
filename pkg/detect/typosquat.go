package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/icarusprotection/provchain/pkg/config"
	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/textmatch"
	"github.com/icarusprotection/provchain/pkg/types"
)

// Typosquat flags names that disguise themselves as a popular package, either
// exactly (homoglyph tricks collapse under normalization) or approximately
// (keyboard-proximity similarity above the configured cutoff).
type Typosquat struct {
	Popular source.PopularityFeed
	Cfg     config.Config
}

func (d *Typosquat) Name() string { return NameTyposquat }

func (d *Typosquat) Analyze(ctx context.Context, in Input) ([]types.AttackFinding, error) {
	popular, err := d.Popular.PopularNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching popular set: %w", err)
	}

	candidate := in.Package.Name
	normalized := textmatch.Normalize(candidate)

	var findings []types.AttackFinding
	for _, p := range popular {
		if candidate == p.Name {
			// The package is the popular one; nothing to mimic.
			continue
		}
		if normalized == textmatch.Normalize(p.Name) {
			// Exact disguise: the names are visually identical but not equal.
			findings = append(findings, types.AttackFinding{
				Kind:     types.AttackHomoglyph,
				Severity: types.SeverityCritical,
				Package:  in.Package,
				Evidence: []types.Evidence{
					{Key: "candidate", Value: candidate},
					{Key: "impersonates", Value: p.Name},
					{Key: "normalized-form", Value: normalized},
				},
				Remediation: fmt.Sprintf("Do not install; %q is a visual disguise of %q.", candidate, p.Name),
				Confidence:  1.0,
			})
			continue
		}

		if sim := textmatch.KeyboardProximity(candidate, p.Name); sim >= d.Cfg.SimilarityCutoff {
			severity := types.SeverityMedium
			if sim >= d.Cfg.HighSimilarityCutoff || (p.Rank > 0 && p.Rank <= d.Cfg.PopularRankCutoff) {
				severity = types.SeverityHigh
			}
			findings = append(findings, types.AttackFinding{
				Kind:     types.AttackTyposquat,
				Severity: severity,
				Package:  in.Package,
				Evidence: []types.Evidence{
					{Key: "candidate", Value: candidate},
					{Key: "resembles", Value: p.Name},
					{Key: "similarity", Value: fmt.Sprintf("%.3f", sim)},
					{Key: "popularity-rank", Value: fmt.Sprintf("%d", p.Rank)},
				},
				Remediation: fmt.Sprintf("Verify you meant %q rather than %q.", p.Name, candidate),
				Confidence:  sim,
			})
			continue
		}

		if affixed(candidate, p.Name) {
			findings = append(findings, types.AttackFinding{
				Kind:     types.AttackTyposquat,
				Severity: types.SeverityMedium,
				Package:  in.Package,
				Evidence: []types.Evidence{
					{Key: "candidate", Value: candidate},
					{Key: "embeds-popular-name", Value: p.Name},
				},
				Remediation: fmt.Sprintf("Confirm %q is affiliated with %q before installing.", candidate, p.Name),
				Confidence:  0.6,
			})
		}
	}
	return findings, nil
}

// affixed reports whether candidate is a popular name with a hyphenated
// prefix or suffix bolted on (requests-extra, extra-requests).
func affixed(candidate, popular string) bool {
	return strings.HasPrefix(candidate, popular+"-") || strings.HasSuffix(candidate, "-"+popular)
}
