// Package vulnscore parses and prioritizes vulnerability records: CVSS v3.1
// base scoring, severity bucketing, and patch availability.
package vulnscore

import (
	"github.com/Masterminds/semver/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/icarusprotection/provchain/pkg/types"
)

// Score derives the numeric score, severity bucket, and patch-available flag
// for every record. A malformed CVSS vector downgrades that one record to
// bucket unknown with a nil score; it never fails the batch.
func Score(records []types.VulnerabilityRecord, latestRelease string) []types.VulnerabilityRecord {
	scored := make([]types.VulnerabilityRecord, len(records))
	for i, rec := range records {
		if rec.CVSSVector != "" {
			if base, err := BaseScore(rec.CVSSVector); err != nil {
				log.Warnf("skipping CVSS score for %s: %v", rec.ID, err)
				rec.Score = nil
				rec.Severity = types.SeverityUnknown
			} else {
				rec.Score = &base
				rec.Severity = Bucket(base)
			}
		}
		rec.PatchAvailable = patchAvailable(rec.Affected, latestRelease)
		scored[i] = rec
	}
	return scored
}

// patchAvailable reports whether any fixed version in the affected ranges has
// actually shipped, i.e. is <= the latest known release. With no known
// latest release, a declared fix is taken at its word.
func patchAvailable(ranges []types.VersionRange, latestRelease string) bool {
	latest, err := semver.NewVersion(latestRelease)
	haveLatest := latestRelease != "" && err == nil
	for _, r := range ranges {
		if r.Fixed == "" {
			continue
		}
		if !haveLatest {
			return true
		}
		fixed, err := semver.NewVersion(r.Fixed)
		if err != nil {
			log.Debugf("unparseable fixed version %q", r.Fixed)
			continue
		}
		if !fixed.GreaterThan(latest) {
			return true
		}
	}
	return false
}

// Prioritize returns records ordered by severity bucket descending, then
// score descending (unscored last), then publish time, most recent first.
// This ordering is the contract the prioritize view renders.
func Prioritize(records []types.VulnerabilityRecord) []types.VulnerabilityRecord {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b types.VulnerabilityRecord) int {
		if a.Severity != b.Severity {
			return int(b.Severity) - int(a.Severity)
		}
		switch {
		case a.Score == nil && b.Score != nil:
			return 1
		case a.Score != nil && b.Score == nil:
			return -1
		case a.Score != nil && b.Score != nil && *a.Score != *b.Score:
			if *a.Score > *b.Score {
				return -1
			}
			return 1
		}
		return b.Published.Compare(a.Published)
	})
	return out
}
