package detect

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
)

// Takeover diffs the current maintainer roster against the last persisted
// snapshot. Roster churn is high severity; a trusted maintainer whose email
// domain changed is the stronger signal and escalates to critical.
type Takeover struct {
	History History
}

func (d *Takeover) Name() string { return NameTakeover }

func (d *Takeover) Analyze(_ context.Context, in Input) ([]types.AttackFinding, error) {
	if in.Metadata == nil {
		return nil, fmt.Errorf("package metadata: %w", source.ErrUnavailable)
	}
	current := types.MaintainerSnapshot{Maintainers: in.Metadata.Maintainers}

	previous, err := d.History.LatestMaintainerSnapshot(in.Package)
	if err != nil {
		// No memory available: run with live data only, which for a diffing
		// detector means there is nothing to compare.
		log.Warnf("maintainer history for %s unavailable: %v", in.Package, err)
		return nil, nil
	}
	if previous == nil {
		// First sighting; record the baseline for the next run.
		if err := d.History.RecordMaintainerSnapshot(in.Package, current); err != nil {
			log.Warnf("recording baseline snapshot for %s: %v", in.Package, err)
		}
		return nil, nil
	}

	added, removed := diffRosters(previous.Maintainers, current.Maintainers)
	if len(added) == 0 && len(removed) == 0 {
		// Same roster, possibly reordered.
		return nil, nil
	}

	severity := types.SeverityHigh
	evidence := make([]types.Evidence, 0, len(added)+len(removed)+1)
	for _, m := range added {
		evidence = append(evidence, types.Evidence{Key: "maintainer-added", Value: identity(m)})
	}
	for _, m := range removed {
		evidence = append(evidence, types.Evidence{Key: "maintainer-removed", Value: identity(m)})
	}
	if domain := changedDomain(previous.Maintainers, current.Maintainers); domain != "" {
		severity = types.SeverityCritical
		evidence = append(evidence, types.Evidence{Key: "email-domain-changed", Value: domain})
	}

	finding := types.AttackFinding{
		Kind:        types.AttackAccountTakeover,
		Severity:    severity,
		Package:     in.Package,
		Evidence:    evidence,
		Remediation: "Verify the maintainer change through an out-of-band channel before upgrading.",
		Confidence:  0.9,
	}

	if err := d.History.RecordMaintainerSnapshot(in.Package, current); err != nil {
		log.Warnf("recording maintainer snapshot for %s: %v", in.Package, err)
	}
	return []types.AttackFinding{finding}, nil
}

func identity(m types.Maintainer) string {
	if m.Email == "" {
		return m.Username
	}
	return m.Username + " <" + m.Email + ">"
}

// diffRosters treats rosters as sets keyed by username+email, so reordering
// alone never registers as a change.
func diffRosters(prev, cur []types.Maintainer) (added, removed []types.Maintainer) {
	prevSet := rosterSet(prev)
	curSet := rosterSet(cur)
	for _, m := range cur {
		if !prevSet[rosterKey(m)] {
			added = append(added, m)
		}
	}
	for _, m := range prev {
		if !curSet[rosterKey(m)] {
			removed = append(removed, m)
		}
	}
	return added, removed
}

func rosterKey(m types.Maintainer) string {
	return strings.ToLower(m.Username) + "\x00" + strings.ToLower(m.Email)
}

func rosterSet(ms []types.Maintainer) map[string]bool {
	set := make(map[string]bool, len(ms))
	for _, m := range ms {
		set[rosterKey(m)] = true
	}
	return set
}

// changedDomain returns the new email domain of a maintainer whose username
// survived the change but whose address moved, or "" when none did.
func changedDomain(prev, cur []types.Maintainer) string {
	prevByUser := make(map[string]types.Maintainer, len(prev))
	for _, m := range prev {
		prevByUser[strings.ToLower(m.Username)] = m
	}
	for _, m := range cur {
		before, ok := prevByUser[strings.ToLower(m.Username)]
		if !ok {
			continue
		}
		prevDomain := before.EmailDomain()
		curDomain := m.EmailDomain()
		if prevDomain != "" && curDomain != "" && !strings.EqualFold(prevDomain, curDomain) {
			return curDomain
		}
	}
	return ""
}
