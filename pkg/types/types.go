package types

import (
	"fmt"
	"time"
)

// Severity buckets findings and vulnerabilities. Ordering matters: higher
// constants sort first when prioritizing.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityNone
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityUnknown:  "unknown",
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Weight maps a severity onto the 0-10 risk scale used for aggregation.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 10.0
	case SeverityHigh:
		return 7.5
	case SeverityMedium:
		return 5.0
	case SeverityLow:
		return 2.5
	default:
		return 0.0
	}
}

// AttackKind identifies which class of attack a finding reports.
type AttackKind string

const (
	AttackTyposquat           AttackKind = "typosquat"
	AttackHomoglyph           AttackKind = "homoglyph"
	AttackDependencyConfusion AttackKind = "dependency-confusion"
	AttackAccountTakeover     AttackKind = "account-takeover"
	AttackMaliciousUpdate     AttackKind = "malicious-update"
)

// PackageIdentity names one package in the deployment's ecosystem. Version may
// be empty when the caller is vetting a name rather than a release.
type PackageIdentity struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}

func (p PackageIdentity) String() string {
	if p.Version == "" {
		return fmt.Sprintf("%s/%s", p.Ecosystem, p.Name)
	}
	return fmt.Sprintf("%s/%s@%s", p.Ecosystem, p.Name, p.Version)
}

// Key is the composite used for cache and history addressing.
func (p PackageIdentity) Key() string {
	return p.Ecosystem + "/" + p.Name
}

// Maintainer is one identity on a package's roster.
type Maintainer struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// EmailDomain returns the part after '@', or "" when no email is recorded.
func (m Maintainer) EmailDomain() string {
	for i := len(m.Email) - 1; i >= 0; i-- {
		if m.Email[i] == '@' {
			return m.Email[i+1:]
		}
	}
	return ""
}

// MaintainerSnapshot is an immutable point-in-time roster for a package. New
// snapshots are appended, never rewritten.
type MaintainerSnapshot struct {
	Package     string       `json:"package"`
	Maintainers []Maintainer `json:"maintainers"`
	TakenAt     time.Time    `json:"takenAt"`
}

// Evidence is one key/value observation attached to a finding. Evidence order
// is meaningful and preserved.
type Evidence struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AttackFinding is a single detector conclusion. Resolved is the only field
// ever mutated after the finding is persisted.
type AttackFinding struct {
	ID          string          `json:"id"`
	Kind        AttackKind      `json:"kind"`
	Severity    Severity        `json:"severity"`
	Package     PackageIdentity `json:"package"`
	Evidence    []Evidence      `json:"evidence"`
	Remediation string          `json:"remediation,omitempty"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Resolved    bool            `json:"resolved"`
	Confidence  float64         `json:"confidence"`
}

// VersionRange describes one affected interval from a vulnerability record.
// Fixed is empty when no patched release exists in this range.
type VersionRange struct {
	Introduced string `json:"introduced,omitempty"`
	Fixed      string `json:"fixed,omitempty"`
}

// VulnerabilityRecord is an OSV-style advisory after scoring. Score is nil
// when the CVSS vector could not be parsed (bucket stays unknown).
type VulnerabilityRecord struct {
	ID             string         `json:"id"`
	Aliases        []string       `json:"aliases,omitempty"`
	Affected       []VersionRange `json:"affected,omitempty"`
	CVSSVector     string         `json:"cvssVector,omitempty"`
	Score          *float64       `json:"score,omitempty"`
	Severity       Severity       `json:"severity"`
	PatchAvailable bool           `json:"patchAvailable"`
	Published      time.Time      `json:"published"`
}

// PopularPackage is one entry of the popularity reference set. Lower rank
// means more downloads.
type PopularPackage struct {
	Name string `json:"name"`
	Rank int    `json:"rank"`
}

// PackageMetadata is the structured record returned by the metadata source.
type PackageMetadata struct {
	Identity      PackageIdentity `json:"identity"`
	Maintainers   []Maintainer    `json:"maintainers"`
	DownloadCount int64           `json:"downloadCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	Versions      []string        `json:"versions"`
}

// LatestVersion returns the last published version, or "" when unknown.
func (m *PackageMetadata) LatestVersion() string {
	if len(m.Versions) == 0 {
		return ""
	}
	return m.Versions[len(m.Versions)-1]
}

// DetectorStatus records how a single detector finished within one assessment.
type DetectorStatus string

const (
	StatusOK       DetectorStatus = "ok"
	StatusDegraded DetectorStatus = "degraded"
	StatusSkipped  DetectorStatus = "skipped"
)

// PipelineState is the terminal state of one assessment run.
type PipelineState string

const (
	StatePending            PipelineState = "pending"
	StateRunning            PipelineState = "running"
	StateCompleted          PipelineState = "completed"
	StatePartiallyCompleted PipelineState = "partially-completed"
	StateFailed             PipelineState = "failed"
)

// RiskAssessment is the aggregate answer for one package. It is built fresh
// per invocation and never persisted whole; only findings reach the store.
type RiskAssessment struct {
	Package         PackageIdentity           `json:"package"`
	Findings        []AttackFinding           `json:"findings"`
	Vulnerabilities []VulnerabilityRecord     `json:"vulnerabilities"`
	RiskScore       float64                   `json:"riskScore"`
	Confidence      float64                   `json:"confidence"`
	Detectors       map[string]DetectorStatus `json:"detectors"`
	State           PipelineState             `json:"state"`
}
