package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/icarusprotection/provchain/pkg/types"
)

// File-backed sources let the analysis core run from exported registry
// snapshots instead of live clients: metadata documents, OSV dumps, and
// download-rank lists, one JSON file each.

// FileMetadataSource serves a single package-metadata document.
type FileMetadataSource struct {
	Path string
}

func (f *FileMetadataSource) FetchMetadata(_ context.Context, pkg types.PackageIdentity) (*types.PackageMetadata, error) {
	var md types.PackageMetadata
	if err := readJSONFile(f.Path, &md); err != nil {
		return nil, err
	}
	if md.Identity.Name != pkg.Name {
		return nil, fmt.Errorf("%w: snapshot %s describes %q", ErrNotFound, f.Path, md.Identity.Name)
	}
	return &md, nil
}

// osvAdvisory is the slice of the OSV schema the scorer consumes.
type osvAdvisory struct {
	ID        string   `json:"id"`
	Aliases   []string `json:"aliases"`
	Published string   `json:"published"`
	Severity  []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Ranges []struct {
			Events []struct {
				Introduced string `json:"introduced"`
				Fixed      string `json:"fixed"`
			} `json:"events"`
		} `json:"ranges"`
	} `json:"affected"`
}

func (a *osvAdvisory) toRecord() types.VulnerabilityRecord {
	rec := types.VulnerabilityRecord{ID: a.ID, Aliases: a.Aliases}
	for _, sev := range a.Severity {
		if sev.Type == "CVSS_V3" {
			rec.CVSSVector = sev.Score
			break
		}
	}
	for _, aff := range a.Affected {
		for _, r := range aff.Ranges {
			var vr types.VersionRange
			for _, ev := range r.Events {
				if ev.Introduced != "" {
					vr.Introduced = ev.Introduced
				}
				if ev.Fixed != "" {
					vr.Fixed = ev.Fixed
				}
			}
			rec.Affected = append(rec.Affected, vr)
		}
	}
	if a.Published != "" {
		// OSV timestamps are RFC 3339; a bad one just leaves the zero time.
		if ts, err := time.Parse(time.RFC3339, a.Published); err == nil {
			rec.Published = ts
		}
	}
	return rec
}

// FileVulnerabilityFeed serves an OSV dump for one package.
type FileVulnerabilityFeed struct {
	Path string
}

func (f *FileVulnerabilityFeed) FetchVulnerabilities(_ context.Context, _ types.PackageIdentity) ([]types.VulnerabilityRecord, error) {
	var advisories []osvAdvisory
	if err := readJSONFile(f.Path, &advisories); err != nil {
		return nil, err
	}
	records := make([]types.VulnerabilityRecord, 0, len(advisories))
	for _, a := range advisories {
		records = append(records, a.toRecord())
	}
	return records, nil
}

// FilePopularityFeed serves a static download-rank snapshot.
type FilePopularityFeed struct {
	Path string
}

func (f *FilePopularityFeed) PopularNames(_ context.Context) ([]types.PopularPackage, error) {
	var names []types.PopularPackage
	if err := readJSONFile(f.Path, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrUnavailable, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrMalformedRecord, path, err)
	}
	return nil
}
