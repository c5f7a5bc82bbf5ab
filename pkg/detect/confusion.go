package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/icarusprotection/provchain/pkg/config"
	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/types"
)

// Confusion flags likely dependency-confusion plants: a public package whose
// name looks internal, with almost no downloads, published recently. All
// three signals must hold; a single missing one suppresses the finding so
// legitimately obscure packages stay quiet.
type Confusion struct {
	Cfg config.Config
}

func (d *Confusion) Name() string { return NameConfusion }

func (d *Confusion) Analyze(_ context.Context, in Input) ([]types.AttackFinding, error) {
	if in.Metadata == nil {
		return nil, fmt.Errorf("package metadata: %w", source.ErrUnavailable)
	}
	md := in.Metadata

	keyword := internalKeyword(in.Package.Name, d.Cfg.InternalKeywords)
	if keyword == "" {
		return nil, nil
	}
	if md.DownloadCount >= d.Cfg.LowDownloadCutoff {
		return nil, nil
	}
	if md.CreatedAt.IsZero() || timeNow().Sub(md.CreatedAt) > d.Cfg.RecentWindow {
		return nil, nil
	}

	return []types.AttackFinding{{
		Kind:     types.AttackDependencyConfusion,
		Severity: types.SeverityMedium,
		Package:  in.Package,
		Evidence: []types.Evidence{
			{Key: "internal-style-name", Value: keyword},
			{Key: "download-count", Value: fmt.Sprintf("%d", md.DownloadCount)},
			{Key: "created-at", Value: md.CreatedAt.Format("2006-01-02")},
		},
		Remediation: "Confirm this name resolves to your private registry, not the public index.",
		Confidence:  0.7,
	}}, nil
}

// internalKeyword returns the token that makes the name look like a private
// package, or "" when none matches. Scoped names (@org/pkg) count as
// organization-style prefixes.
func internalKeyword(name string, keywords []string) string {
	if strings.HasPrefix(name, "@") {
		return "scoped-prefix"
	}
	for _, token := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == '/'
	}) {
		for _, kw := range keywords {
			if token == kw {
				return kw
			}
		}
	}
	return ""
}
