package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/icarusprotection/provchain/pkg/config"
	"github.com/icarusprotection/provchain/pkg/pipeline"
	"github.com/icarusprotection/provchain/pkg/source"
	"github.com/icarusprotection/provchain/pkg/store"
	"github.com/icarusprotection/provchain/pkg/types"
	"github.com/icarusprotection/provchain/pkg/vulnscore"
)

type rootOptions struct {
	configPath string
	storePath  string
	ecosystem  string
	verbose    bool
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "provchain",
		Short: "Vet packages for supply-chain attacks before they ship",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (optional)")
	root.PersistentFlags().StringVar(&opts.storePath, "store", "", "history database path (overrides config)")
	root.PersistentFlags().StringVar(&opts.ecosystem, "ecosystem", "pypi", "package ecosystem")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newVetCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newPrioritizeCmd(opts))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.storePath != "" {
		cfg.StorePath = o.storePath
	}
	return cfg, nil
}

// parsePackage splits pip-style "name==version" into an identity.
func (o *rootOptions) parsePackage(arg string) types.PackageIdentity {
	name, version, _ := strings.Cut(arg, "==")
	return types.PackageIdentity{Ecosystem: o.ecosystem, Name: name, Version: version}
}

func newVetCmd(opts *rootOptions) *cobra.Command {
	var (
		metadataPath string
		vulnsPath    string
		popularPath  string
		previous     string
	)

	cmd := &cobra.Command{
		Use:   "vet <package>[==version]",
		Short: "Run every detector and the vulnerability scorer over one package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			pkg := opts.parsePackage(args[0])

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			deps := pipeline.Deps{
				Metadata:        &source.FileMetadataSource{Path: metadataPath},
				Vulnerabilities: &source.FileVulnerabilityFeed{Path: vulnsPath},
				Popular:         &source.FilePopularityFeed{Path: popularPath},
			}
			db, err := store.Open(cfg.StorePath)
			if err != nil {
				log.Warnf("history store unavailable, assessing without memory: %v", err)
			} else {
				defer db.Close()
				deps.History = db
				deps.Cache = db
			}

			assessment, err := pipeline.New(cfg, deps).Assess(ctx, pipeline.Request{
				Package:         pkg,
				PreviousVersion: previous,
			})
			if err != nil {
				return fmt.Errorf("assessing %s: %w", pkg, err)
			}

			printAssessment(cmd.OutOrStdout(), assessment)
			return nil
		},
	}

	cmd.Flags().StringVar(&metadataPath, "metadata", "metadata.json", "registry metadata snapshot")
	cmd.Flags().StringVar(&vulnsPath, "vulns", "advisories.json", "OSV advisory dump")
	cmd.Flags().StringVar(&popularPath, "popular", "popular.json", "download-rank snapshot")
	cmd.Flags().StringVar(&previous, "previous", "", "previously installed version")

	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		resolveID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history <package>",
		Short: "List persisted findings, newest first, or resolve one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("opening history store: %w", err)
			}
			defer db.Close()

			if resolveID != "" {
				if err := db.MarkResolved(resolveID); err != nil {
					return fmt.Errorf("resolving finding %s: %w", resolveID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "finding %s marked resolved\n", resolveID)
				return nil
			}

			pkg := opts.parsePackage(args[0])
			findings, err := db.ListFindings(pkg, limit)
			if err != nil {
				return fmt.Errorf("listing findings for %s: %w", pkg, err)
			}
			if len(findings) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no findings recorded for %s\n", pkg)
				return nil
			}
			for _, f := range findings {
				status := "open"
				if f.Resolved {
					status = "resolved"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %-8s %s\n",
					f.DetectedAt.Format("2006-01-02 15:04"), f.ID, f.Kind, f.Severity, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resolveID, "resolve", "", "mark this finding ID resolved instead of listing")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum findings to list (0 = all)")

	return cmd
}

func newPrioritizeCmd(opts *rootOptions) *cobra.Command {
	var (
		vulnsPath string
		latest    string
	)

	cmd := &cobra.Command{
		Use:   "prioritize <package>",
		Short: "Score an advisory dump and print it in remediation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg := opts.parsePackage(args[0])
			feed := &source.FileVulnerabilityFeed{Path: vulnsPath}
			records, err := feed.FetchVulnerabilities(cmd.Context(), pkg)
			if err != nil {
				return fmt.Errorf("loading advisories for %s: %w", pkg, err)
			}

			ranked := vulnscore.Prioritize(vulnscore.Score(records, latest))
			for _, rec := range ranked {
				score := "   -"
				if rec.Score != nil {
					score = fmt.Sprintf("%4.1f", *rec.Score)
				}
				patch := ""
				if rec.PatchAvailable {
					patch = "  patch available"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s  %-8s%s\n", rec.ID, score, rec.Severity, patch)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&vulnsPath, "vulns", "advisories.json", "OSV advisory dump")
	cmd.Flags().StringVar(&latest, "latest", "", "latest released version, for patch availability")

	return cmd
}

func printAssessment(w io.Writer, a *types.RiskAssessment) {
	fmt.Fprintf(w, "package:    %s\n", a.Package)
	fmt.Fprintf(w, "state:      %s\n", a.State)
	fmt.Fprintf(w, "risk score: %.1f (confidence %.2f)\n", a.RiskScore, a.Confidence)
	for name, status := range a.Detectors {
		if status != types.StatusOK {
			fmt.Fprintf(w, "detector:   %s %s\n", name, status)
		}
	}
	if len(a.Findings) == 0 && len(a.Vulnerabilities) == 0 {
		fmt.Fprintln(w, "no findings")
		return
	}
	for _, f := range a.Findings {
		fmt.Fprintf(w, "\n[%s] %s (confidence %.2f)\n", strings.ToUpper(f.Severity.String()), f.Kind, f.Confidence)
		for _, ev := range f.Evidence {
			fmt.Fprintf(w, "  %s: %s\n", ev.Key, ev.Value)
		}
		if f.Remediation != "" {
			fmt.Fprintf(w, "  remediation: %s\n", f.Remediation)
		}
	}
	for _, v := range a.Vulnerabilities {
		score := "unscored"
		if v.Score != nil {
			score = fmt.Sprintf("%.1f", *v.Score)
		}
		fmt.Fprintf(w, "\n[%s] %s (CVSS %s)\n", strings.ToUpper(v.Severity.String()), v.ID, score)
		if v.PatchAvailable {
			fmt.Fprintln(w, "  patch available")
		}
	}
}
