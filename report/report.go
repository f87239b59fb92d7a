// Package report renders scan results for humans and machines.
package report

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/aquasecurity/depscan/remediation"
	"github.com/aquasecurity/depscan/severity"
	"github.com/aquasecurity/depscan/types"
	"github.com/aquasecurity/depscan/utils"
)

const vulnPageURL = "https://osv.dev/vulnerability/"

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	}
	return "", xerrors.Errorf("unknown report format: %q", s)
}

type Report struct {
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Summary     Summary   `json:"summary" yaml:"summary"`
	Results     []Result  `json:"results" yaml:"results"`
}

type Summary struct {
	Packages           int            `json:"packages" yaml:"packages"`
	VulnerablePackages int            `json:"vulnerable_packages" yaml:"vulnerable_packages"`
	Vulnerabilities    int            `json:"vulnerabilities" yaml:"vulnerabilities"`
	Highest            string         `json:"highest_severity" yaml:"highest_severity"`
	BySeverity         map[string]int `json:"by_severity,omitempty" yaml:"by_severity,omitempty"`
}

type Result struct {
	Name            string            `json:"name" yaml:"name"`
	Ecosystem       string            `json:"ecosystem" yaml:"ecosystem"`
	Version         string            `json:"version" yaml:"version"`
	PURL            string            `json:"purl" yaml:"purl"`
	Chains          [][]string        `json:"chains,omitempty" yaml:"chains,omitempty"`
	Vulnerable      bool              `json:"vulnerable" yaml:"vulnerable"`
	Severity        string            `json:"severity" yaml:"severity"`
	Vulnerabilities []Vulnerability   `json:"vulnerabilities,omitempty" yaml:"vulnerabilities,omitempty"`
	Remediation     *remediation.Plan `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	Instructions    []string          `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

type Vulnerability struct {
	ID           string     `json:"id" yaml:"id"`
	Aliases      []string   `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Summary      string     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Severity     string     `json:"severity" yaml:"severity"`
	FixedVersion string     `json:"fixed_version" yaml:"fixed_version"`
	Published    *time.Time `json:"published,omitempty" yaml:"published,omitempty"`
	URL          string     `json:"url" yaml:"url"`
}

// Build turns scan results into a report. lookup resolves fixed versions the
// records lack and may be nil. Results keep their order.
func Build(results []types.ScanResult, lookup remediation.Lookup, now time.Time) Report {
	r := Report{
		GeneratedAt: now.UTC(),
		Results:     make([]Result, 0, len(results)),
	}
	highest := severity.Safe
	bySeverity := make(map[string]int)

	for _, sr := range results {
		res := newResult(sr, lookup)
		r.Results = append(r.Results, res)

		if sr.Vulnerable {
			r.Summary.VulnerablePackages++
		}
		for _, v := range res.Vulnerabilities {
			bySeverity[v.Severity]++
		}
		r.Summary.Vulnerabilities += len(res.Vulnerabilities)
		highest = max(highest, severity.Highest(sr.Vulnerabilities))
	}

	r.Summary.Packages = len(results)
	r.Summary.Highest = highest.String()
	if len(bySeverity) > 0 {
		r.Summary.BySeverity = bySeverity
	}
	return r
}

func newResult(sr types.ScanResult, lookup remediation.Lookup) Result {
	pkg := sr.Package
	res := Result{
		Name:       pkg.Name,
		Ecosystem:  pkg.Ecosystem,
		Version:    pkg.Version,
		PURL:       pkg.PURL(),
		Chains:     lo.Map(pkg.Chains.Slice(), func(c types.Chain, _ int) []string { return c }),
		Vulnerable: sr.Vulnerable,
		Severity:   severity.Highest(sr.Vulnerabilities).String(),
	}
	if !sr.Vulnerable {
		return res
	}

	for _, v := range sr.Vulnerabilities {
		fixed := remediation.FixedVersion(v, pkg.Name)
		if fixed == remediation.Unknown && lookup != nil {
			if f, ok := lookup(v.ID); ok {
				fixed = f
			}
		}
		vuln := Vulnerability{
			ID:           v.ID,
			Aliases:      v.Aliases,
			Summary:      v.Summary,
			Severity:     severity.Classify(v).String(),
			FixedVersion: fixed,
			URL:          vulnPageURL + url.PathEscape(v.ID),
		}
		if t := v.PublishedAt(); !t.IsZero() {
			vuln.Published = &t
		}
		res.Vulnerabilities = append(res.Vulnerabilities, vuln)
	}

	plan := remediation.NewPlan(pkg, remediation.FixedVersions(sr, lookup))
	res.Remediation = &plan
	res.Instructions = plan.Instructions()
	return res
}

// Encode writes the report in the given format.
func Encode(w io.Writer, format Format, r Report) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return xerrors.Errorf("failed to encode JSON: %w", err)
		}
	case FormatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return xerrors.Errorf("failed to encode YAML: %w", err)
		}
		if _, err = w.Write(b); err != nil {
			return xerrors.Errorf("failed to write YAML: %w", err)
		}
	default:
		return xerrors.Errorf("unknown report format: %q", format)
	}
	return nil
}

// WriteFile writes the report to path, zstd-compressed when the path ends
// in ".zst".
func WriteFile(appFs afero.Fs, path string, format Format, r Report) error {
	var buf bytes.Buffer
	if err := Encode(&buf, format, r); err != nil {
		return err
	}

	b := buf.Bytes()
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return xerrors.Errorf("failed to create zstd encoder: %w", err)
		}
		b = enc.EncodeAll(b, nil)
		if err = enc.Close(); err != nil {
			return xerrors.Errorf("failed to close zstd encoder: %w", err)
		}
	}

	if err := utils.NewFs(appFs).Write(path, b); err != nil {
		return xerrors.Errorf("failed to write report: %w", err)
	}
	return nil
}
