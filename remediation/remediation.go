// Package remediation turns scan results into upgrade guidance.
package remediation

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"github.com/aquasecurity/depscan/types"
)

// Unknown is displayed when no fixed version is known.
const Unknown = "unknown"

// Lookup resolves a fixed version out of band, e.g. from a scraped page cache.
type Lookup func(vulnID string) (string, bool)

// FindFixedVersion returns the first "fixed" event of the affected entries
// that concern pkgName. Entries without a package apply to every package.
func FindFixedVersion(v types.Vulnerability, pkgName string) (string, bool) {
	for _, affected := range v.Affected {
		if affected.Package != nil && affected.Package.Name != pkgName {
			continue
		}
		for _, r := range affected.Ranges {
			for _, e := range r.Events {
				if fixed := strings.TrimSpace(e.Fixed); fixed != "" {
					return fixed, true
				}
			}
		}
	}
	return "", false
}

// FixedVersion is FindFixedVersion with the Unknown display fallback.
func FixedVersion(v types.Vulnerability, pkgName string) string {
	if fixed, ok := FindFixedVersion(v, pkgName); ok {
		return fixed
	}
	return Unknown
}

// FixedVersions collects the distinct fixed versions of a result. lookup may
// be nil.
func FixedVersions(result types.ScanResult, lookup Lookup) []string {
	var fixed []string
	for _, v := range result.Vulnerabilities {
		if f, ok := FindFixedVersion(v, result.Package.Name); ok {
			fixed = append(fixed, f)
			continue
		}
		if lookup == nil {
			continue
		}
		if f, ok := lookup(v.ID); ok && f != "" {
			fixed = append(fixed, f)
		}
	}
	return lo.Uniq(fixed)
}

type Plan struct {
	Package types.Package `json:"-" yaml:"-"`
	// Direct is set when the package is declared by the project itself.
	Direct bool `json:"direct" yaml:"direct"`
	// Roots are the direct dependencies that pulled the package in.
	Roots         []string `json:"roots,omitempty" yaml:"roots,omitempty"`
	FixedVersions []string `json:"fixed_versions,omitempty" yaml:"fixed_versions,omitempty"`
	Recommended   string   `json:"recommended" yaml:"recommended"`
	FixAvailable  bool     `json:"fix_available" yaml:"fix_available"`
}

// NewPlan classifies how pkg entered the project. A chain of length one, or
// no chain at all, makes it direct; every longer chain contributes its root.
// A package can be both.
func NewPlan(pkg types.Package, fixedVersions []string) Plan {
	p := Plan{Package: pkg}

	chains := pkg.Chains.Slice()
	if len(chains) == 0 {
		p.Direct = true
	}
	var roots []string
	for _, c := range chains {
		if c.IsDirect() {
			p.Direct = true
			continue
		}
		roots = append(roots, c.Root())
	}
	p.Roots = lo.Uniq(roots)
	slices.Sort(p.Roots)

	p.FixedVersions = SortVersions(lo.Uniq(lo.Compact(fixedVersions)))
	p.FixAvailable = len(p.FixedVersions) > 0
	p.Recommended = Unknown
	if p.FixAvailable {
		p.Recommended = p.FixedVersions[len(p.FixedVersions)-1]
		for i := len(p.FixedVersions) - 1; i >= 0; i-- {
			if _, err := version.NewVersion(p.FixedVersions[i]); err == nil {
				p.Recommended = p.FixedVersions[i]
				break
			}
		}
	}
	return p
}

// DualRole reports a package that is both declared directly and pulled in
// transitively.
func (p Plan) DualRole() bool {
	return p.Direct && len(p.Roots) > 0
}

// Instructions renders the plan as plain text lines.
func (p Plan) Instructions() []string {
	target := "a version without known vulnerabilities"
	if p.FixAvailable {
		target = "version " + p.Recommended + " or later"
	}

	var lines []string
	if p.Direct {
		lines = append(lines, fmt.Sprintf("Upgrade the direct dependency %s from %s to %s.",
			p.Package.Name, p.Package.Version, target))
	}
	for _, root := range p.Roots {
		lines = append(lines, fmt.Sprintf(
			"%s is pulled in by %s: upgrade %s to a release that depends on %s, or pin %s to %s.",
			p.Package.Name, root, root, p.Package.Name, p.Package.Name, target))
	}
	return lines
}

// SortVersions orders versions ascending. Versions go-version cannot parse
// sort after the parsable ones, lexically.
func SortVersions(versions []string) []string {
	sorted := slices.Clone(versions)
	slices.SortStableFunc(sorted, func(a, b string) int {
		va, errA := version.NewVersion(a)
		vb, errB := version.NewVersion(b)
		switch {
		case errA == nil && errB == nil:
			if c := va.Compare(vb); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})
	return sorted
}
