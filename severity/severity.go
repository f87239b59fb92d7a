// Package severity ranks OSV records.
package severity

import (
	"strconv"
	"strings"

	cvssv2 "github.com/goark/go-cvss/v2/metric"
	cvssv3 "github.com/goark/go-cvss/v3/metric"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/types"
)

// Severity is ordered: Safe < Low < Medium < High < Critical.
type Severity int

const (
	Safe Severity = iota
	Low
	Medium
	High
	Critical
)

const (
	typeCVSSv3 = "CVSS_V3"
	typeCVSSv2 = "CVSS_V2"
)

var labels = map[Severity]string{
	Safe:     "SAFE",
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	Critical: "CRITICAL",
}

func (s Severity) String() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return "UNKNOWN"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Parse accepts a label case-insensitively. GitHub's "MODERATE" is MEDIUM.
func Parse(s string) (Severity, error) {
	label := strings.ToUpper(strings.TrimSpace(s))
	if label == "MODERATE" {
		return Medium, nil
	}
	for sev, l := range labels {
		if l == label {
			return sev, nil
		}
	}
	return Safe, xerrors.Errorf("unknown severity: %q", s)
}

// FromScore maps a CVSS base score onto a label.
func FromScore(score float64) Severity {
	switch {
	case score >= 9.0:
		return Critical
	case score >= 7.0:
		return High
	case score >= 4.0:
		return Medium
	default:
		return Low
	}
}

// Classify derives the label of a single vulnerability. The database label
// wins; otherwise the first parsable CVSS v3 or v2 entry is scored. Records
// carrying neither are MEDIUM.
func Classify(v types.Vulnerability) Severity {
	if label, ok := v.DatabaseSeverity(); ok {
		if sev, err := Parse(label); err == nil && sev != Safe {
			return sev
		}
	}

	for _, s := range v.Severity {
		if s.Type != typeCVSSv3 && s.Type != typeCVSSv2 {
			continue
		}
		if score, ok := Score(s); ok {
			return FromScore(score)
		}
	}
	return Medium
}

// Score reads a severity entry either as a plain decimal or as a CVSS vector.
func Score(s types.SeverityEntry) (float64, bool) {
	raw := strings.TrimSpace(s.Score)
	if raw == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}

	switch s.Type {
	case typeCVSSv3:
		bm, err := cvssv3.NewBase().Decode(raw)
		if err != nil {
			return 0, false
		}
		return bm.Score(), true
	case typeCVSSv2:
		bm, err := cvssv2.NewBase().Decode(raw)
		if err != nil {
			return 0, false
		}
		return bm.Score(), true
	}
	return 0, false
}

// Highest returns Safe for no vulnerabilities, otherwise the maximum label.
func Highest(vulns []types.Vulnerability) Severity {
	highest := Safe
	for _, v := range vulns {
		highest = max(highest, Classify(v))
	}
	return highest
}
