package types

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Vulnerability is the subset of an OSV record the scanner consumes.
// cf. https://ossf.github.io/osv-schema/
type Vulnerability struct {
	ID               string          `json:"id"`
	Modified         string          `json:"modified,omitempty"`
	Published        string          `json:"published,omitempty"`
	Withdrawn        string          `json:"withdrawn,omitempty"`
	Aliases          []string        `json:"aliases,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Details          string          `json:"details,omitempty"`
	Severity         []SeverityEntry `json:"severity,omitempty"`
	Affected         []Affected      `json:"affected,omitempty"`
	References       []Reference     `json:"references,omitempty"`
	DatabaseSpecific map[string]any  `json:"database_specific,omitempty"`
}

type SeverityEntry struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type Affected struct {
	Package  *AffectedPackage `json:"package,omitempty"`
	Ranges   []Range          `json:"ranges,omitempty"`
	Versions []string         `json:"versions,omitempty"`
}

type AffectedPackage struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name,omitempty"`
	Purl      string `json:"purl,omitempty"`
}

type Range struct {
	Type   string  `json:"type,omitempty"`
	Repo   string  `json:"repo,omitempty"`
	Events []Event `json:"events,omitempty"`
}

// Event is one ordered marker of a range. Exactly one field is set.
type Event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

type Reference struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// DatabaseSeverity returns database_specific.severity when it is a non-blank string.
func (v Vulnerability) DatabaseSeverity() (string, bool) {
	if v.DatabaseSpecific == nil {
		return "", false
	}
	s, ok := v.DatabaseSpecific["severity"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// PublishedAt returns the zero time when Published is missing or unparsable.
func (v Vulnerability) PublishedAt() time.Time {
	if v.Published == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(v.Published)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// IsSparse reports whether the record only carries its identifiers, as the
// querybatch endpoint returns them.
func (v Vulnerability) IsSparse() bool {
	return v.Summary == "" && v.Details == "" && len(v.Severity) == 0 &&
		len(v.Affected) == 0 && v.DatabaseSpecific == nil
}
