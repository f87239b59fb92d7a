package report_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/aquasecurity/depscan/report"
	"github.com/aquasecurity/depscan/types"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pkg(name, version string, chains ...types.Chain) types.Package {
	return types.Package{
		Identity: types.Identity{Name: name, Ecosystem: types.EcosystemMaven, Version: version},
		Chains:   types.NewChainSet(chains...),
	}
}

func fixedIn(id, pkgName, fixed, severity string) types.Vulnerability {
	v := types.Vulnerability{
		ID:        id,
		Summary:   "summary of " + id,
		Published: "2023-12-19T17:12:49Z",
		Affected: []types.Affected{
			{
				Package: &types.AffectedPackage{Ecosystem: types.EcosystemMaven, Name: pkgName},
				Ranges: []types.Range{
					{Type: "ECOSYSTEM", Events: []types.Event{{Introduced: "0"}, {Fixed: fixed}}},
				},
			},
		},
	}
	if severity != "" {
		v.DatabaseSpecific = map[string]any{"severity": severity}
	}
	return v
}

func sampleResults() []types.ScanResult {
	slf4j := pkg("org.slf4j:slf4j-api", "1.7.25",
		types.Chain{"ch.qos.logback:logback-classic", "org.slf4j:slf4j-api"})
	guava := pkg("com.google.guava:guava", "20.0", types.Chain{"com.google.guava:guava"})
	return []types.ScanResult{
		types.NewScanResult(slf4j, []types.Vulnerability{
			fixedIn("GHSA-1111", "org.slf4j:slf4j-api", "1.7.26", "HIGH"),
		}),
		types.NewScanResult(guava, []types.Vulnerability{
			fixedIn("GHSA-2222", "com.google.guava:guava", "24.1.1", "MODERATE"),
			{ID: "GHSA-3333"},
		}),
		types.NewScanResult(pkg("junit:junit", "4.13.2", types.Chain{"junit:junit"}), nil),
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    report.Format
		wantErr string
	}{
		{name: "json", in: "json", want: report.FormatJSON},
		{name: "yaml upper case", in: " YAML ", want: report.FormatYAML},
		{name: "yml", in: "yml", want: report.FormatYAML},
		{name: "unknown", in: "xml", wantErr: "unknown report format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := report.ParseFormat(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild(t *testing.T) {
	lookup := func(id string) (string, bool) {
		if id == "GHSA-3333" {
			return "32.0.0", true
		}
		return "", false
	}

	r := report.Build(sampleResults(), lookup, now)

	assert.Equal(t, now, r.GeneratedAt)
	assert.Equal(t, report.Summary{
		Packages:           3,
		VulnerablePackages: 2,
		Vulnerabilities:    3,
		Highest:            "HIGH",
		BySeverity:         map[string]int{"HIGH": 1, "MEDIUM": 2},
	}, r.Summary)
	require.Len(t, r.Results, 3)

	slf4j := r.Results[0]
	assert.Equal(t, "pkg:maven/org.slf4j/slf4j-api@1.7.25", slf4j.PURL)
	assert.Equal(t, "HIGH", slf4j.Severity)
	assert.Equal(t, [][]string{{"ch.qos.logback:logback-classic", "org.slf4j:slf4j-api"}}, slf4j.Chains)
	require.Len(t, slf4j.Vulnerabilities, 1)
	assert.Equal(t, "1.7.26", slf4j.Vulnerabilities[0].FixedVersion)
	assert.Equal(t, "https://osv.dev/vulnerability/GHSA-1111", slf4j.Vulnerabilities[0].URL)
	require.NotNil(t, slf4j.Vulnerabilities[0].Published)
	assert.Equal(t, time.Date(2023, 12, 19, 17, 12, 49, 0, time.UTC), *slf4j.Vulnerabilities[0].Published)
	require.NotNil(t, slf4j.Remediation)
	assert.False(t, slf4j.Remediation.Direct)
	assert.Equal(t, []string{"ch.qos.logback:logback-classic"}, slf4j.Remediation.Roots)
	assert.Equal(t, "1.7.26", slf4j.Remediation.Recommended)
	assert.Len(t, slf4j.Instructions, 1)

	guava := r.Results[1]
	assert.Equal(t, "MEDIUM", guava.Severity)
	require.Len(t, guava.Vulnerabilities, 2)
	assert.Equal(t, "32.0.0", guava.Vulnerabilities[1].FixedVersion)
	assert.Nil(t, guava.Vulnerabilities[1].Published)
	require.NotNil(t, guava.Remediation)
	assert.True(t, guava.Remediation.Direct)
	assert.Equal(t, []string{"24.1.1", "32.0.0"}, guava.Remediation.FixedVersions)
	assert.Equal(t, "32.0.0", guava.Remediation.Recommended)

	junit := r.Results[2]
	assert.False(t, junit.Vulnerable)
	assert.Equal(t, "SAFE", junit.Severity)
	assert.Nil(t, junit.Remediation)
	assert.Empty(t, junit.Vulnerabilities)
}

func TestBuild_NoLookup(t *testing.T) {
	r := report.Build(sampleResults(), nil, now)
	require.Len(t, r.Results, 3)
	assert.Equal(t, "unknown", r.Results[1].Vulnerabilities[1].FixedVersion)
	assert.Equal(t, []string{"24.1.1"}, r.Results[1].Remediation.FixedVersions)
}

func TestBuild_Empty(t *testing.T) {
	r := report.Build(nil, nil, now)
	assert.Equal(t, 0, r.Summary.Packages)
	assert.Equal(t, "SAFE", r.Summary.Highest)
	assert.Nil(t, r.Summary.BySeverity)
	assert.NotNil(t, r.Results)
}

func TestEncode(t *testing.T) {
	r := report.Build(sampleResults(), nil, now)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, report.Encode(&buf, report.FormatJSON, r))

		var got report.Report
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, r.Summary, got.Summary)
		assert.Contains(t, buf.String(), `"highest_severity": "HIGH"`)
		assert.Contains(t, buf.String(), `"recommended": "1.7.26"`)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, report.Encode(&buf, report.FormatYAML, r))

		var got map[string]interface{}
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Contains(t, got, "summary")
		assert.Contains(t, buf.String(), "purl: pkg:maven/org.slf4j/slf4j-api@1.7.25")
	})

	t.Run("unknown format", func(t *testing.T) {
		err := report.Encode(&bytes.Buffer{}, report.Format("xml"), r)
		require.Error(t, err)
	})
}

func TestWriteFile(t *testing.T) {
	r := report.Build(sampleResults(), nil, now)

	tests := []struct {
		name       string
		path       string
		compressed bool
	}{
		{name: "plain", path: "/out/report.json"},
		{name: "zstd", path: "/out/nested/report.json.zst", compressed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appFs := afero.NewMemMapFs()
			require.NoError(t, report.WriteFile(appFs, tt.path, report.FormatJSON, r))

			b, err := afero.ReadFile(appFs, tt.path)
			require.NoError(t, err)
			if tt.compressed {
				dec, err := zstd.NewReader(nil)
				require.NoError(t, err)
				defer dec.Close()
				b, err = dec.DecodeAll(b, nil)
				require.NoError(t, err)
			}

			var got report.Report
			require.NoError(t, json.Unmarshal(b, &got))
			assert.Equal(t, r.Summary, got.Summary)
			assert.Len(t, got.Results, 3)
		})
	}
}
