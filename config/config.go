// Package config loads scan settings from defaults, an optional YAML file,
// DEPSCAN_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/osv"
	"github.com/aquasecurity/depscan/osvdev"
	"github.com/aquasecurity/depscan/report"
	"github.com/aquasecurity/depscan/scanner"
	"github.com/aquasecurity/depscan/severity"
	"github.com/aquasecurity/depscan/utils"
)

const (
	EnvPrefix = "DEPSCAN"

	maxBatchSize = 1000
)

type Config struct {
	Debug       bool     `mapstructure:"debug"`
	LogJSON     bool     `mapstructure:"log_json"`
	MetricsFile string   `mapstructure:"metrics_file"`
	OSV         OSV      `mapstructure:"osv"`
	Scan        Scan     `mapstructure:"scan"`
	Fallback    Fallback `mapstructure:"fallback"`
	Report      Report   `mapstructure:"report"`
}

type OSV struct {
	URL            string        `mapstructure:"url"`
	BatchURL       string        `mapstructure:"batch_url"`
	VulnURL        string        `mapstructure:"vuln_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Retry          int           `mapstructure:"retry"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type Scan struct {
	BatchSize   int  `mapstructure:"batch_size"`
	Concurrency int  `mapstructure:"concurrency"`
	Hydrate     bool `mapstructure:"hydrate"`
	// Maven scopes left out of the dependency tree, e.g. "test".
	ExcludedScopes []string `mapstructure:"excluded_scopes"`
	// Gradle configurations to read; empty means all of them.
	Configurations []string `mapstructure:"configurations"`
}

type Fallback struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Retry   int    `mapstructure:"retry"`
	// Wait for outstanding page lookups before writing the report.
	Wait bool `mapstructure:"wait"`
}

type Report struct {
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	FailOn string `mapstructure:"fail_on"`
}

// New returns a viper instance with every key defaulted and environment
// lookup enabled. Config files are read through appFs.
func New(appFs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(appFs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("debug", false)
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_file", "")

	v.SetDefault("osv.url", osv.DefaultURL)
	v.SetDefault("osv.batch_url", osv.DefaultBatchURL)
	v.SetDefault("osv.vuln_url", osv.DefaultVulnURL)
	v.SetDefault("osv.connect_timeout", utils.DefaultConnectTimeout)
	v.SetDefault("osv.timeout", utils.DefaultTimeout)
	v.SetDefault("osv.retry", 1)
	v.SetDefault("osv.concurrency", 8)

	v.SetDefault("scan.batch_size", scanner.DefaultBatchSize)
	v.SetDefault("scan.concurrency", scanner.DefaultConcurrency)
	v.SetDefault("scan.hydrate", true)
	v.SetDefault("scan.excluded_scopes", []string{})
	v.SetDefault("scan.configurations", []string{})

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.url", osvdev.DefaultBaseURL)
	v.SetDefault("fallback.retry", 1)
	v.SetDefault("fallback.wait", false)

	v.SetDefault("report.format", string(report.FormatJSON))
	v.SetDefault("report.output", "")
	v.SetDefault("report.fail_on", "")
	return v
}

// Load reads cfgFile when given, or DEPSCAN_CONFIG when set, and decodes the
// merged settings.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if cfgFile == "" {
		cfgFile = utils.LookupEnv(EnvPrefix+"_CONFIG", "")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, xerrors.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, xerrors.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.Scan.BatchSize < 1 || c.Scan.BatchSize > maxBatchSize {
		return xerrors.Errorf("scan.batch_size must be between 1 and %d: %d", maxBatchSize, c.Scan.BatchSize)
	}
	if c.Scan.Concurrency < 1 {
		return xerrors.Errorf("scan.concurrency must be positive: %d", c.Scan.Concurrency)
	}
	if c.OSV.Concurrency < 1 {
		return xerrors.Errorf("osv.concurrency must be positive: %d", c.OSV.Concurrency)
	}
	if c.OSV.Retry < 0 || c.Fallback.Retry < 0 {
		return xerrors.New("retry counts must not be negative")
	}
	if _, err := report.ParseFormat(c.Report.Format); err != nil {
		return xerrors.Errorf("report.format: %w", err)
	}
	if c.Report.FailOn != "" {
		if _, err := severity.Parse(c.Report.FailOn); err != nil {
			return xerrors.Errorf("report.fail_on: %w", err)
		}
	}
	return nil
}
