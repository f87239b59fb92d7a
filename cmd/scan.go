package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/config"
	"github.com/aquasecurity/depscan/logging"
	"github.com/aquasecurity/depscan/metrics"
	"github.com/aquasecurity/depscan/osv"
	"github.com/aquasecurity/depscan/osvdev"
	"github.com/aquasecurity/depscan/remediation"
	"github.com/aquasecurity/depscan/report"
	"github.com/aquasecurity/depscan/scanner"
	"github.com/aquasecurity/depscan/severity"
	"github.com/aquasecurity/depscan/source"
	"github.com/aquasecurity/depscan/types"
)

// SeverityError is returned when --fail-on is set and a vulnerability at or
// above the threshold was found.
type SeverityError struct {
	Highest   severity.Severity
	Threshold severity.Severity
}

func (e *SeverityError) Error() string {
	return fmt.Sprintf("found vulnerabilities of severity %s, failing at %s", e.Highest, e.Threshold)
}

type scanOptions struct {
	configFile   string
	mavenTrees   []string
	gradleDeps   []string
	libDirs      []string
	libraryLists []string
	inventories  []string
	progress     bool
}

// flag name -> config key
var configFlags = map[string]string{
	"debug":         "debug",
	"log-json":      "log_json",
	"metrics-file":  "metrics_file",
	"batch-size":    "scan.batch_size",
	"concurrency":   "scan.concurrency",
	"hydrate":       "scan.hydrate",
	"exclude-scope": "scan.excluded_scopes",
	"configuration": "scan.configurations",
	"fallback":      "fallback.enabled",
	"wait-fallback": "fallback.wait",
	"format":        "report.format",
	"output":        "report.output",
	"fail-on":       "report.fail_on",
}

func newScanCommand(appFs afero.Fs) *cobra.Command {
	opts := &scanOptions{}
	v := config.New(appFs)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan dependency listings for known vulnerabilities",
		Example: `  # Maven
  mvn dependency:tree -DoutputType=text -DoutputFile=deps.txt
  depscan scan --maven-tree deps.txt

  # Gradle, runtime classpath only, YAML report
  gradle dependencies > deps.txt
  depscan scan --gradle-deps deps.txt --configuration runtimeClasspath --format yaml

  # A directory of jars, compressed report
  depscan scan --libs ./lib --output report.json.zst`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, opts.configFile)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), appFs, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML config file (env: DEPSCAN_CONFIG)")
	f.StringArrayVar(&opts.mavenTrees, "maven-tree", nil, "output of 'mvn dependency:tree -DoutputType=text'")
	f.StringArrayVar(&opts.gradleDeps, "gradle-deps", nil, "output of 'gradle dependencies'")
	f.StringArrayVar(&opts.libDirs, "libs", nil, "directory of jar/aar files, e.g. a Gradle cache")
	f.StringArrayVar(&opts.libraryLists, "library-list", nil, "file with one library name or jar path per line")
	f.StringArrayVar(&opts.inventories, "inventory", nil, "JSON list of {name, ecosystem, version, chain} tuples")
	f.BoolVar(&opts.progress, "progress", false, "show a progress bar on stderr")

	f.Bool("debug", false, "debug logging")
	f.Bool("log-json", false, "log in JSON")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile")
	f.Int("batch-size", scanner.DefaultBatchSize, "packages per OSV batch query (1-1000)")
	f.Int("concurrency", scanner.DefaultConcurrency, "batch queries in flight")
	f.Bool("hydrate", true, "fetch full records for batch results")
	f.StringSlice("exclude-scope", nil, "Maven scopes to skip, e.g. test")
	f.StringSlice("configuration", nil, "Gradle configurations to read (default all)")
	f.Bool("fallback", true, "look up missing fixed versions on osv.dev pages")
	f.Bool("wait-fallback", false, "wait for osv.dev page lookups before reporting")
	f.String("format", string(report.FormatJSON), "report format (json, yaml)")
	f.StringP("output", "o", "", "report file, '.zst' suffix compresses (default stdout)")
	f.String("fail-on", "", "exit 1 when a vulnerability of this severity or higher is found")

	bindFlags(v, f)
	return cmd
}

func bindFlags(v *viper.Viper, f *pflag.FlagSet) {
	for name, key := range configFlags {
		lo.Must0(v.BindPFlag(key, f.Lookup(name)))
	}
}

func (o *scanOptions) sources(appFs afero.Fs, cfg config.Config) []collector.SourceAdapter {
	var sources []collector.SourceAdapter
	for _, p := range o.mavenTrees {
		sources = append(sources, source.NewMavenTree(appFs, p, source.WithExcludedScopes(cfg.Scan.ExcludedScopes...)))
	}
	for _, p := range o.gradleDeps {
		sources = append(sources, source.NewGradleTree(appFs, p, source.WithConfigurations(cfg.Scan.Configurations...)))
	}
	for _, p := range o.inventories {
		sources = append(sources, source.NewInventory(appFs, p))
	}
	for _, p := range o.libDirs {
		sources = append(sources, source.NewLibraryDir(appFs, p))
	}
	for _, p := range o.libraryLists {
		sources = append(sources, source.NewLibraryList(appFs, p))
	}
	return sources
}

func runScan(ctx context.Context, stdout, stderr io.Writer, appFs afero.Fs, cfg config.Config, opts *scanOptions) error {
	logger, err := logging.New(cfg.Debug, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sources := opts.sources(appFs, cfg)
	if len(sources) == 0 {
		return xerrors.New("no dependency source given: use --maven-tree, --gradle-deps, --inventory, --libs or --library-list")
	}
	format, err := report.ParseFormat(cfg.Report.Format)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	client := osv.NewClient(
		osv.WithURL(cfg.OSV.URL),
		osv.WithBatchURL(cfg.OSV.BatchURL),
		osv.WithVulnURL(cfg.OSV.VulnURL),
		osv.WithConnectTimeout(cfg.OSV.ConnectTimeout),
		osv.WithTimeout(cfg.OSV.Timeout),
		osv.WithRetry(cfg.OSV.Retry),
		osv.WithConcurrency(cfg.OSV.Concurrency),
		osv.WithLogger(logger),
	)
	scanOpts := []scanner.Option{
		scanner.WithBatchSize(cfg.Scan.BatchSize),
		scanner.WithConcurrency(cfg.Scan.Concurrency),
		scanner.WithHydration(cfg.Scan.Hydrate),
		scanner.WithMetrics(m),
		scanner.WithLogger(logger),
	}
	var scraper *osvdev.Scraper
	if cfg.Fallback.Enabled {
		scraper = osvdev.NewScraper(
			osvdev.WithBaseURL(cfg.Fallback.URL),
			osvdev.WithRetry(cfg.Fallback.Retry),
			osvdev.WithLogger(logger),
		)
		scanOpts = append(scanOpts, scanner.WithFallback(scraper))
	}

	st, err := scanner.New(sources, client, scanOpts...).Stream(ctx)
	if err != nil {
		return xerrors.Errorf("failed to start scan: %w", err)
	}
	results := drain(st, opts.progress, stderr)
	if err = st.Err(); err != nil {
		return xerrors.Errorf("scan did not complete: %w", err)
	}
	scanner.SortResults(results)

	var lookup remediation.Lookup
	if scraper != nil {
		if cfg.Fallback.Wait {
			scraper.Wait()
		}
		lookup = scraper.Lookup
	}
	r := report.Build(results, lookup, time.Now())

	if cfg.Report.Output == "" {
		err = report.Encode(stdout, format, r)
	} else {
		err = report.WriteFile(appFs, cfg.Report.Output, format, r)
	}
	if err != nil {
		return err
	}

	logger.Info("Scan complete", zap.Int("packages", r.Summary.Packages),
		zap.Int("vulnerable", r.Summary.VulnerablePackages), zap.String("highest", r.Summary.Highest))
	fmt.Fprintf(stderr, "%d of %d packages have known vulnerabilities\n",
		r.Summary.VulnerablePackages, r.Summary.Packages)

	if cfg.MetricsFile != "" {
		if err = m.WriteToTextfile(cfg.MetricsFile); err != nil {
			return err
		}
	}
	return checkSeverity(r, cfg.Report.FailOn)
}

// drain reads every result of st. The progress bar starts once the package
// count is known.
func drain(st *scanner.Stream, progress bool, w io.Writer) []types.ScanResult {
	var bar *pb.ProgressBar
	if progress {
		<-st.Collected()
		bar = pb.New(st.Total()).SetWriter(w)
		bar.Start()
		defer bar.Finish()
	}

	var results []types.ScanResult
	for r := range st.Results() {
		results = append(results, r)
		if bar != nil {
			bar.Increment()
		}
	}
	return results
}

func checkSeverity(r report.Report, failOn string) error {
	if failOn == "" || r.Summary.VulnerablePackages == 0 {
		return nil
	}
	threshold, err := severity.Parse(failOn)
	if err != nil {
		return err
	}
	highest, err := severity.Parse(r.Summary.Highest)
	if err != nil {
		return err
	}
	if highest >= threshold {
		return &SeverityError{Highest: highest, Threshold: threshold}
	}
	return nil
}
