// Package scanner drives a scan: it collects the project's packages, queries
// OSV in concurrent batches and emits one result per package as soon as its
// batch is correlated.
package scanner

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/depscan/collector"
	"github.com/aquasecurity/depscan/logging"
	"github.com/aquasecurity/depscan/metrics"
	"github.com/aquasecurity/depscan/osv"
	"github.com/aquasecurity/depscan/osvdev"
	"github.com/aquasecurity/depscan/remediation"
	"github.com/aquasecurity/depscan/severity"
	"github.com/aquasecurity/depscan/types"
)

const (
	DefaultBatchSize   = 100
	maxBatchSize       = 1000
	DefaultConcurrency = 4
)

var (
	ErrScanInProgress = xerrors.New("a scan is already in progress")
	ErrCanceled       = xerrors.New("scan canceled")
)

// Querier is the part of the OSV client the scanner needs.
type Querier interface {
	QueryOne(ctx context.Context, id types.Identity) *osv.Response
	QueryBatch(ctx context.Context, ids []types.Identity) []*osv.Response
	GetVulnerability(ctx context.Context, id string) *types.Vulnerability
}

var _ Querier = (*osv.Client)(nil)

type State int

const (
	Idle State = iota
	Collecting
	Querying
	Correlating
	Done
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Querying:
		return "querying"
	case Correlating:
		return "correlating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

func (s State) active() bool {
	return s == Collecting || s == Querying || s == Correlating
}

type options struct {
	batchSize   int
	concurrency int
	hydrate     bool
	scraper     *osvdev.Scraper
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

type Option func(*options)

// WithBatchSize caps the packages per querybatch request at 1000.
func WithBatchSize(n int) Option {
	return func(opts *options) {
		opts.batchSize = n
	}
}

// WithConcurrency bounds the batches in flight.
func WithConcurrency(n int) Option {
	return func(opts *options) {
		opts.concurrency = n
	}
}

// WithHydration controls whether sparse batch records are replaced by full
// records.
func WithHydration(enabled bool) Option {
	return func(opts *options) {
		opts.hydrate = enabled
	}
}

// WithFallback prefetches fixed versions from osv.dev pages for
// vulnerabilities whose record names none.
func WithFallback(s *osvdev.Scraper) Option {
	return func(opts *options) {
		opts.scraper = s
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *options) {
		opts.metrics = m
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = l
	}
}

// Scanner runs one scan at a time.
type Scanner struct {
	*options
	sources   []collector.SourceAdapter
	client    Querier
	collector *collector.Collector

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	scan   uint64
}

func New(sources []collector.SourceAdapter, client Querier, opts ...Option) *Scanner {
	o := &options{
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		hydrate:     true,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.batchSize = min(max(o.batchSize, 1), maxBatchSize)
	o.concurrency = max(o.concurrency, 1)
	o.logger = logging.OrNop(o.logger)

	return &Scanner{
		options:   o,
		sources:   sources,
		client:    client,
		collector: collector.New(collector.WithLogger(o.logger)),
	}
}

func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the active scan, if any. Requests already sent complete but
// their results are dropped.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Scan runs a scan to completion and returns the results sorted by package.
func (s *Scanner) Scan(ctx context.Context) ([]types.ScanResult, error) {
	st, err := s.Stream(ctx)
	if err != nil {
		return nil, err
	}

	var results []types.ScanResult
	for r := range st.Results() {
		results = append(results, r)
	}
	if err = st.Err(); err != nil {
		return nil, err
	}

	SortResults(results)
	return results, nil
}

// SortResults orders results by package name, ecosystem and version.
func SortResults(results []types.ScanResult) {
	slices.SortFunc(results, func(a, b types.ScanResult) int {
		return comparePackages(a.Package, b.Package)
	})
}

// Stream starts a scan and returns immediately. It fails with
// ErrScanInProgress while another scan is active.
func (s *Scanner) Stream(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	if s.state.active() {
		s.mu.Unlock()
		return nil, ErrScanInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	s.scan++
	id := s.scan
	s.cancel = cancel
	s.state = Collecting
	s.mu.Unlock()

	st := newStream()
	go s.run(ctx, id, st)
	return st, nil
}

// setState ignores updates from a scan that is no longer current or has
// already reached a terminal state.
func (s *Scanner) setState(id uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scan == id && s.state.active() {
		s.state = state
	}
}

func (s *Scanner) finish(id uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scan != id {
		return
	}
	s.state = state
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// batchResult carries the responses of one batch, aligned with pkgs.
type batchResult struct {
	pkgs      []types.Package
	responses []*osv.Response
}

func (s *Scanner) run(ctx context.Context, id uint64, st *Stream) {
	start := time.Now()
	state := Done
	var err error

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scan panicked", zap.Any("panic", r))
			state, err = Failed, xerrors.Errorf("scan failed: %v", r)
		}
		s.finish(id, state)
		s.metrics.Finished(state.String(), time.Since(start))
		s.logger.Info("Scan finished", zap.Stringer("state", state),
			zap.Int("packages", st.Total()), zap.Duration("elapsed", time.Since(start)))
		st.close(err)
	}()

	s.metrics.Started()
	if s.scraper != nil {
		s.scraper.Reset()
	}

	s.logger.Info("Collecting dependencies", zap.Int("sources", len(s.sources)))
	collected, err := s.collector.Collect(ctx, s.sources)
	if err != nil {
		state, err = Canceled, canceled(err)
		return
	}
	st.setTotal(len(collected.Packages))
	s.metrics.Collected(len(collected.Packages), len(collected.Errors.WrappedErrors()))
	if len(collected.Packages) == 0 {
		return
	}

	s.setState(id, Querying)
	batches := lo.Chunk(collected.Packages, s.batchSize)
	s.logger.Info("Querying OSV", zap.Int("packages", len(collected.Packages)),
		zap.Int("batches", len(batches)), zap.Int("concurrency", s.concurrency))

	done := make(chan batchResult)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	h := newHydrator(s.client, s.metrics)

	// written before done is closed
	var groupErr error
	go func() {
		for _, batch := range batches {
			batch := batch
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = xerrors.Errorf("batch query panicked: %v", r)
					}
				}()
				responses := s.query(gctx, batch)
				if s.hydrate {
					h.hydrate(gctx, responses)
				}
				select {
				case done <- batchResult{pkgs: batch, responses: responses}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		groupErr = g.Wait()
		s.setState(id, Correlating)
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			state, err = Canceled, canceled(ctx.Err())
			return
		case br, ok := <-done:
			if !ok {
				if groupErr != nil && ctx.Err() == nil {
					s.logger.Error("Scan failed", zap.Error(groupErr))
					state, err = Failed, xerrors.Errorf("scan failed: %w", groupErr)
				}
				return
			}
			if !s.emit(ctx, st, br) {
				state, err = Canceled, canceled(ctx.Err())
				return
			}
		}
	}
}

// canceled wraps cause so that both it and ErrCanceled match errors.Is.
func canceled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// query returns responses aligned with pkgs. Members the batch gave no data
// for are queried one by one.
func (s *Scanner) query(ctx context.Context, pkgs []types.Package) []*osv.Response {
	ids := lo.Map(pkgs, func(p types.Package, _ int) types.Identity { return p.Identity })
	if ctx.Err() != nil {
		return make([]*osv.Response, len(ids))
	}

	responses := s.client.QueryBatch(ctx, ids)
	s.metrics.Batch(responses != nil)
	if responses == nil {
		s.logger.Warn("Batch query failed, querying packages individually", zap.Int("packages", len(ids)))
	}

	aligned := make([]*osv.Response, len(ids))
	copy(aligned, responses)

	var missing []int
	for i, r := range aligned {
		if r == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 || ctx.Err() != nil {
		return aligned
	}
	s.metrics.Fallback(len(missing))

	// the client bounds the requests in flight
	var g errgroup.Group
	for _, i := range missing {
		i := i
		g.Go(func() error {
			aligned[i] = s.client.QueryOne(ctx, ids[i])
			return nil
		})
	}
	_ = g.Wait()
	return aligned
}

// emit correlates a batch positionally and sends its results. It reports
// false when ctx ended first.
func (s *Scanner) emit(ctx context.Context, st *Stream, br batchResult) bool {
	for i, pkg := range br.pkgs {
		var vulns []types.Vulnerability
		if r := br.responses[i]; r != nil {
			vulns = r.Vulns
		}
		result := types.NewScanResult(pkg, vulns)
		s.prefetch(result)
		s.metrics.Result(lo.Map(result.Vulnerabilities, func(v types.Vulnerability, _ int) string {
			return severity.Classify(v).String()
		}))

		select {
		case st.results <- result:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *Scanner) prefetch(result types.ScanResult) {
	if s.scraper == nil {
		return
	}
	for _, v := range result.Vulnerabilities {
		if _, ok := remediation.FindFixedVersion(v, result.Package.Name); !ok {
			s.scraper.Prefetch(v.ID)
		}
	}
}

func comparePackages(a, b types.Package) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Ecosystem, b.Ecosystem),
		cmp.Compare(a.Version, b.Version),
	)
}
