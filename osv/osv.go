// Package osv queries the OSV vulnerability database API.
//
// Transport failures never surface as errors: a nil response means "no data"
// and callers degrade accordingly.
package osv

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aquasecurity/depscan/logging"
	"github.com/aquasecurity/depscan/types"
	"github.com/aquasecurity/depscan/utils"
)

const (
	DefaultURL      = "https://api.osv.dev/v1/query"
	DefaultBatchURL = "https://api.osv.dev/v1/querybatch"
	DefaultVulnURL  = "https://api.osv.dev/v1/vulns/"
	defaultWorkers  = 8

	// pagination is followed at most this many pages per package
	maxPages = 10
)

type options struct {
	url            string
	batchURL       string
	vulnURL        string
	connectTimeout time.Duration
	timeout        time.Duration
	concurrency    int
	retry          int
	logger         *zap.Logger
}

type Option func(*options)

func WithURL(url string) Option {
	return func(opts *options) {
		opts.url = url
	}
}

func WithBatchURL(url string) Option {
	return func(opts *options) {
		opts.batchURL = url
	}
}

// WithVulnURL sets the prefix records are fetched from; the id is appended.
func WithVulnURL(url string) Option {
	return func(opts *options) {
		opts.vulnURL = url
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.connectTimeout = d
	}
}

func WithTimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.timeout = d
	}
}

// WithConcurrency bounds the HTTP calls in flight across all callers.
func WithConcurrency(n int) Option {
	return func(opts *options) {
		opts.concurrency = n
	}
}

func WithRetry(retry int) Option {
	return func(opts *options) {
		opts.retry = retry
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = l
	}
}

// Client is safe for concurrent use.
type Client struct {
	*options
	sem *semaphore.Weighted
}

func NewClient(opts ...Option) *Client {
	o := &options{
		url:            DefaultURL,
		batchURL:       DefaultBatchURL,
		vulnURL:        DefaultVulnURL,
		connectTimeout: utils.DefaultConnectTimeout,
		timeout:        utils.DefaultTimeout,
		concurrency:    defaultWorkers,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	o.logger = logging.OrNop(o.logger)

	return &Client{
		options: o,
		sem:     semaphore.NewWeighted(int64(o.concurrency)),
	}
}

// QueryOne returns the vulnerabilities of a single package, following
// pagination. It returns nil when no data could be obtained.
func (c *Client) QueryOne(ctx context.Context, id types.Identity) *Response {
	var resp Response
	if !c.post(ctx, c.url, newQuery(id), &resp) {
		return nil
	}
	c.nextPages(ctx, id, &resp)
	return &resp
}

// QueryBatch queries many packages in one request. The result is aligned
// with ids: a nil slice means the whole batch failed and a nil element means
// the server returned nothing for that member.
func (c *Client) QueryBatch(ctx context.Context, ids []types.Identity) []*Response {
	if len(ids) == 0 {
		return []*Response{}
	}

	batch := BatchQuery{Queries: make([]Query, len(ids))}
	for i, id := range ids {
		batch.Queries[i] = newQuery(id)
	}

	var resp BatchResponse
	if !c.post(ctx, c.batchURL, batch, &resp) {
		return nil
	}
	if len(resp.Results) != len(ids) {
		c.logger.Warn("Batch result count mismatch",
			zap.Int("queries", len(ids)), zap.Int("results", len(resp.Results)))
	}

	results := make([]*Response, len(ids))
	for i := range results {
		if i >= len(resp.Results) || resp.Results[i] == nil {
			continue
		}
		results[i] = resp.Results[i]
		c.nextPages(ctx, ids[i], results[i])
	}
	return results
}

// GetVulnerability fetches the full record of id, or nil on failure.
func (c *Client) GetVulnerability(ctx context.Context, id string) *types.Vulnerability {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	u := c.vulnURL + url.PathEscape(id)

	b, ok := c.call(ctx, u, func() ([]byte, error) {
		return utils.FetchURL(ctx, u, c.requestOptions())
	})
	if !ok {
		return nil
	}

	var v types.Vulnerability
	if err := json.Unmarshal(b, &v); err != nil {
		c.logger.Warn("Malformed vulnerability record", zap.String("id", id), zap.Error(err))
		return nil
	}
	if v.ID == "" {
		return nil
	}
	return &v
}

// nextPages appends the remaining pages of resp. A failing page keeps what
// was already gathered.
func (c *Client) nextPages(ctx context.Context, id types.Identity, resp *Response) {
	for page := 1; resp.NextPageToken != "" && page < maxPages; page++ {
		q := newQuery(id)
		q.PageToken = resp.NextPageToken

		var next Response
		if !c.post(ctx, c.url, q, &next) {
			c.logger.Warn("Incomplete vulnerability list", zap.Stringer("package", id))
			break
		}
		resp.Vulns = append(resp.Vulns, next.Vulns...)
		resp.NextPageToken = next.NextPageToken
	}
	resp.NextPageToken = ""
}

func (c *Client) post(ctx context.Context, u string, payload, out interface{}) bool {
	b, ok := c.call(ctx, u, func() ([]byte, error) {
		return utils.PostJSON(ctx, u, payload, c.requestOptions())
	})
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		c.logger.Warn("Malformed OSV response", zap.String("url", u), zap.Error(err))
		return false
	}
	return true
}

// call runs fn once a concurrency slot is free.
func (c *Client) call(ctx context.Context, u string, fn func() ([]byte, error)) ([]byte, bool) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer c.sem.Release(1)

	b, err := fn()
	if err != nil {
		c.logger.Debug("OSV request failed", zap.String("url", u), zap.Error(err))
		return nil, false
	}
	return b, true
}

func (c *Client) requestOptions() utils.RequestOptions {
	return utils.RequestOptions{
		ConnectTimeout: c.connectTimeout,
		Timeout:        c.timeout,
		Retry:          c.retry,
	}
}
