// Package osvdev recovers fixed versions from the osv.dev vulnerability pages
// when the structured record carries none.
//
// Lookups run out of band: the scanner never waits for them, and failures
// are ignored. Results are cached per scan; Reset starts a new generation so
// lookups issued before it cannot populate the new cache.
package osvdev

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aquasecurity/depscan/logging"
	"github.com/aquasecurity/depscan/utils"
)

const DefaultBaseURL = "https://osv.dev/vulnerability/"

// The label must be a whole word followed by the version, optionally through
// a colon or "in". Any other text in between rejects the match.
var fixedPattern = regexp.MustCompile(`(?i)\bfixed(?:\s*:)?(?:\s+in)?\s+(\d+\.\d+(?:\.\d+)?)`)

type options struct {
	baseURL    string
	retry      int
	logger     *zap.Logger
	onResolved func(id, version string)
}

type Option func(*options)

func WithBaseURL(url string) Option {
	return func(opts *options) {
		opts.baseURL = url
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

// WithOnResolved registers a callback invoked whenever a lookup stores a
// version. It runs on the lookup goroutine.
func WithOnResolved(fn func(id, version string)) Option {
	return func(opts *options) {
		opts.onResolved = fn
	}
}

type Scraper struct {
	*options

	mu         sync.Mutex
	cache      map[string]string
	generation uint64

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewScraper(opts ...Option) *Scraper {
	o := &options{
		baseURL: DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger)

	return &Scraper{
		options: o,
		cache:   make(map[string]string),
	}
}

// Lookup reads the cache only.
func (s *Scraper) Lookup(id string) (string, bool) {
	v, ok := s.cached(id)
	return v, ok && v != ""
}

// Prefetch starts a lookup in the background unless id is already cached.
// Concurrent prefetches of the same id share one request.
func (s *Scraper) Prefetch(id string) {
	if id == "" {
		return
	}
	if _, ok := s.cached(id); ok {
		return
	}
	gen := s.currentGeneration()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resolve(context.Background(), id, gen)
	}()
}

// Resolve looks id up and waits for the result.
func (s *Scraper) Resolve(ctx context.Context, id string) (string, bool) {
	if v, ok := s.cached(id); ok {
		return v, v != ""
	}
	v := s.resolve(ctx, id, s.currentGeneration())
	return v, v != ""
}

// Reset empties the cache. Lookups still running keep their generation and
// are discarded when they finish.
func (s *Scraper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]string)
	s.generation++
}

// Wait blocks until every prefetch started so far has finished.
func (s *Scraper) Wait() {
	s.wg.Wait()
}

// cached also reports ids whose lookup failed in this generation, with an
// empty version.
func (s *Scraper) cached(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[id]
	return v, ok
}

func (s *Scraper) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Scraper) resolve(ctx context.Context, id string, gen uint64) string {
	key := fmt.Sprintf("%d/%s", gen, id)
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		version := s.fetch(ctx, id)
		if version == "" && ctx.Err() != nil {
			return "", nil
		}
		// failures are cached too; Reset clears them for the next scan
		if s.store(id, version, gen) && version != "" && s.onResolved != nil {
			s.onResolved(id, version)
		}
		return version, nil
	})
	return v.(string)
}

func (s *Scraper) fetch(ctx context.Context, id string) string {
	u := s.baseURL + url.PathEscape(id)
	b, err := utils.FetchURL(ctx, u, utils.RequestOptions{Retry: s.retry})
	if err != nil {
		s.logger.Debug("Failed to fetch vulnerability page", zap.String("id", id), zap.Error(err))
		return ""
	}

	version, err := ExtractFixedVersion(b)
	if err != nil {
		s.logger.Debug("Failed to parse vulnerability page", zap.String("id", id), zap.Error(err))
		return ""
	}
	return version
}

func (s *Scraper) store(id, version string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.cache[id] = version
	return true
}

// ExtractFixedVersion returns the first version number that follows the word
// "Fixed" in the visible text of page, or "". Only markup, whitespace, a colon
// or "in" may separate the two.
func ExtractFixedVersion(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()

	var parts []string
	textNodes(doc.Selection, &parts)
	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")

	if m := fixedPattern.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	return "", nil
}

// textNodes appends the text nodes under s in document order. Adjacent
// elements stay separated, so "<dt>Fixed</dt><dd>1.0</dd>" reads "Fixed 1.0".
func textNodes(s *goquery.Selection, parts *[]string) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			*parts = append(*parts, c.Text())
			return
		}
		textNodes(c, parts)
	})
}
