package utils

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/parnurzeal/gorequest"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTimeout        = 30 * time.Second
)

// Wait returns the delay before the i-th retry.
var Wait = func(i int) time.Duration {
	sleep := math.Pow(float64(i), 2) + float64(RandInt()%10)
	return time.Duration(sleep) * time.Second
}

// RequestOptions tunes a single HTTP exchange.
type RequestOptions struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Retry          int
	Header         map[string]string
}

// HTTPError is returned for any non-200 response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error. status code: %d, url: %s", e.StatusCode, e.URL)
}

// FetchURL returns HTTP response body with retry
func FetchURL(ctx context.Context, url string, opts RequestOptions) ([]byte, error) {
	return do(ctx, opts, func() *gorequest.SuperAgent {
		return configure(gorequest.New().Get(url).Type("text"), opts)
	}, url)
}

// PostJSON sends payload as a JSON body and returns the response body with retry.
func PostJSON(ctx context.Context, url string, payload interface{}, opts RequestOptions) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal request: %w", err)
	}
	return do(ctx, opts, func() *gorequest.SuperAgent {
		return configure(gorequest.New().Post(url).Type("json").Send(string(b)), opts)
	}, url)
}

// do gives up between attempts once ctx is done. An attempt in flight is
// not interrupted; gorequest has no context support.
func do(ctx context.Context, opts RequestOptions, build func() *gorequest.SuperAgent, url string) (res []byte, err error) {
	for i := 0; i <= opts.Retry; i++ {
		if i > 0 {
			wait := Wait(i)
			zap.L().Debug("Retrying request", zap.String("url", url), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, xerrors.Errorf("failed to fetch URL: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Errorf("failed to fetch URL: %w", ctxErr)
		}
		res, err = send(build(), url)
		if err == nil {
			return res, nil
		}
		var httpErr *HTTPError
		if xerrors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			break
		}
	}
	return nil, xerrors.Errorf("failed to fetch URL: %w", err)
}

func send(req *gorequest.SuperAgent, url string) ([]byte, error) {
	resp, body, errs := req.EndBytes()
	if len(errs) > 0 {
		return nil, xerrors.Errorf("HTTP error. url: %s, err: %w", url, errs[0])
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return body, nil
}

// configure applies timeouts and headers after the method is set, since
// setting the method clears the agent. A fresh agent is built for every
// attempt; gorequest agents are not safe for concurrent use.
func configure(agent *gorequest.SuperAgent, opts RequestOptions) *gorequest.SuperAgent {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	agent = agent.Timeout(timeout)
	agent.Transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	for k, v := range opts.Header {
		agent.Set(k, v)
	}
	return agent
}

func RandInt() int {
	seed, _ := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	return int(seed.Int64())
}

func LookupEnv(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}
