// Package collyfetcher implements the JSON/API-mode HTTP client using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/metaverse-indexer/internal/crawler"
)

// DefaultTimeout applies when neither the request nor Config sets one.
const DefaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps downloaded bytes; zero keeps colly's default.
	MaxBodySize int
}

// Client implements crawler.HTTPClient on top of a Colly collector. It
// returns every status as a response; the fetch layer decides what is an error.
type Client struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client with a pooled transport shared across requests.
func New(cfg Config) *Client {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Client using the supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg, transport: transport}
}

// Do executes one exchange.
func (c *Client) Do(ctx context.Context, req crawler.Request) (crawler.Response, error) {
	var (
		result   crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(ctx, req)
	c.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := c.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return crawler.Response{}, err
	}
	if result.StatusCode == 0 {
		return crawler.Response{}, fmt.Errorf("colly %s %s: no response received", req.Method, req.URL)
	}
	return result, nil
}

// buildCollector creates a fresh collector per exchange so the request
// timeout and context never leak between concurrent runs.
func (c *Client) buildCollector(ctx context.Context, req crawler.Request) *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	if c.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = c.cfg.MaxBodySize
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)
	base := c.transport
	if base == nil {
		base = http.DefaultTransport
	}
	collector.WithTransport(contextTransport{ctx: ctx, base: base})
	return collector
}

// contextTransport binds every round trip to the exchange's context, so
// cancelling it aborts the request on the wire.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (c *Client) runCollector(ctx context.Context, collector *colly.Collector, req crawler.Request, fetchErr *error) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, req.URL, body, nil, header)
	}()

	select {
	case <-ctx.Done():
		// the transport aborts the exchange; wait so no hook writes after return
		<-done
		return fmt.Errorf("colly %s %s canceled: %w", method, req.URL, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly %s %s: %w", method, req.URL, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly %s %s response: %w", method, req.URL, *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
