// Package upstream fetches playlists, segments and keys from origin servers.
// Every fetch runs through the policy table (proxy routing, TLS verification,
// default headers per destination) and a retry ladder whose connect and read
// budgets grow with each attempt. Responses are transparently decompressed.
package upstream

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	xproxy "golang.org/x/net/proxy"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/internal/headerparams"
	"github.com/hlsgate/hlsgate/internal/metrics"
	"github.com/hlsgate/hlsgate/internal/observability"
)

const (
	maxRedirects          = 5
	defaultAcceptEncoding = "gzip, deflate, br"

	defaultRequestTimeout = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
)

// budgetScale grows the connect and read budgets across the retry ladder.
var budgetScale = []float64{1.0, 1.5, 2.0}

// Response is the outcome of a successful fetch. FinalURL is the URL after
// redirects; relative playlist entries resolve against it. The body streams
// and must be closed by the caller.
type Response struct {
	Body          io.ReadCloser
	StatusCode    int
	Header        http.Header
	ContentLength int64
	FinalURL      string
}

type transportKey struct {
	proxy  string
	verify bool
	rung   int
}

// Client is the pooled HTTP client behind every upstream fetch.
type Client struct {
	cfg     config.UpstreamConfig
	policy  *Policy
	logger  *slog.Logger
	breaker *CircuitBreaker

	mu         sync.RWMutex
	transports map[transportKey]*http.Transport
}

// New builds a client over the given policy. A circuit breaker is attached
// only when the configured threshold is positive.
func New(cfg config.UpstreamConfig, policy *Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout.Duration() <= 0 {
		cfg.RequestTimeout = config.Duration(defaultRequestTimeout)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	c := &Client{
		cfg:        cfg,
		policy:     policy,
		logger:     observability.WithComponent(logger, "upstream"),
		transports: make(map[transportKey]*http.Transport),
	}
	if cfg.CircuitBreakerThreshold > 0 {
		timeout := cfg.CircuitBreakerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c.breaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, timeout, 1)
	}
	return c
}

// Policy returns the policy table the client routes through.
func (c *Client) Policy() *Policy {
	return c.policy
}

// Fetch GETs a URL with the destination's default headers merged under the
// forwarded set. Connect or read timeouts walk the retry ladder; a non-2xx
// response is returned as a StatusError without retry.
func (c *Client) Fetch(ctx context.Context, rawURL string, fwd headerparams.Params) (*Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target URL: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("unsupported target URL %q", obfuscateURL(target))
	}

	decision := c.policy.Decide(target)
	headers := decision.Headers.Merge(fwd)

	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			metrics.IncUpstreamRetry()
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", obfuscateURL(target)),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if c.breaker != nil && !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", obfuscateURL(target)),
				slog.String("state", c.breaker.State().String()),
			)
			continue
		}

		start := time.Now()
		resp, err := c.attempt(ctx, target, headers, decision, attempt)
		duration := time.Since(start)

		if err != nil {
			if c.breaker != nil {
				c.breaker.RecordFailure()
			}
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", obfuscateURL(target)),
				slog.String("rule", decision.Rule),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}

		finalURL := resp.Request.URL.String()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if c.breaker != nil {
				if resp.StatusCode >= 500 {
					c.breaker.RecordFailure()
				} else {
					c.breaker.RecordSuccess()
				}
			}
			resp.Body.Close()
			c.logger.Debug("upstream status error",
				slog.String("url", obfuscateURL(target)),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", duration),
			)
			metrics.IncUpstreamRequest(false)
			return nil, &StatusError{URL: finalURL, StatusCode: resp.StatusCode}
		}

		if c.breaker != nil {
			c.breaker.RecordSuccess()
		}
		c.logger.Debug("request completed",
			slog.String("url", obfuscateURL(target)),
			slog.String("rule", decision.Rule),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
			slog.Int64("content_length", resp.ContentLength),
		)

		body, decompressed := c.wrapDecompression(resp)
		contentLength := resp.ContentLength
		if decompressed {
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			contentLength = -1
		}

		metrics.IncUpstreamRequest(true)
		return &Response{
			Body:          body,
			StatusCode:    resp.StatusCode,
			Header:        resp.Header,
			ContentLength: contentLength,
			FinalURL:      finalURL,
		}, nil
	}

	metrics.IncUpstreamRequest(false)
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// FetchBuffered fetches a URL and reads the whole body, failing once it
// exceeds maxBytes (0 disables the cap). Used for playlists, keys and
// resolver pages; the read is bounded by twice the configured read budget.
func (c *Client) FetchBuffered(ctx context.Context, rawURL string, fwd headerparams.Params, maxBytes int64) ([]byte, *Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*c.cfg.RequestTimeout.Duration())
	defer cancel()

	resp, err := c.Fetch(ctx, rawURL, fwd)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, nil, fmt.Errorf("%w: %s", ErrResponseTooLarge, resp.FinalURL)
	}

	resp.Body = nil
	return data, resp, nil
}

// attempt executes one rung of the ladder with that rung's budgets.
func (c *Client) attempt(ctx context.Context, target *url.URL, headers headerparams.Params, d Decision, attempt int) (*http.Response, error) {
	tr, err := c.transport(d.ProxyURL, d.VerifyTLS, rungFor(attempt))
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	headers.ApplyTo(req.Header)
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", defaultAcceptEncoding)
	}

	return client.Do(req)
}

func rungFor(attempt int) int {
	if attempt >= len(budgetScale) {
		return len(budgetScale) - 1
	}
	return attempt
}

func (c *Client) connectBudget(rung int) time.Duration {
	return time.Duration(float64(c.cfg.ConnectTimeout) * budgetScale[rung])
}

func (c *Client) readBudget(rung int) time.Duration {
	return time.Duration(float64(c.cfg.RequestTimeout.Duration()) * budgetScale[rung])
}

// transport returns the pooled transport for a proxy/verify/rung profile.
func (c *Client) transport(proxyURL string, verify bool, rung int) (*http.Transport, error) {
	key := transportKey{proxy: proxyURL, verify: verify, rung: rung}

	c.mu.RLock()
	tr, ok := c.transports[key]
	c.mu.RUnlock()
	if ok {
		return tr, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.transports[key]; ok {
		return tr, nil
	}

	tr, err := c.buildTransport(proxyURL, verify, rung)
	if err != nil {
		return nil, err
	}
	c.transports[key] = tr
	return tr, nil
}

func (c *Client) buildTransport(proxyURL string, verify bool, rung int) (*http.Transport, error) {
	connect := c.connectBudget(rung)
	dialer := &net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		MaxConnsPerHost:       16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: c.readBudget(rung),
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if !verify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL == "" {
		return tr, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)

	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("building socks5 dialer: %w", err)
		}
		// socks5 resolves the target host locally; socks5h hands the
		// hostname to the proxy so DNS happens on the far side.
		localDNS := strings.EqualFold(u.Scheme, "socks5")
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if localDNS {
				addr = resolveLocally(ctx, addr)
			}
			if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return socksDialer.Dial(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return tr, nil
}

// resolveLocally swaps the hostname in addr for its first resolved IP,
// keeping the original address when resolution fails.
func resolveLocally(ctx context.Context, addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if net.ParseIP(host) != nil {
		return addr
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		return addr
	}
	return net.JoinHostPort(ips[0], port)
}

// wrapDecompression wraps the response body according to Content-Encoding.
// The second return reports whether a decoder was attached.
func (c *Client) wrapDecompression(resp *http.Response) (io.ReadCloser, bool) {
	encoding := resp.Header.Get("Content-Encoding")
	if encoding == "" {
		return resp.Body, false
	}

	switch strings.ToLower(encoding) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body, false
		}
		return &decompressReader{reader: reader, closer: resp.Body}, true

	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}, true

	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}, true

	default:
		c.logger.Debug("unknown content encoding, returning raw body",
			slog.String("encoding", encoding),
		)
		return resp.Body, false
	}
}

// decompressReader pairs a decoder with the closer of the raw body.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// obfuscateURL renders a URL for logs with credential-bearing query values
// masked, including forwarded cookie and authorization header params.
func obfuscateURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	sanitized := *u
	query := sanitized.Query()

	sensitive := map[string]bool{
		"password": true, "passwd": true, "pass": true, "pwd": true,
		"token": true, "api_key": true, "apikey": true, "key": true,
		"secret": true, "auth": true, "authorization": true,
		"credential": true, "credentials": true,
		"h_cookie": true, "h_authorization": true,
	}

	changed := false
	for name := range query {
		if sensitive[strings.ToLower(name)] {
			query.Set(name, "***")
			changed = true
		}
	}
	if changed {
		sanitized.RawQuery = query.Encode()
	}
	return sanitized.String()
}
