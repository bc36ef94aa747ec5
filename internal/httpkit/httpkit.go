// Package httpkit builds the HTTP clients SmartRoam uses to reach Home
// Assistant and the UniFi controller. Every client gets explicit dial
// and TLS timeouts, a small idle pool and the SmartRoam User-Agent.
//
// Small hosts on busy LANs see brief "no route to host" failures while
// ARP entries refresh; WithRetry papers over those before any bytes
// reach the server.
package httpkit

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/smartroam/internal/buildinfo"
)

// Transport limits.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 15 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 2
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout               time.Duration
	tlsInsecureSkipVerify bool
	retryCount            int
	retryDelay            time.Duration
	logger                *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithTLSInsecureSkipVerify skips TLS certificate verification. UniFi
// consoles ship with self-signed certificates.
func WithTLSInsecureSkipVerify() ClientOption {
	return func(c *clientConfig) { c.tlsInsecureSkipVerify = true }
}

// WithRetry retries requests that failed to connect (EHOSTUNREACH,
// ENETUNREACH, ECONNREFUSED) up to count times, delay apart. Requests
// with a body are only retried when the body can be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates the http.Transport every client is built on.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with a fresh transport, the
// SmartRoam User-Agent and a 30 second default timeout.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	t := NewTransport()
	if cfg.tlsInsecureSkipVerify {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: buildinfo.UserAgent()}
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// userAgentTransport sets the User-Agent header unless one is present.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for an error message,
// then drains and closes the rest. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.count && rewindable && isRetryableError(err); attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after connect error",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"max_retries", t.count,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}
		resp, err = t.base.RoundTrip(retryReq)
	}
	return resp, err
}

// isRetryableError reports whether err is a connect-phase failure.
// ECONNRESET is excluded; the server may already have acted.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}
