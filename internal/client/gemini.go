// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
)

// ErrAttemptTimeout reports that an upstream call produced no response
// headers within the configured attempt timeout.
var ErrAttemptTimeout = errors.New("upstream attempt timed out")

// GeminiClient sends requests to the upstream Gemini API.
type GeminiClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewGeminiClient creates a GeminiClient with connection pooling and a
// per-attempt timeout. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewGeminiClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GeminiClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		// Bodies relay verbatim; the transport must not transparently
		// decompress them out from under the Content-Encoding header.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.Upstream.DisableHTTP2 {
		// Forces HTTP/1.1, where the request body is fully written before
		// response headers are read.
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &GeminiClient{
		// No http.Client.Timeout: the attempt timer in DoStream covers the
		// window up to response headers, and streamed bodies may outlive any
		// fixed deadline.
		httpClient: &http.Client{Transport: transport},
		timeout:    time.Duration(cfg.Upstream.AttemptTimeoutMS) * time.Millisecond,
		logger:     logger.With("component", "gemini_client"),
		metrics:    m,
	}
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned body.
//
// The attempt timeout covers everything up to response headers; once they
// arrive the timer is disarmed so long-lived streamed bodies are never cut
// off. Canceling ctx (e.g. client disconnect) still aborts the upstream call
// at any point, including mid-body.
func (c *GeminiClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(ErrAttemptTimeout) })

	req, err := http.NewRequestWithContext(attemptCtx, method, url, body)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	resp, err := c.do(req)
	if err != nil {
		timer.Stop()
		cause := context.Cause(attemptCtx)
		cancel(nil)
		if errors.Is(cause, ErrAttemptTimeout) {
			return nil, fmt.Errorf("upstream request: %w", ErrAttemptTimeout)
		}
		return nil, err
	}

	timer.Stop()
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// do executes the prepared request and records upstream metrics.
func (c *GeminiClient) do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// cancelOnClose releases the attempt's cancel function when the response body
// is closed, keeping the upstream call cancelable for the whole relay.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
