// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/headers"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/retry"
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// hopByHopResponseHeaders never travel past a proxy hop.
var hopByHopResponseHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.GeminiClient
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	baseURL  *url.URL
	policy   headers.Policy
	retryCfg retry.Config
}

// NewProxyService creates a ProxyService. The metrics parameter is optional;
// pass nil to disable retry metrics recording.
func NewProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return newProxyService(c, cfg, logger, m, u)
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return newProxyService(c, cfg, logger, m, u)
}

func newProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, base *url.URL) (*ProxyService, error) {
	policy, err := newHeaderPolicy(cfg)
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		baseURL: base,
		policy:  policy,
		retryCfg: retry.Config{
			MaxRetries: cfg.Retry.MaxRetries,
			Delay:      time.Duration(cfg.Retry.DelayMS) * time.Millisecond,
		},
	}, nil
}

func newHeaderPolicy(cfg *config.Config) (headers.Policy, error) {
	switch cfg.Headers.Policy {
	case config.PolicyAllowList:
		return headers.NewAllowList(cfg.Headers.Allow, cfg.Headers.AllowPatterns)
	case config.PolicyDenyList:
		return headers.NewDenyList(cfg.Headers.Deny), nil
	default:
		return nil, fmt.Errorf("unknown header policy %q", cfg.Headers.Policy)
	}
}

// Forward sends a ProxyRequest to the upstream Gemini API and returns the
// response. The caller is responsible for closing the response body.
//
// Failed attempts are retried with linear backoff, but only while the inbound
// body stream is untouched: a one-shot stream cannot be replayed, so once any
// bytes have been sent upstream the current error is final. Upstream
// responses of any status count as success here and are never retried.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.Query)
	header := s.policy.Filter(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	// Bodyless requests keep a nil body so the transport does not probe the
	// stream to decide between chunked and empty.
	var body io.Reader
	pristine := func() bool { return true }
	if pr.Body != nil && pr.Body != http.NoBody {
		guard := newReplayGuard(pr.Body)
		body = guard
		pristine = guard.Pristine
	}

	var resp *model.ProxyResponse
	err := retry.Do(pr.Ctx, s.retryCfg, func() error {
		r, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, retry.Options{
		ShouldRetry: func(error) bool { return pristine() },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			if s.metrics != nil {
				s.metrics.UpstreamRetries.Inc()
			}
			s.logger.Warn("retrying upstream request",
				"attempt", attempt,
				"wait", wait.String(),
				"error", err.Error(),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.decorateResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL combines the fixed upstream authority with the inbound
// path and query, dropping the reserved routing parameter.
func (s *ProxyService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = path

	q := make(url.Values, len(query))
	for k, v := range query {
		if k == s.cfg.Upstream.ReservedParam {
			continue
		}
		q[k] = v
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// decorateResponseHeaders merges upstream response headers over the
// cross-origin base set. Upstream values win on collision; hop-by-hop
// headers are dropped.
func (s *ProxyService) decorateResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src)+3)
	dst.Set("Access-Control-Allow-Origin", s.cfg.CORS.AllowOrigin)
	dst.Set("Access-Control-Allow-Methods", s.cfg.CORS.AllowMethods)
	dst.Set("Access-Control-Allow-Headers", s.cfg.CORS.AllowHeaders)

	for key, vals := range src {
		if hopByHopResponseHeaders[key] {
			continue
		}
		dst[key] = vals
	}

	return dst
}
