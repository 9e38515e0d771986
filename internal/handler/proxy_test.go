package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:          upstreamURL,
			AttemptTimeoutMS: 10000,
			IdleConnections:  10,
			ReservedParam:    "_path",
		},
		Retry: config.RetryConfig{MaxRetries: 2, DelayMS: 1},
		Headers: config.HeadersConfig{
			Policy: config.PolicyAllowList,
			Allow:  []string{"Content-Type", "Authorization", "X-Goog-Api-Client", "X-Goog-Api-Key", "Accept-Encoding"},
		},
		CORS: config.CORSConfig{AllowOrigin: "*", AllowMethods: "*", AllowHeaders: "*"},
	}
}

func newTestHandler(t *testing.T, cfg *config.Config) *ProxyHandler {
	t.Helper()
	logger := testLogger()
	gc := client.NewGeminiClient(cfg, logger, nil)
	svc, err := service.NewProxyServiceForTest(gc, cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyServiceForTest: %v", err)
	}
	return NewProxyHandler(svc, cfg, logger)
}

// killConnection closes the raw connection so the client sees a network
// error instead of a response.
func killConnection(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.Fatal("ResponseWriter does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		t.Fatalf("hijack: %v", err)
	}
	_ = conn.Close()
}

func TestProxyHandler_Preflight(t *testing.T) {
	var called atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called.Store(true)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodOptions, "/v1beta/models", http.NoBody)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if called.Load() {
		t.Error("upstream was called for a preflight request")
	}

	want := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "*",
		"Access-Control-Allow-Headers": "*",
	}
	for name, value := range want {
		if got := rec.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
	if got := len(rec.Header()); got != len(want) {
		t.Errorf("header count = %d (%v), want exactly the CORS set", got, rec.Header())
	}
}

func TestProxyHandler_Handle_RelaysUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Goog-Api-Key"); got != "test-key" {
			t.Errorf("X-Goog-Api-Key = %q, want %q", got, "test-key")
		}
		if r.Header.Get("Cookie") != "" {
			t.Errorf("Cookie forwarded upstream: %q", r.Header.Get("Cookie"))
		}
		if r.URL.Query().Get("_path") != "" {
			t.Errorf("_path query param should be stripped, got %q", r.URL.Query().Get("_path"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "gemini")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models/gemini-pro:generateContent?_path=x&key=abc", http.NoBody)
	req.Header.Set("X-Goog-Api-Key", "test-key")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"candidates":[]}` {
		t.Errorf("body = %q, want %q", got, `{"candidates":[]}`)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if got := rec.Header().Get("X-Upstream"); got != "gemini" {
		t.Errorf("X-Upstream = %q, want %q", got, "gemini")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestProxyHandler_Handle_POSTStreamsBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"contents":[{"parts":[{"text":"Hello"}]}]}` {
			t.Errorf("upstream body = %q", string(body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{}}]}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:generateContent",
		strings.NewReader(`{"contents":[{"parts":[{"text":"Hello"}]}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestProxyHandler_Handle_ErrorStatusRelayedVerbatim(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Body.String(); got != `{"error":"rate limited"}` {
		t.Errorf("body = %q, want upstream body unmodified", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (error statuses are not retried)", got)
	}
}

func TestProxyHandler_Handle_BadGatewayAfterRetries(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		killConnection(t, w)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3 (initial + 2 retries)", got)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "Proxy request failed" {
		t.Errorf("error = %q, want %q", body.Error, "Proxy request failed")
	}
	if body.Message == "" {
		t.Error("message is empty, want the last attempt's error")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	var called atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called.Store(true)
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	// Pre-canceled context simulates a client that disconnected before the
	// upstream call went out.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if called.Load() {
		t.Error("upstream was called despite canceled context")
	}
}

func TestProxyHandler_Handle_EventStreamFlushes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"text\":\"Hel\"}\n\n"))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("data: {\"text\":\"lo\"}\n\n"))
	}))
	defer upstream.Close()

	h := newTestHandler(t, testConfig(upstream.URL))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-pro:streamGenerateContent?alt=sse", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := "data: {\"text\":\"Hel\"}\n\ndata: {\"text\":\"lo\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("event stream was not flushed during relay")
	}
}

// blankError has an empty message, exercising the fallback text.
type blankError struct{}

func (blankError) Error() string { return "" }

func TestProxyHandler_ErrorResponse_EmptyMessage(t *testing.T) {
	h := &ProxyHandler{
		cfg:    testConfig("https://generativelanguage.googleapis.com"),
		logger: testLogger(),
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.errorResponse(c, blankError{}); err != nil {
		t.Fatalf("errorResponse() error = %v", err)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Message != "Unknown error" {
		t.Errorf("message = %q, want %q", body.Message, "Unknown error")
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts key in URL",
			err:  `Get "https://generativelanguage.googleapis.com/v1beta/models?key=secret123&alt=sse": connection refused`,
			want: `Get "https://generativelanguage.googleapis.com/v1beta/models?key=[REDACTED]&alt=sse": connection refused`,
		},
		{
			name: "redacts key at end of URL",
			err:  `Get "https://generativelanguage.googleapis.com/v1beta/models?key=secret123": EOF`,
			want: `Get "https://generativelanguage.googleapis.com/v1beta/models?key=[REDACTED]": EOF`,
		},
		{
			name: "no key unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
