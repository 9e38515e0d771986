package handler

import (
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/service"
)

// keyPattern matches key query parameter values in URLs embedded in error
// messages. The Gemini API carries credentials as ?key=, and upstream errors
// quote the full request URL.
var keyPattern = regexp.MustCompile(`(?i)(key=)[^&\s"]+`)

// errorBody is the fixed JSON shape returned when forwarding fails.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ProxyHandler forwards API requests to the upstream Gemini API.
type ProxyHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream Gemini API and streams the
// response back. Every request ends in exactly one of three outcomes: a
// preflight short-circuit, a relayed upstream response, or a 502 error body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return h.preflight(c)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.errorResponse(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	h.relayBody(c, resp)
	return nil
}

// preflight answers an OPTIONS probe with the permissive cross-origin set and
// no body; no upstream call is made.
func (h *ProxyHandler) preflight(c echo.Context) error {
	h.setCORSHeaders(c.Response().Header())
	return c.NoContent(http.StatusOK)
}

// relayBody streams the upstream body to the client. Event streams are
// flushed chunk by chunk so incremental generation output is delivered as it
// arrives instead of sitting in the server's write buffer.
func (h *ProxyHandler) relayBody(c echo.Context, resp *model.ProxyResponse) {
	if isEventStream(resp.Header) {
		h.relayEventStream(c, resp.Body)
		return
	}

	// The status line is already committed when a mid-stream error shows up,
	// so the client sees a truncated response with the original status; all
	// we can do is log it.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}

func (h *ProxyHandler) relayEventStream(c echo.Context, body io.Reader) {
	w := c.Response()
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Error("writing event stream",
					"err", werr,
					"path", c.Request().URL.Path,
				)
				return
			}
			w.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Error("streaming event stream",
					"err", err,
					"path", c.Request().URL.Path,
				)
			}
			return
		}
	}
}

// errorResponse terminates a failed forward with the fixed 502 shape. The
// status is always 502: by the time forwarding fails the retries are spent,
// and whatever went wrong is an upstream problem from the caller's view.
func (h *ProxyHandler) errorResponse(c echo.Context, err error) error {
	msg := sanitizeError(err)
	if msg == "" {
		msg = "Unknown error"
	}

	h.logger.Error("proxy request failed",
		"err", msg,
		"path", c.Request().URL.Path,
	)

	h.setCORSHeaders(c.Response().Header())
	return c.JSON(http.StatusBadGateway, errorBody{
		Error:   "Proxy request failed",
		Message: msg,
	})
}

func (h *ProxyHandler) setCORSHeaders(header http.Header) {
	header.Set("Access-Control-Allow-Origin", h.cfg.CORS.AllowOrigin)
	header.Set("Access-Control-Allow-Methods", h.cfg.CORS.AllowMethods)
	header.Set("Access-Control-Allow-Headers", h.cfg.CORS.AllowHeaders)
}

func isEventStream(header http.Header) bool {
	return strings.HasPrefix(header.Get("Content-Type"), "text/event-stream")
}

// sanitizeError redacts API keys from error messages that may contain
// upstream URLs.
func sanitizeError(err error) string {
	return keyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
