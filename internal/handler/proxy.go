package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"api-proxy-go/internal/client"
	"api-proxy-go/internal/config"
	"api-proxy-go/internal/metrics"
	"api-proxy-go/internal/model"
	"api-proxy-go/internal/service"
)

// Messages returned in {"error": ...} bodies.
const (
	msgMissingCredential = "API_AUTH_TOKEN is missing from env"
	msgInvalidBody       = "Request body must be valid JSON"
	msgNoContent         = "No content returned"
	msgInvalidJSON       = "Invalid JSON from upstream"
	msgInternal          = "Internal Server Error"
)

const msgProxyRoot = "This is just the root path of the proxy! It doesn't do anything on its own. " +
	"You need to append the path of the 1inch API you want to talk to"

// bearerPattern matches bearer credentials that may surface in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s",]+`)

// ProxyHandler forwards API requests to the upstream API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
	debug   bool

	// credentialWarn throttles the missing-credential log line, which
	// otherwise fires on every request until the process is reconfigured.
	credentialWarn *rate.Sometimes
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:        svc,
		logger:         logger.With("component", "proxy_handler"),
		metrics:        m,
		debug:          cfg.Proxy.Debug,
		credentialWarn: &rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Handle proxies the request to the upstream API and relays the classified
// response. Pre-flight requests never get here; the CORS middleware answers
// them.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	var body []byte
	if req.Method != http.MethodGet && req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				// BodyLimit rejected the request.
				return he
			}
			return h.mapError(c, err)
		}
		body = b
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     body,
	}

	res, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	if res.StatusCode == http.StatusOK {
		h.metrics.RecordOutcome(metrics.OutcomeUpstreamOK)
	} else {
		h.metrics.RecordOutcome(metrics.OutcomeUpstreamJSON)
	}
	h.logger.Debug("relayed upstream response",
		"status", res.StatusCode,
		"target", res.Trace.TargetURL,
		"bytes", len(res.Body),
	)
	return c.JSONBlob(res.StatusCode, res.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	var fe *service.ForwardError
	errors.As(err, &fe)
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrMissingCredential):
		h.metrics.RecordOutcome(metrics.OutcomeConfigInvalid)
		h.credentialWarn.Do(func() {
			h.logger.Error("upstream credential not configured; set API_AUTH_TOKEN", "path", path)
		})
		return h.respond(c, http.StatusInternalServerError, msgMissingCredential, fe)

	case errors.Is(err, service.ErrProxyRoot):
		h.metrics.RecordOutcome(metrics.OutcomePathInvalid)
		return h.respond(c, http.StatusBadRequest, msgProxyRoot, fe)

	case errors.Is(err, service.ErrInvalidBody):
		h.metrics.RecordOutcome(metrics.OutcomeBodyInvalid)
		h.logger.Info("rejected non-JSON request body", "path", path, "err", err)
		return h.respond(c, http.StatusBadRequest, msgInvalidBody, fe)

	case errors.Is(err, service.ErrNoContent):
		h.metrics.RecordOutcome(metrics.OutcomeUpstreamEmpty)
		return h.respond(c, fe.StatusCode, msgNoContent, fe)

	case errors.Is(err, service.ErrInvalidUpstreamJSON):
		h.metrics.RecordOutcome(metrics.OutcomeUpstreamBadJSON)
		h.logger.Warn("upstream returned invalid JSON",
			"path", path,
			"upstream_status", fe.StatusCode,
		)
		return h.respond(c, http.StatusInternalServerError, msgInvalidJSON, fe)
	}

	h.metrics.RecordOutcome(metrics.OutcomeError)
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"cause", transportCause(err),
		"path", path,
	)
	if fe != nil && fe.Trace != nil {
		fe.Trace.ForwardingError = sanitizeError(err)
	}
	return h.respond(c, http.StatusInternalServerError, msgInternal, fe)
}

// respond writes {"error": msg}, adding the request trace in debug mode.
// Statuses that forbid a body get the status line alone.
func (h *ProxyHandler) respond(c echo.Context, status int, msg string, fe *service.ForwardError) error {
	if !bodyAllowedForStatus(status) {
		return c.NoContent(status)
	}
	body := map[string]any{"error": msg}
	if h.debug && fe != nil && fe.Trace != nil {
		body["debug"] = fe.Trace
	}
	return c.JSON(status, body)
}

// bodyAllowedForStatus mirrors the net/http rule for responses that must
// not carry a body.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// transportCause returns a bounded label describing why the upstream call failed.
func transportCause(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, client.ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, client.ErrUnsupportedEncoding):
		return "unsupported_encoding"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &urlErr):
		return "connection"
	}
	return "unknown"
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
