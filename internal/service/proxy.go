// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"api-proxy-go/internal/config"
	"api-proxy-go/internal/model"
)

// RoutePrefix is the inbound path segment stripped before forwarding.
const RoutePrefix = "/api"

// Errors returned by Forward, always wrapped in a *ForwardError.
var (
	ErrMissingCredential   = errors.New("API_AUTH_TOKEN is missing from env")
	ErrProxyRoot           = errors.New("proxy root path carries no upstream route")
	ErrInvalidBody         = errors.New("request body is not valid JSON")
	ErrNoContent           = errors.New("no content returned")
	ErrInvalidUpstreamJSON = errors.New("invalid JSON from upstream")
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.1inch.dev": true,
}

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Host never appears here: the upstream must not see the proxy's own host.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"Authorization",
	"User-Agent",
}

// Upstream performs a single buffered upstream call.
type Upstream interface {
	Do(ctx context.Context, method, url string, header http.Header, body []byte) (*model.UpstreamResponse, error)
}

// ForwardError carries the classification of a failed forward together with
// the upstream status (when one was received) and the request trace.
type ForwardError struct {
	StatusCode int
	Trace      *model.Trace
	Err        error
}

func (e *ForwardError) Error() string { return e.Err.Error() }
func (e *ForwardError) Unwrap() error { return e.Err }

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	upstream Upstream
	cfg      *config.Config
	logger   *slog.Logger
	baseURL  *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(u Upstream, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	base, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if !allowedUpstreamHosts[base.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", base.Hostname())
	}
	return newProxyService(u, cfg, logger, base), nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(u Upstream, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	base, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return newProxyService(u, cfg, logger, base), nil
}

func newProxyService(u Upstream, cfg *config.Config, logger *slog.Logger, base *url.URL) *ProxyService {
	return &ProxyService{
		upstream: u,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		baseURL:  base,
	}
}

// Forward sends a ProxyRequest to the upstream API and classifies the reply.
// On success the result body is the upstream JSON, byte for byte. Every
// failure is a *ForwardError wrapping one of the package sentinels or, for
// transport failures, the underlying error.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResult, error) {
	trace := &model.Trace{}

	token := s.cfg.Auth.Token
	if token == "" {
		return nil, &ForwardError{Trace: trace, Err: ErrMissingCredential}
	}

	subPath, ok := ExtractSubPath(pr.Path)
	trace.ProxyPath = subPath
	if !ok {
		trace.Error = "Proxy root path hit, returning error."
		return nil, &ForwardError{Trace: trace, Err: ErrProxyRoot}
	}

	target := s.buildUpstreamURL(subPath, pr.RawQuery)
	trace.TargetURL = target

	header := filterRequestHeaders(pr.Header)
	header.Set("Authorization", "Bearer "+token)
	trace.RequestHeaders = redactedHeaders(header)

	body, err := requestBody(pr.Method, pr.Body)
	if err != nil {
		return nil, &ForwardError{Trace: trace, Err: err}
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", subPath,
	)

	resp, err := s.upstream.Do(pr.Ctx, pr.Method, target, header, body)
	if err != nil {
		trace.ForwardingError = err.Error()
		return nil, &ForwardError{Trace: trace, Err: fmt.Errorf("forward to upstream: %w", err)}
	}
	trace.ResponseStatus = resp.StatusCode

	return classify(resp, trace)
}

// classify turns a buffered upstream response into a relayable result.
func classify(resp *model.UpstreamResponse, trace *model.Trace) (*model.ProxyResult, error) {
	if resp.StatusCode != http.StatusOK {
		cl := resp.Header.Get("Content-Length")
		trace.Non200ContentLen = cl
		if cl == "" {
			return nil, &ForwardError{StatusCode: resp.StatusCode, Trace: trace, Err: ErrNoContent}
		}
		// A Content-Length that does not parse is not proof of emptiness;
		// fall through and let the JSON check decide.
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n == 0 {
			return nil, &ForwardError{StatusCode: resp.StatusCode, Trace: trace, Err: ErrNoContent}
		}
	}

	if err := checkJSON(resp.Body); err != nil {
		trace.JSONParseError = err.Error()
		trace.RawResponseBody = string(resp.Body)
		return nil, &ForwardError{StatusCode: resp.StatusCode, Trace: trace, Err: ErrInvalidUpstreamJSON}
	}

	return &model.ProxyResult{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Trace:      trace,
	}, nil
}

// ExtractSubPath strips RoutePrefix and every leading slash from path.
// It reports false when nothing routable remains.
func ExtractSubPath(path string) (string, bool) {
	rest, found := strings.CutPrefix(path, RoutePrefix)
	if !found || (rest != "" && rest[0] != '/') {
		// Not under the prefix ("/apiary" is not "/api/ary").
		return "", false
	}
	rest = strings.TrimLeft(rest, "/")
	return rest, rest != ""
}

// buildUpstreamURL joins the upstream origin and sub-path with exactly one
// slash and carries over the inbound query string untouched.
func (s *ProxyService) buildUpstreamURL(subPath, rawQuery string) string {
	target := s.baseURL.Scheme + "://" + s.baseURL.Host + "/" + strings.TrimLeft(subPath, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// filterRequestHeaders copies only the allow-listed headers. http.Header
// keys are canonical, so the match is case-insensitive.
func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(forwardableRequestHeaders)+1)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	return dst
}

// requestBody returns the bytes to send upstream. GET never carries a body;
// other methods accept only JSON, forwarded compacted.
func requestBody(method string, raw []byte) ([]byte, error) {
	if method == http.MethodGet {
		return nil, nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return buf.Bytes(), nil
}

// checkJSON reports whether data is a single well-formed JSON value.
func checkJSON(data []byte) error {
	var v json.RawMessage
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return nil
}

func redactedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if k == "Authorization" {
			out[k] = "Bearer [REDACTED]"
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}
