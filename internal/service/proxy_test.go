package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"api-proxy-go/internal/client"
	"api-proxy-go/internal/config"
	"api-proxy-go/internal/model"
)

// fakeUpstream records the last call and replies with a canned response.
type fakeUpstream struct {
	calls  int
	method string
	url    string
	header http.Header
	body   []byte

	resp *model.UpstreamResponse
	err  error
}

func (f *fakeUpstream) Do(_ context.Context, method, url string, header http.Header, body []byte) (*model.UpstreamResponse, error) {
	f.calls++
	f.method, f.url, f.header, f.body = method, url, header, body
	return f.resp, f.err
}

func newFakeService(t *testing.T, token string, up *fakeUpstream) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Auth:     config.AuthConfig{Token: token},
		Upstream: config.UpstreamConfig{BaseURL: "https://api.1inch.dev"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(up, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func okJSON(body string) *model.UpstreamResponse {
	return &model.UpstreamResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
	}
}

func getRequest(path string) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   path,
		Header: http.Header{},
	}
}

func TestExtractSubPath(t *testing.T) {
	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"/api/swap/v6.0/1/quote", "swap/v6.0/1/quote", true},
		{"/api//swap/v6.0/1/quote", "swap/v6.0/1/quote", true},
		{"/api///price/v1.1/1", "price/v1.1/1", true},
		{"/api/a/", "a/", true},
		{"/api", "", false},
		{"/api/", "", false},
		{"/api//", "", false},
		{"/apiary/x", "", false},
		{"/other/x", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ExtractSubPath(tt.path)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ExtractSubPath(%q) = (%q, %v), want (%q, %v)", tt.path, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		subPath string
		query   string
		want    string
	}{
		{"plain", "https://api.1inch.dev", "swap/v6.0/1/quote", "", "https://api.1inch.dev/swap/v6.0/1/quote"},
		{"leading slashes collapsed", "https://api.1inch.dev", "//swap/v6.0", "", "https://api.1inch.dev/swap/v6.0"},
		{"base trailing slash", "https://api.1inch.dev/", "swap", "", "https://api.1inch.dev/swap"},
		{"query preserved", "https://api.1inch.dev", "swap/quote", "src=0xeee&amount=10", "https://api.1inch.dev/swap/quote?src=0xeee&amount=10"},
		{"escaped path preserved", "https://api.1inch.dev", "token/a%2Fb", "", "https://api.1inch.dev/token/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, _ := url.Parse(tt.base)
			s := &ProxyService{baseURL: base}
			got := s.buildUpstreamURL(tt.subPath, tt.query)
			if got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
			if strings.Contains(strings.TrimPrefix(got, "https://"), "//") {
				t.Errorf("buildUpstreamURL() = %q contains a double slash", got)
			}
		})
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	src := http.Header{
		"Accept":          {"application/json"},
		"Accept-Encoding": {"gzip"},
		"Accept-Language": {"en-US"},
		"Content-Type":    {"application/json"},
		"Authorization":   {"Bearer caller"},
		"User-Agent":      {"curl/8"},
		"Host":            {"proxy.local"},
		"Cookie":          {"session=abc"},
		"Connection":      {"keep-alive"},
		"X-Forwarded-For": {"1.2.3.4"},
		"X-Custom-Header": {"should-be-dropped"},
	}
	// Non-canonical key as an http.Header might carry after direct map writes.
	src["host"] = []string{"proxy.local"}

	dst := filterRequestHeaders(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Accept", 1},
		{"Accept-Encoding", 1},
		{"Accept-Language", 1},
		{"Content-Type", 1},
		{"Authorization", 1},
		{"User-Agent", 1},
		{"Host", 0},
		{"Cookie", 0},
		{"Connection", 0},
		{"X-Forwarded-For", 0},
		{"X-Custom-Header", 0},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if _, ok := dst["host"]; ok {
		t.Error("lower-case host key was forwarded")
	}
	if len(dst) != 6 {
		t.Errorf("forwarded %d headers, want 6: %v", len(dst), dst)
	}
}

func TestRequestBody(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "GET drops body", method: http.MethodGet, raw: `{"a":1}`, want: ""},
		{name: "POST empty", method: http.MethodPost, raw: "", want: ""},
		{name: "POST whitespace only", method: http.MethodPost, raw: "  \n", want: ""},
		{name: "POST object compacted", method: http.MethodPost, raw: "{ \"a\" : 1 }", want: `{"a":1}`},
		{name: "PUT array", method: http.MethodPut, raw: `[1, 2]`, want: `[1,2]`},
		{name: "POST plain text rejected", method: http.MethodPost, raw: "hello", wantErr: true},
		{name: "POST truncated JSON rejected", method: http.MethodPost, raw: `{"a":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := requestBody(tt.method, []byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBody) {
					t.Fatalf("requestBody() error = %v, want ErrInvalidBody", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("requestBody() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("requestBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_InjectsCredential(t *testing.T) {
	up := &fakeUpstream{resp: okJSON(`{"a":1}`)}
	svc := newFakeService(t, "server-token", up)

	pr := getRequest("/api//swap/v6.0/1/quote")
	pr.RawQuery = "amount=1"
	pr.Header.Set("Authorization", "Bearer caller-token")
	pr.Header.Set("Accept", "application/json")
	pr.Header.Set("Host", "evil.example")

	res, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if up.url != "https://api.1inch.dev/swap/v6.0/1/quote?amount=1" {
		t.Errorf("upstream url = %q", up.url)
	}
	if got := up.header.Values("Authorization"); len(got) != 1 || got[0] != "Bearer server-token" {
		t.Errorf("Authorization = %v, want [Bearer server-token]", got)
	}
	if up.header.Get("Host") != "" {
		t.Errorf("Host forwarded: %q", up.header.Get("Host"))
	}
	if up.body != nil {
		t.Errorf("GET body = %q, want none", up.body)
	}
	if res.StatusCode != http.StatusOK || string(res.Body) != `{"a":1}` {
		t.Errorf("result = %d %q, want 200 {\"a\":1}", res.StatusCode, res.Body)
	}
	if res.Trace.RequestHeaders["Authorization"] != "Bearer [REDACTED]" {
		t.Errorf("trace Authorization = %q, want redacted", res.Trace.RequestHeaders["Authorization"])
	}
}

func TestForward_Errors(t *testing.T) {
	transportErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name       string
		token      string
		req        *model.ProxyRequest
		resp       *model.UpstreamResponse
		upErr      error
		wantErr    error
		wantStatus int
		wantCalls  int
	}{
		{
			name:      "missing credential",
			token:     "",
			req:       getRequest("/api/swap/v6.0/1/quote"),
			wantErr:   ErrMissingCredential,
			wantCalls: 0,
		},
		{
			name:      "proxy root",
			token:     "tok",
			req:       getRequest("/api/"),
			wantErr:   ErrProxyRoot,
			wantCalls: 0,
		},
		{
			name:  "non-JSON body",
			token: "tok",
			req: &model.ProxyRequest{
				Ctx: context.Background(), Method: http.MethodPost, Path: "/api/x",
				Header: http.Header{}, Body: []byte("not json"),
			},
			wantErr:   ErrInvalidBody,
			wantCalls: 0,
		},
		{
			name:  "non-200 without content length",
			token: "tok",
			req:   getRequest("/api/x"),
			resp: &model.UpstreamResponse{
				StatusCode: http.StatusNotFound, Header: http.Header{}, Body: []byte(`{"x":1}`),
			},
			wantErr:    ErrNoContent,
			wantStatus: http.StatusNotFound,
			wantCalls:  1,
		},
		{
			name:  "204 with zero content length",
			token: "tok",
			req:   getRequest("/api/x"),
			resp: &model.UpstreamResponse{
				StatusCode: http.StatusNoContent, Header: http.Header{"Content-Length": {"0"}},
			},
			wantErr:    ErrNoContent,
			wantStatus: http.StatusNoContent,
			wantCalls:  1,
		},
		{
			name:       "200 with invalid JSON",
			token:      "tok",
			req:        getRequest("/api/x"),
			resp:       okJSON("not-json"),
			wantErr:    ErrInvalidUpstreamJSON,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "200 with empty body",
			token:      "tok",
			req:        getRequest("/api/x"),
			resp:       okJSON(""),
			wantErr:    ErrInvalidUpstreamJSON,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:  "non-200 with unparseable content length and bad body",
			token: "tok",
			req:   getRequest("/api/x"),
			resp: &model.UpstreamResponse{
				StatusCode: http.StatusBadGateway, Header: http.Header{"Content-Length": {"abc"}}, Body: []byte("<html>"),
			},
			wantErr:    ErrInvalidUpstreamJSON,
			wantStatus: http.StatusBadGateway,
			wantCalls:  1,
		},
		{
			name:      "transport failure",
			token:     "tok",
			req:       getRequest("/api/x"),
			upErr:     transportErr,
			wantErr:   transportErr,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{resp: tt.resp, err: tt.upErr}
			svc := newFakeService(t, tt.token, up)

			res, err := svc.Forward(tt.req)
			if res != nil {
				t.Errorf("Forward() result = %+v, want nil", res)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Forward() error = %v, want %v", err, tt.wantErr)
			}
			var fe *ForwardError
			if !errors.As(err, &fe) {
				t.Fatalf("Forward() error %T is not a *ForwardError", err)
			}
			if fe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.wantStatus)
			}
			if fe.Trace == nil {
				t.Error("Trace is nil")
			}
			if up.calls != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", up.calls, tt.wantCalls)
			}
		})
	}
}

func TestForward_NonStandardStatusWithJSON(t *testing.T) {
	up := &fakeUpstream{resp: &model.UpstreamResponse{
		StatusCode: http.StatusBadRequest,
		Header:     http.Header{"Content-Length": {"22"}},
		Body:       []byte(`{"error":"bad amount"}`),
	}}
	svc := newFakeService(t, "tok", up)

	res, err := svc.Forward(getRequest("/api/swap"))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if string(res.Body) != `{"error":"bad amount"}` {
		t.Errorf("Body = %q", res.Body)
	}
}

func TestForward_PostBodyForwarded(t *testing.T) {
	up := &fakeUpstream{resp: okJSON(`{}`)}
	svc := newFakeService(t, "tok", up)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/api/fusion/order",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte("{\n  \"amount\": \"10\"\n}"),
	}
	if _, err := svc.Forward(pr); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if up.method != http.MethodPost {
		t.Errorf("method = %q, want POST", up.method)
	}
	if string(up.body) != `{"amount":"10"}` {
		t.Errorf("body = %q, want compacted JSON", up.body)
	}
	if up.header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", up.header.Get("Content-Type"))
	}
}

func TestForward_NoCaching(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"42"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Auth: config.AuthConfig{Token: "tok"},
		Upstream: config.UpstreamConfig{
			BaseURL:         srv.URL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyServiceForTest(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyServiceForTest: %v", err)
	}

	var bodies []string
	for range 2 {
		res, err := svc.Forward(getRequest("/api/price/v1.1/1"))
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		bodies = append(bodies, string(res.Body))
	}

	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", hits.Load())
	}
	if bodies[0] != bodies[1] {
		t.Errorf("responses differ: %q vs %q", bodies[0], bodies[1])
	}
}

func TestNewProxyService_Allowlist(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"fixed upstream accepted", "https://api.1inch.dev", false},
		{"other host rejected", "https://evil.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Upstream: config.UpstreamConfig{BaseURL: tt.baseURL}}
			svc, err := NewProxyService(nil, cfg, logger)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewProxyService() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewProxyService() error = %v", err)
			}
			if svc == nil {
				t.Fatal("NewProxyService() returned nil service")
			}
		})
	}
}
