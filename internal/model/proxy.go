// Package model defines shared types for the proxy.
package model

import (
	"context"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Body is the fully read inbound body; it is ignored for GET.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// UpstreamResponse is an upstream reply whose body has already been read
// and closed.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ProxyResult is what the proxy relays to the caller on success: the
// upstream status and a body known to be valid JSON.
type ProxyResult struct {
	StatusCode int
	Body       []byte
	Trace      *Trace
}

// Trace records how one request was forwarded. It is rendered to callers
// only in debug mode and never holds the upstream credential.
type Trace struct {
	ProxyPath        string            `json:"proxyPath,omitempty"`
	TargetURL        string            `json:"targetUrl,omitempty"`
	RequestHeaders   map[string]string `json:"requestHeaders,omitempty"`
	ResponseStatus   int               `json:"responseStatus,omitempty"`
	Non200ContentLen string            `json:"non200ContentLength,omitempty"`
	JSONParseError   string            `json:"jsonParseError,omitempty"`
	RawResponseBody  string            `json:"rawResponseBody,omitempty"`
	ForwardingError  string            `json:"forwardingError,omitempty"`
	Error            string            `json:"error,omitempty"`
}
