// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// Route identifies which upstream family a request belongs to.
type Route string

const (
	RouteAPI    Route = "api"
	RouteAvatar Route = "avatar"
)

// Path prefixes the proxy is mounted under. Injected page scripts advertise
// these same values as their asset and API bases.
const (
	APIPrefix    = "/api-proxy/"
	AvatarPrefix = "/avatar-proxy/"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Route  Route
	Method string
	// Path is the remainder after the route prefix, without a leading slash.
	Path string
	// RawQuery is forwarded verbatim, never re-encoded.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// UpstreamTarget is the absolute URL a ProxyRequest resolves to.
type UpstreamTarget struct {
	URL  string
	Host string
	// Path is the upstream path without query, used for suffix sniffing.
	Path string
}

// ProxyResponse represents the response to be emitted to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Buffered is set when Body was fully materialized (decoded and/or rewritten).
	Buffered bool
}
