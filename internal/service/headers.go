package service

import (
	"net/http"
	"strings"
)

// CORS values emitted by the proxy.
const (
	apiMethods    = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	avatarMethods = "GET, OPTIONS"

	defaultContentType = "application/octet-stream"
	noStore            = "no-cache, no-store, must-revalidate"
)

// strippedRequestHeaders are recomputed by the transport and never forwarded verbatim.
var strippedRequestHeaders = map[string]bool{
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
}

// hopByHopResponseHeaders describe the upstream connection, not the payload.
var hopByHopResponseHeaders = map[string]bool{
	"Connection":         true,
	"Keep-Alive":         true,
	"Proxy-Authenticate": true,
	"Te":                 true,
	"Trailer":            true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
}

// outboundHeaders copies the client's headers for the upstream, minus the
// transport-owned ones, and presents the public site's identity.
func outboundHeaders(src http.Header, upstreamHost string, s Settings) http.Header {
	dst := make(http.Header, len(src)+3)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if strippedRequestHeaders[ck] {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	dst.Set("Host", upstreamHost)
	dst.Set("Origin", s.SiteOrigin)
	dst.Set("Referer", s.SiteReferer)
	return dst
}

// corsHeaders returns the permissive CORS policy for a route's verb list.
func corsHeaders(methods string) http.Header {
	return http.Header{
		"Access-Control-Allow-Origin":  {"*"},
		"Access-Control-Allow-Methods": {methods},
		"Access-Control-Allow-Headers": {"*"},
	}
}

// apiResponseHeaders replaces the upstream's CORS policy with ours and keeps
// everything else.
func apiResponseHeaders(src http.Header) http.Header {
	dst := corsHeaders(apiMethods)
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if strings.HasPrefix(strings.ToLower(ck), "access-control") || hopByHopResponseHeaders[ck] {
			continue
		}
		dst[ck] = append(dst[ck], vals...)
	}
	return dst
}

// resolveContentType returns the upstream Content-Type or the octet-stream default.
func resolveContentType(src http.Header) string {
	if ct := src.Get("Content-Type"); ct != "" {
		return ct
	}
	return defaultContentType
}

// avatarResponseHeaders is the complete header set for avatar responses.
func avatarResponseHeaders(contentType string) http.Header {
	return http.Header{
		"Access-Control-Allow-Origin": {"*"},
		"Content-Type":                {contentType},
		"Cache-Control":               {noStore},
	}
}
