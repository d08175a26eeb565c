package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"site-gateway-go/internal/client"
	"site-gateway-go/internal/config"
	"site-gateway-go/internal/decode"
	"site-gateway-go/internal/metrics"
	"site-gateway-go/internal/model"
)

const (
	testSiteOrigin  = "https://visitqatar.com"
	testSiteReferer = "https://visitqatar.com/"
)

// newTestDispatcher points both routes at the given httptest upstreams.
func newTestDispatcher(t *testing.T, apiURL, cdnURL string, maxBuffer int64) *Dispatcher {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			APIBaseURL:      apiURL,
			CDNBaseURL:      cdnURL,
			CDNPathPrefix:   "/built-frontend/",
			SiteOrigin:      testSiteOrigin,
			SiteReferer:     testSiteReferer,
			TimeoutSeconds:  5,
			IdleConnections: 10,
			MaxBufferBytes:  maxBuffer,
		},
	}
	settings, err := NewSettings(cfg, "")
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(client.NewUpstreamClient(cfg, logger, nil), settings, logger, metrics.New())
}

func compress(t *testing.T, encoding string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch encoding {
	case decode.Gzip:
		w = gzip.NewWriter(&buf)
	case decode.Deflate:
		w = zlib.NewWriter(&buf)
	case decode.Brotli:
		w = brotli.NewWriter(&buf)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bodyString(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestOutboundHeaders(t *testing.T) {
	s := Settings{SiteOrigin: testSiteOrigin, SiteReferer: testSiteReferer}
	src := http.Header{
		"Accept":          {"application/json"},
		"Content-Type":    {"application/json"},
		"Authorization":   {"Bearer token"},
		"Connection":      {"keep-alive"},
		"Content-Length":  {"999"},
		"Host":            {"localhost:3000"},
		"Origin":          {"http://localhost:3000"},
		"Referer":         {"http://localhost:3000/page"},
		"content-length":  {"12"},
		"x-custom-header": {"kept"},
	}

	dst := outboundHeaders(src, "api.example.net", s)

	tests := []struct {
		name string
		key  string
		want []string
	}{
		{"Accept forwarded", "Accept", []string{"application/json"}},
		{"Authorization forwarded", "Authorization", []string{"Bearer token"}},
		{"lowercase key forwarded canonical", "X-Custom-Header", []string{"kept"}},
		{"Connection stripped", "Connection", nil},
		{"Content-Length stripped in any case", "Content-Length", nil},
		{"Host impersonated", "Host", []string{"api.example.net"}},
		{"Origin impersonated", "Origin", []string{testSiteOrigin}},
		{"Referer impersonated", "Referer", []string{testSiteReferer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dst.Values(tt.key)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("header %q = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	if src.Get("Host") != "localhost:3000" {
		t.Error("outboundHeaders must not mutate its input")
	}
}

func TestAPIResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":                     {"application/json"},
		"Set-Cookie":                       {"a=1", "b=2"},
		"Access-Control-Allow-Origin":      {"https://visitqatar.com"},
		"Access-Control-Allow-Credentials": {"true"},
		"access-control-expose-headers":    {"X-Thing"},
		"Transfer-Encoding":                {"chunked"},
		"Connection":                       {"close"},
	}

	dst := apiResponseHeaders(src)

	if got := dst.Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want [*]", got)
	}
	if got := dst.Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, PATCH, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if got := dst.Get("Access-Control-Allow-Headers"); got != "*" {
		t.Errorf("Access-Control-Allow-Headers = %q, want *", got)
	}
	for _, key := range []string{"Access-Control-Allow-Credentials", "Access-Control-Expose-Headers", "Transfer-Encoding", "Connection"} {
		if v := dst.Values(key); len(v) != 0 {
			t.Errorf("%s should be stripped, got %q", key, v)
		}
	}
	if got := dst.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %q, want both values", got)
	}
	if dst.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", dst.Get("Content-Type"))
	}
}

func TestResolve(t *testing.T) {
	d := newTestDispatcher(t, "https://api.example.net", "https://cdn.example.net", 0)

	tests := []struct {
		name     string
		pr       model.ProxyRequest
		wantURL  string
		wantHost string
		wantPath string
	}{
		{
			name:     "api with query",
			pr:       model.ProxyRequest{Route: model.RouteAPI, Path: "chat/v1/messages", RawQuery: "lang=en&x=%2F"},
			wantURL:  "https://api.example.net/chat/v1/messages?lang=en&x=%2F",
			wantHost: "api.example.net",
			wantPath: "/chat/v1/messages",
		},
		{
			name:     "api empty remainder",
			pr:       model.ProxyRequest{Route: model.RouteAPI},
			wantURL:  "https://api.example.net/",
			wantHost: "api.example.net",
			wantPath: "/",
		},
		{
			name:     "avatar keeps encoded path",
			pr:       model.ProxyRequest{Route: model.RouteAvatar, Path: "assets/a%20b.js", RawQuery: "nocache=true&v=1"},
			wantURL:  "https://cdn.example.net/built-frontend/assets/a%20b.js?nocache=true&v=1",
			wantHost: "cdn.example.net",
			wantPath: "/built-frontend/assets/a%20b.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Resolve(&tt.pr)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL, tt.wantURL)
			}
			if got.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", got.Host, tt.wantHost)
			}
			if got.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", got.Path, tt.wantPath)
			}
		})
	}

	if _, err := d.Resolve(&model.ProxyRequest{Route: "static"}); !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownRoute", err)
	}
}

func TestHandle_Preflight(t *testing.T) {
	// Unroutable upstreams: a preflight must never dial.
	d := newTestDispatcher(t, "https://127.0.0.1:1", "https://127.0.0.1:1", 0)

	tests := []struct {
		route   model.Route
		path    string
		methods string
	}{
		{model.RouteAPI, "anything", "GET, POST, PUT, DELETE, PATCH, OPTIONS"},
		{model.RouteAPI, "", "GET, POST, PUT, DELETE, PATCH, OPTIONS"},
		{model.RouteAvatar, "assets/index.js", "GET, OPTIONS"},
	}

	for _, tt := range tests {
		t.Run(string(tt.route)+"/"+tt.path, func(t *testing.T) {
			resp, err := d.Handle(&model.ProxyRequest{
				Ctx:    context.Background(),
				Route:  tt.route,
				Method: http.MethodOptions,
				Path:   tt.path,
				Header: http.Header{},
			})
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
			}
			if body := bodyString(t, resp); body != "" {
				t.Errorf("body = %q, want empty", body)
			}
			if got := resp.Header.Get("Access-Control-Allow-Methods"); got != tt.methods {
				t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, tt.methods)
			}
			if resp.Header.Get("Access-Control-Allow-Origin") != "*" || resp.Header.Get("Access-Control-Allow-Headers") != "*" {
				t.Errorf("CORS headers = %v, want * origin and headers", resp.Header)
			}
		})
	}
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	d := newTestDispatcher(t, "https://127.0.0.1:1", "https://127.0.0.1:1", 0)

	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodPost,
		Path:   "x.js",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("StatusCode = %d, want 405", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != "GET, OPTIONS" {
		t.Errorf("Allow = %q, want %q", resp.Header.Get("Allow"), "GET, OPTIONS")
	}
}

func TestHandle_APIPost(t *testing.T) {
	const payload = `{"message":"hello","lang":"ar"}`
	var upstreamHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/submit" || r.URL.RawQuery != "a=1&b=%20" {
			t.Errorf("url = %q, want /submit?a=1&b=%%20", r.URL.String())
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != payload {
			t.Errorf("body = %q, want %q", body, payload)
		}
		if r.ContentLength != int64(len(payload)) {
			t.Errorf("ContentLength = %d, want %d", r.ContentLength, len(payload))
		}
		if r.Host != upstreamHost {
			t.Errorf("Host = %q, want %q", r.Host, upstreamHost)
		}
		if r.Header.Get("Origin") != testSiteOrigin {
			t.Errorf("Origin = %q, want %q", r.Header.Get("Origin"), testSiteOrigin)
		}
		if r.Header.Get("Referer") != testSiteReferer {
			t.Errorf("Referer = %q, want %q", r.Header.Get("Referer"), testSiteReferer)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "sub" {
			t.Errorf("custom header not forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://visitqatar.com")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()
	upstreamHost = strings.TrimPrefix(upstream.URL, "http://")

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:      context.Background(),
		Route:    model.RouteAPI,
		Method:   http.MethodPost,
		Path:     "submit",
		RawQuery: "a=1&b=%20",
		Header: http.Header{
			"Content-Type":              {"application/json"},
			"Content-Length":            {"4096"},
			"Origin":                    {"http://localhost:3000"},
			"Ocp-Apim-Subscription-Key": {"sub"},
		},
		Body: io.NopCloser(strings.NewReader(payload)),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.Buffered {
		t.Error("API responses are streamed, want Buffered = false")
	}
	if got := resp.Header.Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want [*]", got)
	}
	if body := bodyString(t, resp); body != `{"ok":true}` {
		t.Errorf("body = %q, want %q", body, `{"ok":true}`)
	}
}

func TestHandle_APIPassesEncodedBodyThrough(t *testing.T) {
	gz := compress(t, decode.Gzip, []byte(`{"a":1}`))
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(gz)
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAPI,
		Method: http.MethodGet,
		Path:   "data",
		Header: http.Header{"Accept-Encoding": {"gzip"}},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	if body := bodyString(t, resp); body != string(gz) {
		t.Error("API body must be passed through byte for byte")
	}
}

func TestHandle_BodyReadErrorForwardsWithoutBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("body = %q, want empty", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAPI,
		Method: http.MethodDelete,
		Path:   "item/1",
		Header: http.Header{},
		Body:   io.NopCloser(errReader{}),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("body already consumed") }

func TestHandle_AvatarDecodes(t *testing.T) {
	const css = `.avatar{background:url(img/bg.png)}`
	for _, enc := range []string{decode.Gzip, decode.Deflate, decode.Brotli} {
		t.Run(enc, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept-Encoding") != decode.AcceptEncoding {
					t.Errorf("Accept-Encoding = %q, want %q", r.Header.Get("Accept-Encoding"), decode.AcceptEncoding)
				}
				w.Header().Set("Content-Type", "text/css")
				w.Header().Set("Content-Encoding", enc)
				_, _ = w.Write(compress(t, enc, []byte(css)))
			}))
			defer upstream.Close()

			d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
			resp, err := d.Handle(&model.ProxyRequest{
				Ctx:    context.Background(),
				Route:  model.RouteAvatar,
				Method: http.MethodGet,
				Path:   "assets/index.css",
				Header: http.Header{"Accept-Encoding": {"zstd"}},
			})
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if !resp.Buffered {
				t.Error("decoded responses are buffered, want Buffered = true")
			}
			if resp.Header.Get("Content-Encoding") != "" {
				t.Errorf("Content-Encoding = %q, want none after decoding", resp.Header.Get("Content-Encoding"))
			}
			if body := bodyString(t, resp); body != css {
				t.Errorf("body = %q, want %q", body, css)
			}
		})
	}
}

func TestHandle_AvatarScriptScenario(t *testing.T) {
	var cdnOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/built-frontend/app.js" {
			t.Errorf("path = %q, want /built-frontend/app.js", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Cache-Control", "public, max-age=31536000")
		w.Header().Set("Access-Control-Allow-Origin", "https://visitqatar.com")
		_, _ = w.Write(compress(t, decode.Gzip, []byte(cdnOrigin+"/built-frontend/x.js")))
	}))
	defer upstream.Close()
	cdnOrigin = upstream.URL

	d := newTestDispatcher(t, "https://api.example.net", upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodGet,
		Path:   "app.js",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	body := bodyString(t, resp)
	if body != "/avatar-proxy/x.js" {
		t.Errorf("body = %q, want %q", body, "/avatar-proxy/x.js")
	}
	want := map[string]string{
		"Content-Type":                "text/javascript",
		"Cache-Control":               "no-cache, no-store, must-revalidate",
		"Access-Control-Allow-Origin": "*",
		"Content-Length":              "18",
	}
	for k, v := range want {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestHandle_AvatarRewritesBySuffixAndKeepsStatus(t *testing.T) {
	var cdnOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`fetch("https://api.example.net/v1/chat");import("` + cdnOrigin + `/built-frontend/a.js")`))
	}))
	defer upstream.Close()
	cdnOrigin = upstream.URL

	d := newTestDispatcher(t, "https://api.example.net", upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:      context.Background(),
		Route:    model.RouteAvatar,
		Method:   http.MethodGet,
		Path:     "chunk.js",
		RawQuery: "nocache=true",
		Header:   http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want upstream 404", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want octet-stream default", resp.Header.Get("Content-Type"))
	}
	if body := bodyString(t, resp); body != `fetch("/api-proxy/v1/chat");import("/avatar-proxy/a.js")` {
		t.Errorf("body = %q", body)
	}
}

func TestHandle_AvatarStreamsBinary(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n binary")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodGet,
		Path:   "img/logo.png",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Buffered {
		t.Error("identity binary should be streamed, want Buffered = false")
	}
	if resp.Header.Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Errorf("Cache-Control = %q", resp.Header.Get("Cache-Control"))
	}
	if body := bodyString(t, resp); body != string(png) {
		t.Errorf("body = %q, want %q", body, png)
	}
}

func TestHandle_AvatarUnsupportedEncodingPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write([]byte("opaque"))
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodGet,
		Path:   "app.js",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Header.Get("Content-Encoding") != "zstd" {
		t.Errorf("Content-Encoding = %q, want zstd preserved", resp.Header.Get("Content-Encoding"))
	}
	if body := bodyString(t, resp); body != "opaque" {
		t.Errorf("body = %q, want untouched", body)
	}
}

func TestHandle_AvatarDecodeError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("this is not gzip"))
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodGet,
		Path:   "app.js",
		Header: http.Header{},
	})
	if err == nil {
		_ = resp.Body.Close()
		t.Fatal("Handle() expected decode error, got nil")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %T, want *UpstreamError", err)
	}
	if ue.Kind != KindDecode {
		t.Errorf("Kind = %q, want %q", ue.Kind, KindDecode)
	}
}

func TestHandle_AvatarOverflowStreamsWithoutRewrite(t *testing.T) {
	var cdnOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(compress(t, decode.Brotli, []byte(strings.Repeat(cdnOrigin+"/built-frontend/", 10))))
	}))
	defer upstream.Close()
	cdnOrigin = upstream.URL

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 64)
	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAvatar,
		Method: http.MethodGet,
		Path:   "big.js",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Buffered {
		t.Error("oversized body should be streamed, want Buffered = false")
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Errorf("Content-Length = %q, want unset for streamed body", resp.Header.Get("Content-Length"))
	}
	want := strings.Repeat(cdnOrigin+"/built-frontend/", 10)
	if body := bodyString(t, resp); body != want {
		t.Errorf("body length = %d, want decoded but unrewritten %d bytes", len(body), len(want))
	}
}

func TestHandle_ConnectionRefused(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	refused := upstream.URL
	upstream.Close()

	d := newTestDispatcher(t, refused, refused, 0)
	_, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAPI,
		Method: http.MethodGet,
		Path:   "ping",
		Header: http.Header{},
	})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Kind != KindConnection {
		t.Errorf("Kind = %q, want %q", ue.Kind, KindConnection)
	}
	if ue.Error() == "" {
		t.Error("expected a failure reason in the error message")
	}
}

func TestHandle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Handle(&model.ProxyRequest{
		Ctx:    ctx,
		Route:  model.RouteAPI,
		Method: http.MethodGet,
		Path:   "slow",
		Header: http.Header{},
	})
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Kind != KindCanceled {
		t.Errorf("Kind = %q, want %q", ue.Kind, KindCanceled)
	}
}

func TestHandle_UnknownRoute(t *testing.T) {
	d := newTestDispatcher(t, "https://api.example.net", "https://cdn.example.net", 0)
	_, err := d.Handle(&model.ProxyRequest{Ctx: context.Background(), Route: "static", Method: http.MethodGet})
	if !errors.Is(err, ErrUnknownRoute) {
		t.Errorf("error = %v, want ErrUnknownRoute", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"decode", &decode.Error{Encoding: "br", Err: io.ErrUnexpectedEOF}, KindDecode},
		{"wrapped deadline", errors.Join(errors.New("x"), context.DeadlineExceeded), KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("connection refused"), KindConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewSettings_RewriteRules(t *testing.T) {
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		APIBaseURL:    "https://api.example.net",
		CDNBaseURL:    "https://cdn.example.net",
		CDNPathPrefix: "/built-frontend/",
	}}

	tests := []struct {
		basePath   string
		wantAPI    string
		wantAvatar string
	}{
		{"", "/api-proxy", "/avatar-proxy/"},
		{"/api", "/api/api-proxy", "/api/avatar-proxy/"},
	}
	for _, tt := range tests {
		t.Run("base="+tt.basePath, func(t *testing.T) {
			s, err := NewSettings(cfg, tt.basePath)
			if err != nil {
				t.Fatalf("NewSettings() error = %v", err)
			}
			rules := s.Rewriter.Rules()
			if len(rules) != 2 {
				t.Fatalf("len(rules) = %d, want 2", len(rules))
			}
			if rules[0].Origin != "https://api.example.net" || rules[0].Prefix != tt.wantAPI {
				t.Errorf("api rule = %+v, want prefix %q", rules[0], tt.wantAPI)
			}
			if rules[1].Origin != "https://cdn.example.net/built-frontend/" || rules[1].Prefix != tt.wantAvatar {
				t.Errorf("avatar rule = %+v, want prefix %q", rules[1], tt.wantAvatar)
			}
		})
	}
}

func TestHandle_BodyOverLimit(t *testing.T) {
	var called bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	d := newTestDispatcher(t, upstream.URL, upstream.URL, 0)
	d.settings.MaxBodyBytes = 8

	resp, err := d.Handle(&model.ProxyRequest{
		Ctx:    context.Background(),
		Route:  model.RouteAPI,
		Method: http.MethodPatch,
		Path:   "profile",
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader("much more than eight bytes")),
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "GET, POST, PUT, DELETE, PATCH, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if body := bodyString(t, resp); !strings.Contains(body, "8 bytes") {
		t.Errorf("body = %q, want the limit named", body)
	}
	if called {
		t.Error("upstream must not be called for an oversized body")
	}
}
