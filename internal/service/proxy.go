// Package service implements the transport-agnostic proxy core: target
// resolution, header translation, decoding and script rewriting.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"site-gateway-go/internal/client"
	"site-gateway-go/internal/decode"
	"site-gateway-go/internal/metrics"
	"site-gateway-go/internal/model"
	"site-gateway-go/internal/rewrite"
)

// Dispatcher forwards one ProxyRequest at a time; it holds no per-request state
// and is safe for concurrent use.
type Dispatcher struct {
	client   *client.UpstreamClient
	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(c *client.UpstreamClient, settings Settings, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		client:   c,
		settings: settings,
		logger:   logger.With("component", "dispatcher"),
		metrics:  m,
	}
}

// Handle answers pr. Preflights and disallowed verbs are answered locally.
// A returned error is an *UpstreamError (or ErrUnknownRoute) and no response
// has been produced; the caller reports it as a proxy error.
// The caller must close the returned body.
func (d *Dispatcher) Handle(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if pr.Route != model.RouteAPI && pr.Route != model.RouteAvatar {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoute, pr.Route)
	}
	if pr.Method == http.MethodOptions {
		return Preflight(pr.Route), nil
	}
	if !allowed(pr.Route, pr.Method) {
		return methodNotAllowed(pr.Route), nil
	}

	target, err := d.Resolve(pr)
	if err != nil {
		return nil, d.fail(pr.Route, err)
	}

	var body []byte
	if pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		var tooLarge bool
		body, tooLarge = d.readBody(pr)
		if tooLarge {
			return entityTooLarge(pr.Route, d.settings.MaxBodyBytes), nil
		}
	}

	header := outboundHeaders(pr.Header, target.Host, d.settings)
	if pr.Route == model.RouteAvatar {
		header.Set("Accept-Encoding", decode.AcceptEncoding)
	}

	d.logger.Debug("proxying request",
		"route", pr.Route,
		"method", pr.Method,
		"target", target.URL,
	)

	resp, err := d.client.DoStream(pr.Ctx, pr.Route, pr.Method, target.URL, header, body)
	if err != nil {
		return nil, d.fail(pr.Route, fmt.Errorf("forward to upstream: %w", err))
	}

	if pr.Route == model.RouteAPI {
		resp.Header = apiResponseHeaders(resp.Header)
		return resp, nil
	}
	return d.avatarResponse(target, resp)
}

// Resolve maps pr onto its upstream. The query string is appended verbatim.
func (d *Dispatcher) Resolve(pr *model.ProxyRequest) (model.UpstreamTarget, error) {
	var base, upstreamPath string
	switch pr.Route {
	case model.RouteAPI:
		base, upstreamPath = d.settings.APIBaseURL, "/"+pr.Path
	case model.RouteAvatar:
		base, upstreamPath = d.settings.CDNBaseURL, d.settings.CDNPathPrefix+pr.Path
	default:
		return model.UpstreamTarget{}, fmt.Errorf("%w: %q", ErrUnknownRoute, pr.Route)
	}

	raw := base + upstreamPath
	if pr.RawQuery != "" {
		raw += "?" + pr.RawQuery
	}
	u, err := url.Parse(raw)
	if err != nil {
		return model.UpstreamTarget{}, fmt.Errorf("resolve target %q: %w", raw, err)
	}

	return model.UpstreamTarget{URL: raw, Host: u.Host, Path: upstreamPath}, nil
}

// readBody reads the inbound body in full, up to MaxBodyBytes. Some clients
// signal "no body" by failing the read, so other errors degrade to an empty
// body. Exceeding the cap is reported as tooLarge and nothing is forwarded.
func (d *Dispatcher) readBody(pr *model.ProxyRequest) (body []byte, tooLarge bool) {
	if pr.Body == nil {
		return nil, false
	}
	r := pr.Body
	if d.settings.MaxBodyBytes > 0 {
		r = http.MaxBytesReader(nil, pr.Body, d.settings.MaxBodyBytes)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			d.logger.Warn("inbound body exceeds limit; not forwarding",
				"route", pr.Route,
				"method", pr.Method,
				"limit_bytes", mbe.Limit,
			)
			return nil, true
		}
		d.logger.Warn("inbound body unreadable; forwarding without body",
			"route", pr.Route,
			"method", pr.Method,
			"err", err,
		)
		return nil, false
	}
	return b, false
}

// avatarResponse decodes and, for scripts, rewrites a CDN response. Bodies that
// need neither are streamed untouched.
func (d *Dispatcher) avatarResponse(target model.UpstreamTarget, up *model.ProxyResponse) (*model.ProxyResponse, error) {
	contentType := resolveContentType(up.Header)
	header := avatarResponseHeaders(contentType)
	rawEncoding := up.Header.Get("Content-Encoding")
	encoding := decode.Normalize(rawEncoding)
	isScript := rewrite.Applies(contentType, target.Path)

	if !decode.Supported(encoding) {
		if encoding != "" && encoding != "identity" {
			// Not something we asked for; hand it on as-is rather than
			// rewrite bytes we cannot read.
			d.logger.Warn("unsupported content encoding; streaming without rewrite",
				"encoding", rawEncoding,
				"path", target.Path,
			)
			header.Set("Content-Encoding", rawEncoding)
			return streamed(up.StatusCode, header, up.Body), nil
		}
		if !isScript {
			return streamed(up.StatusCode, header, up.Body), nil
		}
	}

	dec, err := decode.NewReader(encoding, up.Body)
	if err != nil {
		_ = up.Body.Close()
		return nil, d.fail(model.RouteAvatar, err)
	}

	buf, overflow, err := readCapped(dec, d.settings.MaxBufferBytes)
	if err != nil {
		_ = dec.Close()
		return nil, d.fail(model.RouteAvatar, fmt.Errorf("read upstream body: %w", err))
	}
	if overflow {
		d.logger.Warn("avatar body exceeds buffer cap; streaming without rewrite",
			"path", target.Path,
			"cap_bytes", d.settings.MaxBufferBytes,
		)
		if d.metrics != nil {
			d.metrics.BufferOverflows.WithLabelValues(string(model.RouteAvatar)).Inc()
		}
		return streamed(up.StatusCode, header, &prefixedBody{Reader: io.MultiReader(bytes.NewReader(buf), dec), Closer: dec}), nil
	}
	_ = dec.Close()

	if isScript {
		res := d.settings.Rewriter.Apply(buf)
		buf = res.Body
		d.recordRewrites(target.Path, res)
	}

	header.Set("Content-Length", strconv.Itoa(len(buf)))
	return &model.ProxyResponse{
		StatusCode: up.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(buf)),
		Buffered:   true,
	}, nil
}

func (d *Dispatcher) recordRewrites(path string, res rewrite.Result) {
	if res.Total() == 0 {
		return
	}
	d.logger.Info("rewrote script urls",
		"path", path,
		"replacements", res.Total(),
	)
	if d.metrics == nil {
		return
	}
	for rule, n := range res.Replacements {
		d.metrics.Rewrites.WithLabelValues(rule).Add(float64(n))
	}
}

// fail classifies err, records it and wraps it as an *UpstreamError.
func (d *Dispatcher) fail(route model.Route, err error) error {
	kind := classify(err)
	d.logger.Error("proxy error",
		"route", route,
		"kind", kind,
		"err", err,
	)
	if d.metrics != nil {
		d.metrics.UpstreamFailures.WithLabelValues(string(route), string(kind)).Inc()
		if kind == KindDecode {
			if de := asDecodeError(err); de != nil {
				d.metrics.DecodeFailures.WithLabelValues(de.Encoding).Inc()
			}
		}
	}
	return &UpstreamError{Kind: kind, Err: err}
}

func streamed(status int, header http.Header, body io.ReadCloser) *model.ProxyResponse {
	return &model.ProxyResponse{StatusCode: status, Header: header, Body: body}
}

// readCapped reads r fully unless it holds more than limit bytes, in which case
// it returns the first limit+1 bytes and overflow=true. A limit <= 0 means no cap.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return b, false, err
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	return b, int64(len(b)) > limit, nil
}

// prefixedBody replays an already-read prefix before the rest of the stream.
type prefixedBody struct {
	io.Reader
	io.Closer
}
