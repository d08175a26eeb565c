package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"site-gateway-go/internal/model"
	"site-gateway-go/internal/service"
)

// ProxyHandler serves the /api-proxy/ and /avatar-proxy/ routes over echo.
type ProxyHandler struct {
	dispatcher *service.Dispatcher
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d *service.Dispatcher, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		dispatcher: d,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// API proxies /api-proxy/{remainder} to the API host.
func (h *ProxyHandler) API(c echo.Context) error {
	return h.handle(c, model.RouteAPI, model.APIPrefix)
}

// Avatar proxies /avatar-proxy/{remainder} to the CDN.
func (h *ProxyHandler) Avatar(c echo.Context) error {
	return h.handle(c, model.RouteAvatar, model.AvatarPrefix)
}

func (h *ProxyHandler) handle(c echo.Context, route model.Route, prefix string) error {
	req := c.Request()

	// The remainder keeps its percent-encoding so the upstream sees the same bytes.
	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Route:    route,
		Method:   req.Method,
		Path:     strings.TrimPrefix(req.URL.EscapedPath(), prefix),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.dispatcher.Handle(pr)
	if err != nil {
		return proxyError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		if resp.Buffered {
			// The body was already complete; only the client write can fail.
			h.logger.Debug("client went away during buffered response",
				"err", err,
				"route", route,
				"path", req.URL.Path,
			)
			return nil
		}
		// Headers are committed; abort so the client sees a truncated response.
		h.logger.Error("streaming response body",
			"err", err,
			"route", route,
			"path", req.URL.Path,
		)
		panic(http.ErrAbortHandler)
	}

	return nil
}

// proxyError writes the uniform failure response. It is only used before any
// part of the response has been committed.
func proxyError(c echo.Context, err error) error {
	return c.String(http.StatusInternalServerError, "Proxy error: "+err.Error())
}
