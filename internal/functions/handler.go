package functions

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"site-gateway-go/internal/client"
	"site-gateway-go/internal/config"
	"site-gateway-go/internal/metrics"
	"site-gateway-go/internal/model"
	"site-gateway-go/internal/service"
)

// Handler serves the /apiProxy and /avatarProxy invocation endpoints.
type Handler struct {
	dispatcher  *service.Dispatcher
	routePrefix string
	logger      *slog.Logger
}

// NewHandler builds a Handler with its own dispatcher. Script rewrites point
// at routes under cfg.Functions.RoutePrefix, which is where the Functions
// host exposes the proxy.
func NewHandler(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) (*Handler, error) {
	settings, err := service.NewSettings(cfg, cfg.Functions.RoutePrefix)
	if err != nil {
		return nil, fmt.Errorf("functions settings: %w", err)
	}
	logger = logger.With("component", "functions")
	return &Handler{
		dispatcher:  service.NewDispatcher(c, settings, logger, m),
		routePrefix: cfg.Functions.RoutePrefix,
		logger:      logger,
	}, nil
}

// APIProxy handles invocations of the apiProxy function.
func (h *Handler) APIProxy(c echo.Context) error {
	return h.invoke(c, model.RouteAPI, model.APIPrefix)
}

// AvatarProxy handles invocations of the avatarProxy function.
func (h *Handler) AvatarProxy(c echo.Context) error {
	return h.invoke(c, model.RouteAvatar, model.AvatarPrefix)
}

func (h *Handler) invoke(c echo.Context, route model.Route, prefix string) error {
	var in InvokeRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed invocation payload")
	}
	trig := in.Data.Req

	remainder, rawQuery := h.remainder(trig, prefix)
	pr := &model.ProxyRequest{
		Ctx:      c.Request().Context(),
		Route:    route,
		Method:   strings.ToUpper(trig.Method),
		Path:     remainder,
		RawQuery: rawQuery,
		Header:   http.Header(trig.Headers),
	}
	if pr.Header == nil {
		pr.Header = http.Header{}
	}
	if trig.Body != "" {
		pr.Body = io.NopCloser(strings.NewReader(trig.Body))
	}

	res, err := h.respond(pr)
	if err != nil {
		res = HTTPOutput{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       "Proxy error: " + err.Error(),
		}
	}

	return c.JSON(http.StatusOK, InvokeResponse{
		Outputs: InvokeOutputs{Res: res},
		Logs:    []string{},
	})
}

// respond runs pr through the dispatcher and buffers the reply; the custom
// handler protocol has no streaming. Dispatcher failures are already logged
// by the dispatcher.
func (h *Handler) respond(pr *model.ProxyRequest) (HTTPOutput, error) {
	resp, err := h.dispatcher.Handle(pr)
	if err != nil {
		return HTTPOutput{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Error("buffer invocation reply", "route", pr.Route, "err", err)
		return HTTPOutput{}, fmt.Errorf("read upstream body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key, vals := range resp.Header {
		headers[key] = strings.Join(vals, ", ")
	}
	return HTTPOutput{StatusCode: resp.StatusCode, Headers: headers, Body: string(body)}, nil
}

// remainder recovers the still-encoded path remainder and raw query from the
// trigger URL, falling back to the host's decoded {*path} parameter.
func (h *Handler) remainder(trig HTTPTrigger, prefix string) (string, string) {
	u, err := url.Parse(trig.URL)
	if err != nil {
		return trig.Params["path"], ""
	}
	routed := h.routePrefix + prefix
	if p := u.EscapedPath(); strings.HasPrefix(p, routed) {
		return strings.TrimPrefix(p, routed), u.RawQuery
	}
	return trig.Params["path"], u.RawQuery
}
