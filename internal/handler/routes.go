package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"site-gateway-go/internal/functions"
	"site-gateway-go/internal/site"
)

// Routes holds everything RegisterRoutes mounts. Optional handlers are nil
// when their feature is disabled.
type Routes struct {
	Proxy  *ProxyHandler
	Health *HealthHandler

	Functions   *functions.Handler
	Site        *site.Server
	Metrics     http.Handler
	MetricsPath string
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, r Routes) {
	e.GET("/healthz", r.Health.Healthz)
	e.GET("/proxy/status", r.Health.Status)

	// Every verb reaches the proxy so disallowed ones get a CORS-bearing 405.
	e.Any("/api-proxy/*", r.Proxy.API)
	e.Any("/avatar-proxy/*", r.Proxy.Avatar)

	if r.Metrics != nil {
		e.GET(r.MetricsPath, echo.WrapHandler(r.Metrics))
	}

	if r.Functions != nil {
		e.POST("/apiProxy", r.Functions.APIProxy)
		e.POST("/avatarProxy", r.Functions.AvatarProxy)
	}

	if r.Site != nil {
		e.GET("/*", r.Site.Handle)
		e.HEAD("/*", r.Site.Handle)
	}
}
