package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityConfig configures SecurityHeadersWithConfig.
type SecurityConfig struct {
	// Skipper excludes requests whose response headers are owned by the handler.
	Skipper echomw.Skipper
	// FrameOptions is the X-Frame-Options value. Defaults to SAMEORIGIN.
	FrameOptions string
}

// SecurityHeadersWithConfig returns an Echo middleware that strips hop-by-hop
// request headers and sets hardening headers before the handler writes.
func SecurityHeadersWithConfig(cfg SecurityConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = echomw.DefaultSkipper
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = "SAMEORIGIN"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}

			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Set before next: streamed responses commit headers on first write.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", cfg.FrameOptions)

			return next(c)
		}
	}
}

// PrefixSkipper skips requests whose path starts with any of prefixes.
func PrefixSkipper(prefixes ...string) echomw.Skipper {
	return func(c echo.Context) bool {
		p := c.Request().URL.Path
		for _, prefix := range prefixes {
			if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
				return true
			}
		}
		return false
	}
}
