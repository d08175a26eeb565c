package service

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"site-gateway-go/internal/model"
)

// routeMethods lists the verbs each route accepts, in CORS header form.
var routeMethods = map[model.Route]string{
	model.RouteAPI:    apiMethods,
	model.RouteAvatar: avatarMethods,
}

// allowed reports whether method is served on route.
func allowed(route model.Route, method string) bool {
	switch route {
	case model.RouteAPI:
		switch method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions:
			return true
		}
	case model.RouteAvatar:
		return method == http.MethodGet || method == http.MethodOptions
	}
	return false
}

// Preflight answers a CORS preflight for route without contacting any upstream.
func Preflight(route model.Route) *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     corsHeaders(routeMethods[route]),
		Body:       http.NoBody,
		Buffered:   true,
	}
}

func methodNotAllowed(route model.Route) *model.ProxyResponse {
	h := corsHeaders(routeMethods[route])
	h.Set("Allow", routeMethods[route])
	return &model.ProxyResponse{
		StatusCode: http.StatusMethodNotAllowed,
		Header:     h,
		Body:       http.NoBody,
		Buffered:   true,
	}
}

// entityTooLarge rejects a body over limit. It carries the route's CORS
// headers so browsers surface the status instead of a CORS failure.
func entityTooLarge(route model.Route, limit int64) *model.ProxyResponse {
	msg := "Request body exceeds " + strconv.FormatInt(limit, 10) + " bytes"
	h := corsHeaders(routeMethods[route])
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(msg)))
	return &model.ProxyResponse{
		StatusCode: http.StatusRequestEntityTooLarge,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(msg)),
		Buffered:   true,
	}
}
