package service

import (
	"fmt"
	"net/url"

	"site-gateway-go/internal/config"
	"site-gateway-go/internal/model"
	"site-gateway-go/internal/rewrite"
)

// Settings is the immutable, process-wide part of the proxy: where each route
// goes, who we claim to be, and how script bodies are rewritten.
type Settings struct {
	APIBaseURL    string // scheme://host[:port], no trailing slash
	CDNBaseURL    string // scheme://host[:port], no trailing slash
	CDNPathPrefix string // e.g. "/built-frontend/"

	SiteOrigin  string
	SiteReferer string

	MaxBufferBytes int64
	// MaxBodyBytes caps inbound request bodies; 0 means no cap.
	MaxBodyBytes int64
	Rewriter     *rewrite.Rewriter
}

// NewSettings derives Settings from cfg. basePath is the path the proxy routes
// are mounted under for this front door ("" for the standalone server, "/api"
// for the Functions host); rewritten script URLs are rooted there.
func NewSettings(cfg *config.Config, basePath string) (Settings, error) {
	up := cfg.Upstream
	for _, raw := range []string{up.APIBaseURL, up.CDNBaseURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("parse upstream base url %q: %w", raw, err)
		}
		if u.Host == "" {
			return Settings{}, fmt.Errorf("upstream base url %q has no host", raw)
		}
	}

	rw, err := rewrite.New(
		rewrite.Rule{Name: string(model.RouteAPI), Origin: up.APIBaseURL, Prefix: basePath + trimSlash(model.APIPrefix)},
		rewrite.Rule{Name: string(model.RouteAvatar), Origin: up.CDNBaseURL + up.CDNPathPrefix, Prefix: basePath + model.AvatarPrefix},
	)
	if err != nil {
		return Settings{}, fmt.Errorf("build rewrite rules: %w", err)
	}

	return Settings{
		APIBaseURL:     up.APIBaseURL,
		CDNBaseURL:     up.CDNBaseURL,
		CDNPathPrefix:  up.CDNPathPrefix,
		SiteOrigin:     up.SiteOrigin,
		SiteReferer:    up.SiteReferer,
		MaxBufferBytes: up.MaxBufferBytes,
		MaxBodyBytes:   cfg.Server.BodyMaxBytes,
		Rewriter:       rw,
	}, nil
}

// trimSlash drops one trailing slash: the API origin is rewritten without one
// because script code appends its own "/path".
func trimSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
