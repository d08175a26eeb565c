// Package site serves a captured copy of the public site and injects the
// assistant bootstrap into its HTML pages.
package site

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/PuerkitoBio/goquery"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/labstack/echo/v4"

	"site-gateway-go/internal/config"
)

// Server serves files from an overlay directory, then the site root.
type Server struct {
	root    string
	overlay string
	script  string // empty when injection is disabled
	logger  *slog.Logger
}

// NewServer creates a Server from the site section of cfg.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		root:    cfg.Site.Root,
		overlay: cfg.Site.OverlayDir,
		logger:  logger.With("component", "site"),
	}
	if cfg.Site.InjectBootstrap {
		script, err := BootstrapScript(cfg.Site.WidgetVersion)
		if err != nil {
			return nil, err
		}
		s.script = script
	}
	return s, nil
}

// Handle serves the requested file. The path is used as sent, without
// percent-decoding, because captured files keep their encoded names.
func (s *Server) Handle(c echo.Context) error {
	urlPath := c.Request().URL.EscapedPath()
	if urlPath == "/" {
		urlPath = "/index.html"
	}

	filePath, err := s.locate(urlPath)
	if err != nil {
		return s.serverError(c, err)
	}

	content, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return s.fallback(c, urlPath, filePath)
	}
	if err != nil {
		return s.serverError(c, err)
	}

	ct := contentType(filePath)
	if ct == "text/html" && s.script != "" {
		content = s.inject(urlPath, content)
	}
	return c.Blob(http.StatusOK, ct, content)
}

// locate resolves urlPath inside the overlay (if it has the file) or the root.
func (s *Server) locate(urlPath string) (string, error) {
	if s.overlay != "" {
		p, err := securejoin.SecureJoin(s.overlay, urlPath)
		if err != nil {
			return "", fmt.Errorf("resolve overlay path: %w", err)
		}
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, nil
		}
	}
	p, err := securejoin.SecureJoin(s.root, urlPath)
	if err != nil {
		return "", fmt.Errorf("resolve site path: %w", err)
	}
	return p, nil
}

// fallback retries extensionless page links as .html before giving up.
func (s *Server) fallback(c echo.Context, urlPath, filePath string) error {
	content, err := os.ReadFile(filePath + ".html")
	if err == nil {
		return c.Blob(http.StatusOK, "text/html", content)
	}
	s.logger.Debug("file not found", "path", urlPath)
	body := "<h1>404 - File Not Found</h1><p>Path: " + html.EscapeString(urlPath) + "</p>"
	return c.Blob(http.StatusNotFound, "text/html", []byte(body))
}

func (s *Server) serverError(c echo.Context, err error) error {
	s.logger.Error("serving file", "err", err)
	code := "EIO"
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = errno.Error()
	}
	return c.String(http.StatusInternalServerError, "Server Error: "+code)
}

// inject appends the bootstrap script to <body> and re-renders the page, which
// normalizes its markup. Pages without a closing body tag are left untouched.
func (s *Server) inject(urlPath string, page []byte) []byte {
	if !bytes.Contains(page, []byte("</body>")) {
		return page
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		s.logger.Warn("parse html for injection", "path", urlPath, "err", err)
		return page
	}
	doc.Find("body").First().AppendHtml(s.script)
	out, err := doc.Html()
	if err != nil {
		s.logger.Warn("render injected html", "path", urlPath, "err", err)
		return page
	}
	return []byte(strings.TrimSpace(out))
}
