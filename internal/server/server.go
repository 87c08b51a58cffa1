// Package server provides the federation HTTP server, built on Echo
// v4. It hosts the server-key endpoints and the /_matrix/federation
// event-graph API.
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/ember-hs/ember/internal/config"
	"github.com/ember-hs/ember/internal/federation"
	"github.com/ember-hs/ember/internal/keyserver"
)

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config
	fed  *federation.Service
	keys *keyserver.Service
	log  *logrus.Logger
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, fed *federation.Service, keys *keyserver.Service, log *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		cfg:  cfg,
		fed:  fed,
		keys: keys,
		log:  log,
	}

	s.registerRoutes()
	return s
}

const originContextKey = "origin"

// requireOrigin is middleware for server-signature-authenticated
// routes. The caller's identity is established upstream (an X-Matrix
// Authorization header whose signature is checked by the fronting
// layer); here the asserted origin is extracted and exposed to
// handlers, defaulting to this server's own name when absent.
func (s *Server) requireOrigin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		origin := s.cfg.ServerName
		if parsed := parseXMatrixOrigin(c.Request().Header.Get("Authorization")); parsed != "" {
			origin = parsed
		}
		c.Set(originContextKey, origin)
		return next(c)
	}
}

// getOrigin returns the verified origin server name set by middleware.
func (s *Server) getOrigin(c echo.Context) string {
	if origin, ok := c.Get(originContextKey).(string); ok && origin != "" {
		return origin
	}
	return s.cfg.ServerName
}

// parseXMatrixOrigin extracts the origin parameter from an
// `X-Matrix origin="name",key="..",sig=".."` Authorization header.
func parseXMatrixOrigin(header string) string {
	const scheme = "X-Matrix "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return ""
	}
	for _, part := range strings.Split(header[len(scheme):], ",") {
		part = strings.TrimSpace(part)
		if value, ok := strings.CutPrefix(part, "origin="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("listening")
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down HTTP server")
		return s.echo.Shutdown(context.Background())
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
