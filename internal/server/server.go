// Package server exposes the job scheduler over HTTP: submission, query
// and control endpoints, a server-sent-events stream for live job
// updates, and health/version probes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/skywork/internal/errors"
	"github.com/3leaps/skywork/internal/server/middleware"
	"github.com/3leaps/skywork/pkg/artifact"
	"github.com/3leaps/skywork/pkg/events"
	"github.com/3leaps/skywork/pkg/jobs"
	"github.com/3leaps/skywork/pkg/notify"
	"github.com/3leaps/skywork/pkg/uws"
	"github.com/3leaps/skywork/pkg/workdir"
)

// Identity headers. The identity provider in front of this service is
// expected to set them; absent headers fall back to a shared anonymous
// owner.
const (
	HeaderOwner = "X-Skywork-Owner"
	HeaderConn  = "X-Skywork-Conn"
)

// VersionInfo is what /version reports.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Deps are the collaborators the server drives. Importer, Notifier and
// Artifacts may be nil when the matching feature is not configured.
type Deps struct {
	Registry   *jobs.Registry
	Dispatcher *jobs.Dispatcher
	Bus        *events.Bus
	Notifier   *notify.Notifier
	Importer   *uws.Importer
	UWSClient  *uws.Client
	Work       *workdir.Store
	Artifacts  artifact.Store

	// MaxBundleBytes is the packaging split threshold passed to new
	// packaging jobs.
	MaxBundleBytes int64

	Version VersionInfo
	Log     *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	host string
	port int

	deps    Deps
	router  chi.Router
	httpSrv *http.Server
}

// Timeouts configures the HTTP server's connection handling.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// New creates the server and wires all routes.
func New(host string, port int, deps Deps, timeouts Timeouts) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	s := &Server{host: host, port: port, deps: deps}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(deps.Log))
	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Get("/stats", s.handleStats)
			r.Post("/package", s.handleSubmitPackage)
			r.Post("/uws", s.handleSubmitUWS)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Post("/abort", s.handleAbort)
				r.Post("/monitored", s.handleSetMonitored)
				r.Post("/email", s.handleSendEmail)
			})
		})
		r.Get("/events", s.handleEvents)
	})

	s.router = r
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
	}
	return s
}

// Handler returns the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.deps.Log.Info("api server listening",
		zap.String("host", s.host),
		zap.Int("port", s.port))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// owner extracts the caller identity.
func owner(r *http.Request) string {
	if o := r.Header.Get(HeaderOwner); o != "" {
		return o
	}
	return "anonymous"
}

// connID extracts the caller's live-connection id, if any.
func connID(r *http.Request) string {
	return r.Header.Get(HeaderConn)
}
