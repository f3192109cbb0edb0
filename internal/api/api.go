// Package api provides the HTTP surface of OutreachPipe.
//
// It exposes the inbound SMS webhook, authenticated triggers for the three batch
// jobs, review decisions for drafted outreach, persona management, health and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/inbound"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server timeouts.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	healthCheckTimeout       = 5 * time.Second
)

// InboundHandler processes one parsed webhook message.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg messaging.InboundSMS) (inbound.Result, error)
}

// PersonaStore saves personas managed through the API.
type PersonaStore interface {
	SavePersona(ctx context.Context, p models.Persona) error
}

// Deps are the collaborators the server routes to. Nil members disable their routes'
// backing feature: the handler answers 503.
type Deps struct {
	Inbound  InboundHandler
	Jobs     map[string]scheduler.Job
	Reviews  store.ReviewStore
	Personas PersonaStore
	Metrics  *metrics.Metrics
	// Health reports whether backing services are reachable.
	Health func(ctx context.Context) error
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	deps      Deps
	jobsToken string
	validator *messaging.SignatureValidator
	now       func() time.Time
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithJobsToken requires "Authorization: Bearer <token>" on job and admin routes.
func WithJobsToken(token string) Option {
	return func(s *Server) { s.jobsToken = token }
}

// WithSignatureValidator rejects webhook calls without a valid provider signature.
func WithSignatureValidator(v *messaging.SignatureValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer builds the router.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	r.Post("/webhooks/sms", s.smsWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/jobs/{job}", s.runJobHandler)
		r.Post("/outreach/{id}/approve", s.approveOutreachHandler)
		r.Post("/outreach/{id}/reject", s.rejectOutreachHandler)
		r.Put("/personas/{name}", s.savePersonaHandler)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
