// Package api exposes FlowPipe over HTTP: provider webhooks feeding the inbound pipeline,
// the admin endpoints for flows and routing, and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps request bodies; flow definitions are the largest payloads.
	maxBodyBytes = 1 << 20
)

// InboundHandler processes one inbound event. *messaging.Pipeline implements it.
type InboundHandler interface {
	Handle(ctx context.Context, ev models.InboundEvent) (messaging.Reply, error)
}

// DeliveryRecorder applies provider delivery reports. *gateway.Dispatcher implements it.
type DeliveryRecorder interface {
	RecordDeliveryReport(ctx context.Context, providerMessageID string, status models.MessageStatus, errText string) (bool, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration
	Clock           func() time.Time
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer sets the registry served on /metrics. It defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithClock overrides the clock used for session lookups.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store      store.Store
	inbound    InboundHandler
	deliveries DeliveryRecorder
	opts       Opts
	router     chi.Router
}

// NewServer creates a Server and builds its router.
func NewServer(st store.Store, inbound InboundHandler, deliveries DeliveryRecorder, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		Gatherer:        prometheus.DefaultGatherer,
		ShutdownTimeout: DefaultShutdownTimeout,
		Clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		store:      st,
		inbound:    inbound,
		deliveries: deliveries,
		opts:       cfg,
	}
	s.router = s.routes()
	slog.Debug("Server created", "addr", cfg.Addr)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Get("/healthz", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Post("/inbound", s.inboundHandler)
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/twilio/sms", s.twilioSMSHandler)
		r.Post("/twilio/status", s.twilioStatusHandler)
		r.Post("/africastalking/sms", s.africasTalkingSMSHandler)
		r.Post("/africastalking/ussd", s.africasTalkingUSSDHandler)
		r.Post("/africastalking/delivery", s.africasTalkingDeliveryHandler)
	})

	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.listFlowsHandler)
		r.Post("/", s.createFlowHandler)
		r.Get("/{id}", s.getFlowHandler)
		r.Put("/{id}", s.updateFlowHandler)
		r.Delete("/{id}", s.deleteFlowHandler)
	})
	r.Get("/keywords", s.listKeywordsHandler)
	r.Post("/keywords", s.saveKeywordHandler)
	r.Get("/rules", s.listRulesHandler)
	r.Post("/rules", s.saveRuleHandler)
	r.Get("/sessions", s.getSessionHandler)
	r.Delete("/sessions", s.deleteSessionHandler)
	r.Get("/messages", s.listMessagesHandler)
	r.Put("/optins", s.saveOptInHandler)
	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.opts.Clock().UTC().Format(time.RFC3339),
	}
	if flows, err := s.store.ListFlows(ctx); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach the store"
	} else {
		healthData["flows"] = len(flows)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
