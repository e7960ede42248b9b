package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/impulso-labs/impulso/internal/flow"
	"github.com/impulso-labs/impulso/internal/models"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Timeouts for the HTTP server. Query handling includes a generation call,
// so the write timeout is generous.
const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 90 * time.Second
	requestTimeout  = 75 * time.Second
	shutdownTimeout = 10 * time.Second
)

// QueryHandler processes one conversational turn.
type QueryHandler interface {
	HandleTurn(ctx context.Context, req flow.TurnRequest) (string, error)
}

// DocumentStore ingests knowledge documents for a tenant.
type DocumentStore interface {
	AddDocument(ctx context.Context, text, tenantID string) (string, error)
}

// UsageReader serves aggregated token usage.
type UsageReader interface {
	TenantUsageStats(ctx context.Context, tenantID string, days int) (*models.TenantUsageStats, error)
	UsageBySource(ctx context.Context, tenantID string, days int) ([]models.SourceUsage, error)
}

// Opts holds optional server configuration.
type Opts struct {
	Addr string
}

// Option configures the server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP endpoints to the turn orchestrator and stores.
type Server struct {
	orchestrator QueryHandler
	documents    DocumentStore
	usage        UsageReader
	addr         string
}

// NewServer builds the API server. documents may be nil when no vector store
// is configured; the ingestion endpoint then reports the feature unavailable.
// The listen address falls back to the API_ADDR environment variable.
func NewServer(orchestrator QueryHandler, documents DocumentStore, usage UsageReader, opts ...Option) *Server {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("API_ADDR")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		orchestrator: orchestrator,
		documents:    documents,
		usage:        usage,
		addr:         cfg.Addr,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.healthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Post("/query", s.queryHandler)
		r.Post("/documents", s.addDocumentHandler)
		r.Get("/usage/{tenant}", s.usageHandler)
	})
	return r
}

// Run serves HTTP until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
