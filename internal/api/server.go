// Package api provides the read-only HTTP API over distributions, holders
// and prices.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/models"
	"github.com/referral-distributor/internal/storage"
	"github.com/referral-distributor/internal/types"
)

// DistributionReader reads distributions and their rows
type DistributionReader interface {
	GetByID(ctx context.Context, id int64) (*models.Distribution, error)
	GetLatest(ctx context.Context) (*models.Distribution, error)
	GetLatestCompleted(ctx context.Context) (*models.Distribution, error)
	Balances(ctx context.Context, id int64) ([]models.BalanceSnapshot, error)
	Rewards(ctx context.Context, id int64) ([]models.RewardEntry, error)
	Reward(ctx context.Context, id int64, address string) (*models.RewardEntry, error)
}

// HolderReader reads holders and their referral links
type HolderReader interface {
	List(ctx context.Context) ([]models.Holder, error)
	View(ctx context.Context, distributionID int64, address string) (*models.HolderView, error)
	Referrals(ctx context.Context, distributionID int64, referrer string) ([]models.HolderView, error)
}

// PriceReader returns the published price table
type PriceReader interface {
	Prices() (*types.PriceTable, error)
}

// PriceHistoryReader reads recorded price tables
type PriceHistoryReader interface {
	History(ctx context.Context, asset string, since time.Time, limit int) ([]storage.PricePoint, error)
}

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Deps holds what the handlers read from. History and Checks are optional.
type Deps struct {
	Distributions DistributionReader
	Holders       HolderReader
	Prices        PriceReader
	History       PriceHistoryReader
	Checks        map[string]HealthCheck
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	deps       Deps
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond per client IP; zero disables rate limiting
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: config,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))
	}
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// CORS runs outside the router to answer preflight requests
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		DisableCompression: true,
	})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/referrals/{address}", s.handleGetReferrals).Methods(http.MethodGet)
	api.HandleFunc("/distributions/{id}", s.handleGetDistribution).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)

	api.HandleFunc("/prices", s.handleGetPrices).Methods(http.MethodGet)
	if s.deps.History != nil {
		api.HandleFunc("/prices/history", s.handleGetPriceHistory).Methods(http.MethodGet)
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth pings every configured dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  health,
		"service": "referral-distributor",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("component", "api").Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.WithField("component", "api").Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
