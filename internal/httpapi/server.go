// Package httpapi is the JSON front of the router: health, portfolio,
// connectors, orders, audit export, metrics, admin resilience hooks, and
// the event stream. Every response carries a correlation id; every error
// uses the shared envelope.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goldroute/goldroute/internal/audit"
	"github.com/goldroute/goldroute/internal/metrics"
	"github.com/goldroute/goldroute/internal/portfolio"
	"github.com/goldroute/goldroute/internal/trading"
	"github.com/goldroute/goldroute/internal/venue"
)

// Config tunes the server. Zero values fall back to the defaults applied
// in New. Tokens is the accepted bearer set; an empty set rejects every
// request. RateWindow and RateMax bound each client's request rate. Dev
// switches error envelopes to include diagnostic details.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Tokens       []string      `yaml:"tokens"`
	RateWindow   time.Duration `yaml:"rate_window"`
	RateMax      int           `yaml:"rate_max"`
	Dev          bool          `yaml:"dev"`
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 8090
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.RateMax <= 0 {
		c.RateMax = 120
	}
	return c
}

// Deps carries every service the handlers dispatch into.
// OnThresholdChange, when set, republishes the derived config after a
// successful threshold change.
type Deps struct {
	Registry          *venue.Registry
	Portfolio         *portfolio.Aggregator
	Engine            *trading.Engine
	Journal           *audit.Journal
	Metrics           *metrics.Registry
	OnThresholdChange func(confirmations uint64)
}

// Server owns the router and the listener lifecycle.
type Server struct {
	cfg     Config
	deps    Deps
	router  *mux.Router
	server  *http.Server
	limiter *slidingWindow
	log     zerolog.Logger
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		limiter: newSlidingWindow(cfg.RateWindow, cfg.RateMax),
		log:     log.With().Str("component", "httpapi").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.correlationMiddleware)
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(s.authMiddleware)
	s.router.Use(s.auditMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/portfolio", s.handlePortfolio).Methods("GET")
	s.router.HandleFunc("/connectors", s.handleConnectors).Methods("GET")
	s.router.HandleFunc("/audit/logs", s.handleAuditLogs).Methods("GET")
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	s.router.Handle("/metrics/prometheus", s.prometheusHandler()).Methods("GET")

	s.router.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	s.router.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	s.router.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	s.router.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	s.router.HandleFunc("/admin/venues/{id}/disable", s.handleVenueDisable).Methods("POST")
	s.router.HandleFunc("/admin/venues/{id}/enable", s.handleVenueEnable).Methods("POST")
	s.router.HandleFunc("/admin/chain/threshold", s.handleChainThreshold).Methods("POST")

	s.router.HandleFunc("/ws/events", s.handleEvents).Methods("GET")

	s.router.NotFoundHandler = s.withCorrelation(http.HandlerFunc(s.handleNotFound))
	s.router.MethodNotAllowedHandler = s.withCorrelation(http.HandlerFunc(s.handleMethodNotAllowed))
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown or listener failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
