package transport

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammadhprp/admission/internal/middleware"
	"github.com/mohammadhprp/admission/internal/service"
)

// HTTPServer implements the Server interface for HTTP transport
type HTTPServer struct {
	server   *http.Server
	router   *mux.Router
	address  string
	logger   *zap.Logger
	handlers *ServiceHandlers
	cfg      ServerConfig
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	router := mux.NewRouter()

	hs := &HTTPServer{
		address:  cfg.Address,
		logger:   cfg.Logger,
		handlers: newServiceHandlers(cfg),
		router:   router,
		cfg:      cfg,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	hs.registerRoutes()
	return hs
}

// registerRoutes registers all HTTP routes
func (hs *HTTPServer) registerRoutes() {
	hs.router.HandleFunc("/health", hs.handlers.HealthCheck.HealthCheck()).Methods("GET")
	hs.router.Handle("/metrics", promhttp.HandlerFor(hs.cfg.RateLimit.Metrics().Registry(), promhttp.HandlerOpts{})).Methods("GET")

	var create http.Handler = hs.handlers.Transaction.Create()
	if cl := hs.cfg.ClientLimit; cl.Algorithm != "" {
		extractor := middleware.IPKeyExtractor
		if cl.Header != "" {
			extractor = middleware.UserIDKeyExtractor(cl.Header)
		}
		clients := hs.cfg.RateLimit.Scoped(service.ClientKeyPrefix)
		create = middleware.RateLimitMiddleware(clients, cl.Algorithm, extractor, hs.logger)(create)
	}
	hs.router.Handle("/transaction/{algorithm}", create).Methods("POST")

	// Admin routes
	admin := hs.router.PathPrefix("/admin").Subrouter()
	admin.Use(
		middleware.ThrottleMiddleware(hs.cfg.Admin.RPS, hs.cfg.Admin.Burst),
		middleware.AdminAuthMiddleware(hs.cfg.Admin.Token, hs.logger),
	)
	admin.HandleFunc("/config", hs.handlers.Admin.GetConfig()).Methods("GET")
	admin.HandleFunc("/config", hs.handlers.Admin.SetConfig()).Methods("POST")
	admin.HandleFunc("/config", hs.handlers.Admin.DeleteConfig()).Methods("DELETE")
	admin.HandleFunc("/ratelimit/{algorithm}/{merchant_id}", hs.handlers.Admin.Status()).Methods("GET")
	admin.HandleFunc("/ratelimit/{algorithm}/{merchant_id}", hs.handlers.Admin.Reset()).Methods("DELETE")
	admin.HandleFunc("/transactions/{merchant_id}", hs.handlers.Transaction.List()).Methods("GET")
}

// Handler returns the router serving every route.
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start starts the HTTP server
func (hs *HTTPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", hs.address)
	if err != nil {
		hs.logger.Error("Failed to listen on address", zap.String("address", hs.address), zap.Error(err))
		return err
	}

	hs.logger.Info("Starting HTTP server", zap.String("address", hs.address))

	go func() {
		if err := hs.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping HTTP server")
	return hs.server.Shutdown(ctx)
}

// Addr returns the address the HTTP server is listening on
func (hs *HTTPServer) Addr() string {
	return hs.address
}
