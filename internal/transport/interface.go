package transport

import (
	"context"
	"time"

	"github.com/mohammadhprp/admission/internal/handler"
	"github.com/mohammadhprp/admission/internal/service"
	"go.uber.org/zap"
)

// Server defines the interface for different transport implementations (HTTP, gRPC, etc.)
type Server interface {
	// Start starts the transport server
	Start(ctx context.Context) error

	// Stop gracefully stops the transport server
	Stop(ctx context.Context) error

	// Addr returns the address the server is listening on
	Addr() string
}

// ServerConfig contains common configuration for all transport servers
type ServerConfig struct {
	Address      string      // Address to listen on (e.g., "localhost:8080" or ":50051")
	Logger       *zap.Logger // Shared logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	RateLimit *service.RateLimitService
	Configs   *service.ConfigService
	Health    *service.HealthService
	Recorder  handler.Recorder

	Admin       AdminSettings
	ClientLimit ClientLimitSettings

	// HealthInterval is how often the gRPC health status is refreshed from
	// store pings. Zero means DefaultHealthInterval.
	HealthInterval time.Duration
}

// AdminSettings protects the admin surface
type AdminSettings struct {
	Token string
	RPS   float64
	Burst int
}

// ClientLimitSettings configures the optional per-client limit of the
// transaction route. An empty Algorithm disables it.
type ClientLimitSettings struct {
	Algorithm string
	Header    string
}

// ServiceHandlers contains all service handlers
type ServiceHandlers struct {
	HealthCheck *handler.HealthCheckHandler
	Transaction *handler.TransactionHandler
	Admin       *handler.AdminHandler
}

func newServiceHandlers(cfg ServerConfig) *ServiceHandlers {
	return &ServiceHandlers{
		HealthCheck: handler.NewHealthCheckHandler(cfg.Health, cfg.Logger),
		Transaction: handler.NewTransactionHandler(cfg.RateLimit, cfg.Recorder, cfg.Logger),
		Admin:       handler.NewAdminHandler(cfg.RateLimit, cfg.Configs, cfg.Logger),
	}
}
