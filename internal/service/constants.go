package service

import (
	"errors"

	"github.com/mohammadhprp/admission/internal/limiter"
)

// Storage key prefixes
const (
	ConfigKeyPrefix     = "ratelimit:config:"
	RejectionsKeyPrefix = "ratelimit:rejections:"
	KeyFormat           = "%s%s:%s"

	// ClientKeyPrefix scopes the per-client request limit away from
	// merchant state.
	ClientKeyPrefix = "client:"
)

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// Validation error messages
const (
	ErrMerchantIDRequired    = "merchant_id is required"
	ErrAlgorithmRequired     = "algorithm is required"
	ErrConfigurationNotFound = "configuration not found"
	ErrInvalidConfiguration  = "invalid configuration"
)

// Custom error types
var (
	ErrConfigNotFound   = errors.New(ErrConfigurationNotFound)
	ErrInvalidConfig    = errors.New(ErrInvalidConfiguration)
	ErrUnknownAlgorithm = limiter.ErrUnknownAlgorithm
)
