package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammadhprp/admission/internal/clock"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/storage"
	"go.uber.org/zap"
)

// Defaults supplies the parameters used when a merchant has no override.
type Defaults interface {
	Defaults(algorithm limiter.Algorithm) limiter.Params
}

// BuiltinDefaults serves limiter.DefaultParams.
type BuiltinDefaults struct{}

// Defaults implements Defaults.
func (BuiltinDefaults) Defaults(algorithm limiter.Algorithm) limiter.Params {
	return limiter.DefaultParams(algorithm)
}

// ConfigRecord is a stored per-merchant parameter override
type ConfigRecord struct {
	MerchantID string            `json:"merchant_id"`
	Algorithm  limiter.Algorithm `json:"algorithm"`
	Params     limiter.Params    `json:"params"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// ConfigService manages per-merchant limiter parameters. It is the
// limiter.ParamsSource of every strategy, so overrides apply to the next
// decision.
type ConfigService struct {
	store    storage.Store
	defaults Defaults
	clock    clock.Clock
	Logger   *zap.Logger
}

// NewConfigService creates a new config service. A nil defaults serves the
// built-in parameters.
func NewConfigService(store storage.Store, defaults Defaults, clk clock.Clock, logger *zap.Logger) *ConfigService {
	if defaults == nil {
		defaults = BuiltinDefaults{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &ConfigService{
		store:    store,
		defaults: defaults,
		clock:    clk,
		Logger:   logger,
	}
}

// ConfigKey generates a key for storing configuration
func (s *ConfigService) ConfigKey(algorithm limiter.Algorithm, merchantID string) string {
	return fmt.Sprintf(KeyFormat, ConfigKeyPrefix, algorithm, merchantID)
}

// GetConfig retrieves the override stored for a merchant
func (s *ConfigService) GetConfig(ctx context.Context, merchantID string, algorithm limiter.Algorithm) (*ConfigRecord, error) {
	if err := limiter.ValidateKey(merchantID); err != nil {
		return nil, err
	}

	raw, err := s.store.Get(ctx, s.ConfigKey(algorithm, merchantID))
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	if raw == "" {
		return nil, ErrConfigNotFound
	}

	var record ConfigRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &record, nil
}

// SetConfig validates and stores an override for a merchant. The override
// is validated merged over the current defaults.
func (s *ConfigService) SetConfig(ctx context.Context, merchantID string, algorithm limiter.Algorithm, params limiter.Params) (*ConfigRecord, error) {
	if err := limiter.ValidateKey(merchantID); err != nil {
		return nil, err
	}
	if err := s.defaults.Defaults(algorithm).Merge(params).Validate(algorithm); err != nil {
		if errors.Is(err, limiter.ErrUnknownAlgorithm) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	now := s.clock.Now().Unix()
	record := &ConfigRecord{
		MerchantID: merchantID,
		Algorithm:  algorithm,
		Params:     params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	existing, err := s.GetConfig(ctx, merchantID, algorithm)
	switch {
	case err == nil:
		record.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrConfigNotFound):
	default:
		return nil, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, s.ConfigKey(algorithm, merchantID), string(data), 0); err != nil {
		return nil, fmt.Errorf("set configuration: %w", err)
	}

	s.Logger.Info("rate limit configuration updated",
		zap.String("merchant_id", merchantID),
		zap.String("algorithm", string(algorithm)),
	)
	return record, nil
}

// DeleteConfig removes the override of a merchant
func (s *ConfigService) DeleteConfig(ctx context.Context, merchantID string, algorithm limiter.Algorithm) error {
	if _, err := s.GetConfig(ctx, merchantID, algorithm); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.ConfigKey(algorithm, merchantID)); err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	return nil
}

// Params implements limiter.ParamsSource.
func (s *ConfigService) Params(ctx context.Context, algorithm limiter.Algorithm, key string) (limiter.Params, error) {
	defaults := s.defaults.Defaults(algorithm)

	record, err := s.GetConfig(ctx, key, algorithm)
	switch {
	case err == nil:
		return defaults.Merge(record.Params), nil
	case errors.Is(err, ErrConfigNotFound):
		return defaults, nil
	case errors.Is(err, storage.ErrUnavailable):
		return limiter.Params{}, err
	default:
		s.Logger.Warn("ignoring unreadable configuration", zap.String("merchant_id", key), zap.Error(err))
		return defaults, nil
	}
}
