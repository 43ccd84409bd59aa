package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammadhprp/admission/internal/clock"
	"github.com/mohammadhprp/admission/internal/limiter"
	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/storage"
)

func newTestConfigService(t *testing.T) (*service.ConfigService, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := storage.NewMemoryStore(storage.WithClock(fake), storage.WithSweepInterval(0))
	t.Cleanup(func() { store.Close() })
	return service.NewConfigService(store, nil, fake, zap.NewNop()), fake
}

type fixedDefaults limiter.Params

func (d fixedDefaults) Defaults(algorithm limiter.Algorithm) limiter.Params {
	return limiter.DefaultParams(algorithm).Merge(limiter.Params(d))
}

func TestConfigServiceGetConfigNotFound(t *testing.T) {
	svc, _ := newTestConfigService(t)

	_, err := svc.GetConfig(context.Background(), "merchant-1", limiter.AlgorithmTokenBucket)
	assert.ErrorIs(t, err, service.ErrConfigNotFound)
}

func TestConfigServiceSetConfig(t *testing.T) {
	svc, fake := newTestConfigService(t)
	ctx := context.Background()

	created, err := svc.SetConfig(ctx, "merchant-1", limiter.AlgorithmFixedWindow, limiter.Params{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, fake.Now().Unix(), created.CreatedAt)

	fake.Advance(time.Hour)
	updated, err := svc.SetConfig(ctx, "merchant-1", limiter.AlgorithmFixedWindow, limiter.Params{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt, "created_at must survive updates")
	assert.Equal(t, fake.Now().Unix(), updated.UpdatedAt)

	got, err := svc.GetConfig(ctx, "merchant-1", limiter.AlgorithmFixedWindow)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Params.Limit)
}

func TestConfigServiceSetConfigValidation(t *testing.T) {
	svc, _ := newTestConfigService(t)
	ctx := context.Background()

	_, err := svc.SetConfig(ctx, "merchant-1", limiter.AlgorithmTokenBucket, limiter.Params{Capacity: -5})
	assert.ErrorIs(t, err, service.ErrInvalidConfig)
	assert.ErrorIs(t, err, limiter.ErrInvalidParams)

	_, err = svc.SetConfig(ctx, "bad merchant", limiter.AlgorithmTokenBucket, limiter.Params{})
	assert.ErrorIs(t, err, limiter.ErrInvalidKey)

	_, err = svc.SetConfig(ctx, "merchant-1", limiter.Algorithm("nope"), limiter.Params{})
	assert.ErrorIs(t, err, service.ErrUnknownAlgorithm)
}

func TestConfigServiceDeleteConfig(t *testing.T) {
	svc, _ := newTestConfigService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.DeleteConfig(ctx, "merchant-1", limiter.AlgorithmLeakyBucket), service.ErrConfigNotFound)

	_, err := svc.SetConfig(ctx, "merchant-1", limiter.AlgorithmLeakyBucket, limiter.Params{Capacity: 2})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteConfig(ctx, "merchant-1", limiter.AlgorithmLeakyBucket))

	_, err = svc.GetConfig(ctx, "merchant-1", limiter.AlgorithmLeakyBucket)
	assert.ErrorIs(t, err, service.ErrConfigNotFound)
}

func TestConfigServiceParamsMergesOverDefaults(t *testing.T) {
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := storage.NewMemoryStore(storage.WithClock(fake), storage.WithSweepInterval(0))
	defer store.Close()
	svc := service.NewConfigService(store, fixedDefaults{Capacity: 50}, fake, zap.NewNop())
	ctx := context.Background()

	p, err := svc.Params(ctx, limiter.AlgorithmTokenBucket, "merchant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, p.Capacity)
	assert.Equal(t, time.Second, p.RefillInterval)

	_, err = svc.SetConfig(ctx, "merchant-1", limiter.AlgorithmTokenBucket, limiter.Params{RefillRate: 5})
	require.NoError(t, err)

	p, err = svc.Params(ctx, limiter.AlgorithmTokenBucket, "merchant-1")
	require.NoError(t, err)
	assert.EqualValues(t, 50, p.Capacity)
	assert.Equal(t, 5.0, p.RefillRate)

	other, err := svc.Params(ctx, limiter.AlgorithmTokenBucket, "merchant-2")
	require.NoError(t, err)
	assert.Equal(t, 1.0, other.RefillRate, "overrides are scoped to one merchant")
}
