package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammadhprp/admission/internal/service"
	"github.com/mohammadhprp/admission/internal/storage"
	"github.com/mohammadhprp/admission/internal/transaction"
	"github.com/mohammadhprp/admission/internal/transport"
)

func TestResetRequiresArguments(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"reset", "token_bucket"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	assert.Error(t, root.Execute())
}

func TestResetCallsRunningServer(t *testing.T) {
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop()
	configs := service.NewConfigService(store, nil, nil, logger)
	rateLimit := service.NewRateLimitService(store, configs, logger)
	rec, err := transaction.NewSQLiteRecorder(filepath.Join(t.TempDir(), "tx.db"), nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })

	srv := transport.NewGRPCServer(transport.ServerConfig{
		Logger:    logger,
		RateLimit: rateLimit,
		Configs:   configs,
		Health:    service.NewHealthService(store, logger),
		Recorder:  rec,
		Admin:     transport.AdminSettings{Token: "s3cret", RPS: 1, Burst: 1},
	})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(context.Background(), lis)
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := rateLimit.Decide(ctx, "exponential_backoff", "merchant-1")
		require.NoError(t, err)
	}
	d, err := rateLimit.Decide(ctx, "exponential_backoff", "merchant-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetArgs([]string{"reset", "exponential_backoff", "merchant-1", "--addr", lis.Addr().String(), "--token", "s3cret"})
	root.SetOut(out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "rate limit reset")

	d, err = rateLimit.Decide(ctx, "exponential_backoff", "merchant-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	root = newRootCmd()
	root.SetArgs([]string{"reset", "exponential_backoff", "merchant-1", "--addr", lis.Addr().String(), "--token", "wrong"})
	root.SetOut(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}
