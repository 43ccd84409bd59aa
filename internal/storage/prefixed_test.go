package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/mohammadhprp/admission/internal/storage"
)

func TestPrefixedStoreIsolatesKeys(t *testing.T) {
	ms, _ := newFakeStore(t)
	scoped := storage.NewPrefixedStore(ms, "client:")
	ctx := context.Background()

	if err := scoped.Set(ctx, "k", "scoped", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ms.Set(ctx, "k", "plain", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if val, _ := scoped.Get(ctx, "k"); val != "scoped" {
		t.Errorf("expected scoped value, got %q", val)
	}
	if val, _ := ms.Get(ctx, "client:k"); val != "scoped" {
		t.Errorf("expected the prefixed key in the underlying store, got %q", val)
	}

	if _, err := scoped.Increment(ctx, "n", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val, _ := ms.Get(ctx, "n"); val != "" {
		t.Errorf("unprefixed counter should be untouched, got %q", val)
	}

	if err := scoped.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val, _ := ms.Get(ctx, "k"); val != "plain" {
		t.Errorf("deleting the scoped key removed the plain one, got %q", val)
	}
}
