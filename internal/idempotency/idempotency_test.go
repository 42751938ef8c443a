package idempotency

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/govisually/webhookd/internal/kvstore"
)

func newTestGuard(t *testing.T) Guard {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	kv, err := kvstore.NewRedisStore("redis://"+srv.Addr(), 0)
	if err != nil {
		t.Fatalf("kvstore: %v", err)
	}
	return New(kv, time.Hour)
}

func TestTryAcquireFirstWinsSecondSeesExisting(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	res, err := g.TryAcquire(ctx, "k1", "event-1")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected first acquire to win")
	}

	res, err = g.TryAcquire(ctx, "k1", "event-2")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if res.Acquired {
		t.Fatalf("expected second acquire to lose")
	}
	if res.ExistingEventID != "event-1" {
		t.Fatalf("expected existing event id event-1, got %q", res.ExistingEventID)
	}
}

func TestGetEventIDForKeyUnknown(t *testing.T) {
	g := newTestGuard(t)
	id, err := g.GetEventIDForKey(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetEventIDForKey: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for unknown key, got %q", id)
	}
}

func TestReleaseFreesKeyForReacquire(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	if _, err := g.TryAcquire(ctx, "k2", "event-1"); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if err := g.Release(ctx, "k2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	res, err := g.TryAcquire(ctx, "k2", "event-2")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected reacquire to succeed after Release")
	}
}

func TestMarkProcessedAndIsProcessed(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	processed, err := g.IsProcessed(ctx, "k3")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if processed {
		t.Fatalf("expected not processed before MarkProcessed")
	}

	if err := g.MarkProcessed(ctx, "k3"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	processed, err = g.IsProcessed(ctx, "k3")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Fatalf("expected processed after MarkProcessed")
	}
}
