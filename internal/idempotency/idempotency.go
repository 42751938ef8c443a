// Package idempotency implements the Idempotency Guard (spec.md §4.3),
// grounded on original_source/app/services/idempotency_service.py's two-key
// layout: event_by_idem:{key} (atomic set-if-absent) and processed:{key}
// (existence marker). The processed key literal follows spec.md §6's K/V
// layout table rather than the original's "idem:processed:" prefix
// (DESIGN.md D5) — a cosmetic rename only.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/govisually/webhookd/internal/kvstore"
)

// AcquireResult is the outcome of TryAcquire.
type AcquireResult struct {
	Acquired        bool
	ExistingEventID string
}

// Guard is the Idempotency Guard interface.
type Guard interface {
	TryAcquire(ctx context.Context, key, eventID string) (AcquireResult, error)
	GetEventIDForKey(ctx context.Context, key string) (string, error)
	Release(ctx context.Context, key string) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

type guard struct {
	kv  kvstore.Store
	ttl time.Duration
}

// New constructs an Idempotency Guard with the given TTL applied to both
// physical keys (spec.md's IDEMPOTENCY_TTL_SECONDS).
func New(kv kvstore.Store, ttl time.Duration) Guard {
	return &guard{kv: kv, ttl: ttl}
}

func idemKey(key string) string     { return "event_by_idem:" + key }
func processedKey(key string) string { return "processed:" + key }

func (g *guard) TryAcquire(ctx context.Context, key, eventID string) (AcquireResult, error) {
	ok, err := g.kv.SetNX(ctx, idemKey(key), eventID, g.ttl)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("idempotency: acquire: %w", err)
	}
	if ok {
		return AcquireResult{Acquired: true}, nil
	}
	existing, err := g.GetEventIDForKey(ctx, key)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Acquired: false, ExistingEventID: existing}, nil
}

func (g *guard) GetEventIDForKey(ctx context.Context, key string) (string, error) {
	v, err := g.kv.Get(ctx, idemKey(key))
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency: get event id: %w", err)
	}
	return v, nil
}

func (g *guard) Release(ctx context.Context, key string) error {
	return g.kv.Del(ctx, idemKey(key))
}

func (g *guard) IsProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := g.kv.Exists(ctx, processedKey(key))
	if err != nil {
		return false, fmt.Errorf("idempotency: is processed: %w", err)
	}
	return ok, nil
}

func (g *guard) MarkProcessed(ctx context.Context, key string) error {
	if err := g.kv.Set(ctx, processedKey(key), "1", g.ttl); err != nil {
		return fmt.Errorf("idempotency: mark processed: %w", err)
	}
	return nil
}
