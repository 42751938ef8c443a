package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/govisually/webhookd/internal/kvstore"
)

type sequentialGen struct{ n int }

func (g *sequentialGen) NewID() string {
	g.n++
	return "evt-" + string(rune('0'+g.n))
}

func newTestStore(t *testing.T) Store {
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
	return New(kv, &sequentialGen{}, time.Hour)
}

func TestStoreAndLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, err := s.Store(ctx, "calendar", "booked", "ext-1", []byte(`{"a":1}`), "idem-1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ev.Status != StatusQueued {
		t.Fatalf("expected queued status, got %s", ev.Status)
	}

	loaded, err := s.Load(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Source != "calendar" || loaded.EventType != "booked" || loaded.ExternalID != "ext-1" {
		t.Fatalf("unexpected loaded fields: %+v", loaded)
	}
	if string(loaded.Payload) != `{"a":1}` {
		t.Fatalf("unexpected payload: %s", loaded.Payload)
	}
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, _ := s.Store(ctx, "support_tag", "tag_added", "ext-2", []byte("{}"), "idem-2")
	if err := s.SetStatus(ctx, ev.EventID, StatusIgnored, "tag_not_qualifying"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	loaded, err := s.Load(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != StatusIgnored || loaded.LastError != "tag_not_qualifying" {
		t.Fatalf("unexpected state after SetStatus: %+v", loaded)
	}
	if !IsTerminal(loaded.Status) {
		t.Fatalf("expected ignored to be terminal")
	}
}

func TestIncrementAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, _ := s.Store(ctx, "meeting_transcript", "completed", "ext-3", []byte("{}"), "idem-3")
	n, err := s.IncrementAttempts(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IncrementAttempts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected attempts=1, got %d", n)
	}
	n, err = s.IncrementAttempts(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("IncrementAttempts: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected attempts=2, got %d", n)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev, _ := s.Store(ctx, "manual_enrich", "enrich_request", "ext-4", []byte("{}"), "idem-4")
	if err := s.Delete(ctx, ev.EventID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, ev.EventID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Delete, got %v", err)
	}
}
