// Package eventstore durably stages each incoming webhook (spec.md §4.2).
// Records live as Redis hashes keyed by event_id, grounded on
// core/infra/memory/job_store.go's per-record hash layout, adapted from a
// job-scheduling state machine to the event lifecycle:
// queued -> processing -> {processed, ignored, failed}.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/govisually/webhookd/internal/ids"
	"github.com/govisually/webhookd/internal/kvstore"
)

// Status is one of the Event lifecycle states (spec.md §3).
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusIgnored    Status = "ignored"
	StatusFailed     Status = "failed"
)

// terminal reports whether a status is one the Runner never resurrects.
func (s Status) terminal() bool {
	return s == StatusProcessed || s == StatusIgnored || s == StatusFailed
}

// ErrNotFound is returned by Load when the event has expired or never existed.
var ErrNotFound = errors.New("eventstore: event not found")

// Event is the staged record of one incoming webhook (spec.md §3).
type Event struct {
	EventID         string
	Source          string
	EventType       string
	ExternalID      string
	IdempotencyKey  string
	Status          Status
	Attempts        int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Payload         []byte
}

// Store is the Event Store interface (spec.md §4.2).
type Store interface {
	Store(ctx context.Context, source, eventType, externalID string, payload []byte, idempotencyKey string) (*Event, error)
	Load(ctx context.Context, eventID string) (*Event, error)
	SetStatus(ctx context.Context, eventID string, status Status, lastError string) error
	IncrementAttempts(ctx context.Context, eventID string) (int, error)
	Delete(ctx context.Context, eventID string) error
	// Ping checks the underlying K/V store connection, used by /healthz
	// (spec.md §6) to distinguish "process is up" from "process can stage
	// events".
	Ping(ctx context.Context) error
}

type store struct {
	kv  kvstore.Store
	gen ids.Generator
	ttl time.Duration
}

// New constructs an Event Store backed by kv, with ttl applied to every
// written record (spec.md EVENT_TTL_SECONDS).
func New(kv kvstore.Store, gen ids.Generator, ttl time.Duration) Store {
	return &store{kv: kv, gen: gen, ttl: ttl}
}

func eventKey(eventID string) string { return "event:" + eventID }

func (s *store) Store(ctx context.Context, source, eventType, externalID string, payload []byte, idempotencyKey string) (*Event, error) {
	now := time.Now().UTC()
	ev := &Event{
		EventID:        s.gen.NewID(),
		Source:         source,
		EventType:      eventType,
		ExternalID:     externalID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusQueued,
		Attempts:       0,
		CreatedAt:      now,
		UpdatedAt:      now,
		Payload:        payload,
	}
	if err := s.kv.HSetTTL(ctx, eventKey(ev.EventID), encode(ev), s.ttl); err != nil {
		return nil, fmt.Errorf("eventstore: store: %w", err)
	}
	return ev, nil
}

func (s *store) Load(ctx context.Context, eventID string) (*Event, error) {
	fields, err := s.kv.HGetAll(ctx, eventKey(eventID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: load: %w", err)
	}
	return decode(eventID, fields)
}

func (s *store) SetStatus(ctx context.Context, eventID string, status Status, lastError string) error {
	ev, err := s.Load(ctx, eventID)
	if err != nil {
		return err
	}
	ev.Status = status
	ev.LastError = lastError
	ev.UpdatedAt = time.Now().UTC()
	return s.kv.HSetTTL(ctx, eventKey(eventID), encode(ev), s.ttl)
}

func (s *store) IncrementAttempts(ctx context.Context, eventID string) (int, error) {
	ev, err := s.Load(ctx, eventID)
	if err != nil {
		return 0, err
	}
	ev.Attempts++
	ev.UpdatedAt = time.Now().UTC()
	if err := s.kv.HSetTTL(ctx, eventKey(eventID), encode(ev), s.ttl); err != nil {
		return 0, err
	}
	return ev.Attempts, nil
}

func (s *store) Delete(ctx context.Context, eventID string) error {
	return s.kv.Del(ctx, eventKey(eventID))
}

func (s *store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}

func encode(ev *Event) map[string]string {
	return map[string]string{
		"source":          ev.Source,
		"event_type":      ev.EventType,
		"external_id":     ev.ExternalID,
		"idempotency_key": ev.IdempotencyKey,
		"status":          string(ev.Status),
		"attempts":        strconv.Itoa(ev.Attempts),
		"last_error":      ev.LastError,
		"created_at":      ev.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      ev.UpdatedAt.Format(time.RFC3339Nano),
		"payload":         string(ev.Payload),
	}
}

func decode(eventID string, f map[string]string) (*Event, error) {
	attempts, _ := strconv.Atoi(f["attempts"])
	createdAt, _ := time.Parse(time.RFC3339Nano, f["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, f["updated_at"])
	return &Event{
		EventID:        eventID,
		Source:         f["source"],
		EventType:      f["event_type"],
		ExternalID:     f["external_id"],
		IdempotencyKey: f["idempotency_key"],
		Status:         Status(f["status"]),
		Attempts:       attempts,
		LastError:      f["last_error"],
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		Payload:        []byte(f["payload"]),
	}, nil
}

// IsTerminal reports whether status is one of processed/ignored/failed.
func IsTerminal(status Status) bool { return status.terminal() }
