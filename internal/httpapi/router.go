// Package httpapi is the Ingress Router and Staging Pipeline (spec.md §4.6,
// §4.7): one HTTP handler per source, signature verification, event
// staging, idempotency acquisition, and enqueue — plus health/metrics/debug
// endpoints. Grounded on core/controlplane/gateway's per-route handler
// registration and response-envelope conventions.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/govisually/webhookd/core/infra/buildinfo"
	"github.com/govisually/webhookd/core/infra/logging"
	"github.com/govisually/webhookd/internal/config"
	"github.com/govisually/webhookd/internal/eventstore"
	"github.com/govisually/webhookd/internal/idempotency"
	"github.com/govisually/webhookd/internal/metrics"
	"github.com/govisually/webhookd/internal/queue"
	"github.com/govisually/webhookd/internal/signature"
)

// Server holds the components the Ingress Router and debug endpoints read.
type Server struct {
	Cfg     config.Config
	Events  eventstore.Store
	Idem    idempotency.Guard
	Queue   queue.Queue
	Metrics metrics.Metrics
}

// NewMux builds the process's top-level HTTP handler.
func NewMux(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhooks/calendar", s.ingressHandler(sourceRoute{
		Source:  "calendar",
		Verify:  s.verifyCalendar,
		Extract: s.extractCalendarMeta,
	}))
	mux.HandleFunc("/webhooks/meetings", s.ingressHandler(sourceRoute{
		Source:  "meeting_transcript",
		Verify:  s.verifyMeeting,
		Extract: extractMeetingMeta,
	}))
	mux.HandleFunc("/webhooks/support", s.ingressHandler(sourceRoute{
		Source:  "support",
		Verify:  s.verifySupport,
		Extract: extractSupportMeta,
	}))
	mux.HandleFunc("/enrich/lead", s.ingressHandler(sourceRoute{
		Source:  "manual_enrich",
		Verify:  s.verifyEnrich,
		Extract: extractEnrichMeta,
	}))

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	if s.Cfg.AllowDebugEndpoints {
		mux.HandleFunc("/debug/events/", s.handleDebugEvent)
		mux.HandleFunc("/debug/idem/", s.handleDebugIdem)
		mux.HandleFunc("/debug/status", s.handleDebugStatus)
	}

	return mux
}

// handleHealthz serves GET /healthz: a liveness probe that also verifies
// the K/V store connection, since a worker with no Redis can accept
// traffic but never actually stage or process anything.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Events != nil {
		if err := s.Events.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ok": false, "error": "store_unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "uptime_seconds": int(buildinfo.Uptime().Seconds())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// eventMeta is what an Extract function pulls out of a raw body before
// staging: enough to route and dedupe, without knowing the full payload
// shape (spec.md §1: payload shapes are out of scope for the core).
type eventMeta struct {
	// Source overrides the route's default source tag when one physical
	// route dispatches multiple logical sources (e.g. /webhooks/support
	// carries both support_tag and support_company, picked by the
	// envelope's "topic" field). Empty means "use the route's source".
	Source         string
	EventType      string
	ExternalID     string
	IdempotencyKey string
}

type sourceRoute struct {
	Source  string
	Verify  func(r *http.Request, body []byte) signature.Result
	Extract func(body []byte) (eventMeta, error)
}

const maxBodyBytes = 5 << 20 // 5MB

func (s *Server) ingressHandler(route sourceRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body_read_failed"})
			return
		}
		if len(body) > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body_too_large"})
			return
		}

		verdict := route.Verify(r, body)
		if !verdict.OK {
			logging.Info("httpapi", "signature rejected", "source", route.Source, "reason", verdict.Reason)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "signature_invalid", "reason": verdict.Reason})
			return
		}

		meta, err := route.Extract(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_payload"})
			return
		}

		source := route.Source
		if meta.Source != "" {
			source = meta.Source
		}

		if meta.EventType == "" {
			s.Metrics.IncIgnored(source, "unrecognized_event_type")
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ignored": true, "reason": "unrecognized_event_type"})
			return
		}

		s.Metrics.IncIngested(source, meta.EventType)
		s.stage(r.Context(), w, source, meta, body)
	}
}

// stage implements the Staging Pipeline (spec.md §4.7): store the event
// unconditionally, then attempt idempotency acquisition, then enqueue. A
// duplicate leaves its own (ignored) event record behind rather than being
// silently dropped (DESIGN.md D1).
func (s *Server) stage(ctx context.Context, w http.ResponseWriter, source string, meta eventMeta, body []byte) {
	ev, err := s.Events.Store(ctx, source, meta.EventType, meta.ExternalID, body, meta.IdempotencyKey)
	if err != nil {
		logging.Error("httpapi", "event store failed", "source", source, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_failed"})
		return
	}

	acquired, err := s.Idem.TryAcquire(ctx, meta.IdempotencyKey, ev.EventID)
	if err != nil {
		logging.Error("httpapi", "idempotency acquire failed", "source", source, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "idempotency_failed"})
		return
	}
	if !acquired.Acquired {
		_ = s.Events.SetStatus(ctx, ev.EventID, eventstore.StatusIgnored, "duplicate_idempotency_key")
		s.Metrics.IncDuplicate(source)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "duplicate": true, "event_id": acquired.ExistingEventID,
		})
		return
	}

	if _, err := s.Queue.Enqueue(ctx, meta.IdempotencyKey, ev.EventID); err != nil {
		logging.Error("httpapi", "enqueue failed", "source", source, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue_failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "queued": true, "event_id": ev.EventID, "idempotency_key": meta.IdempotencyKey,
	})
}

func sigTolerance() time.Duration { return 5 * time.Minute }
