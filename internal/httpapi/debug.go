package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/govisually/webhookd/internal/eventstore"
)

// handleDebugEvent serves GET /debug/events/{event_id}. Only mounted when
// ALLOW_DEBUG_ENDPOINTS is set (spec.md §6): it exposes the full staged
// payload, which is not safe to expose in production by default.
func (s *Server) handleDebugEvent(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimPrefix(r.URL.Path, "/debug/events/")
	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_event_id"})
		return
	}
	ev, err := s.Events.Load(r.Context(), eventID)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "load_failed"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleDebugIdem serves GET /debug/idem/{key}: the event_id currently
// holding the idempotency key, if any.
func (s *Server) handleDebugIdem(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/debug/idem/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_key"})
		return
	}
	eventID, err := s.Idem.GetEventIDForKey(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup_failed"})
		return
	}
	if eventID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	processed, err := s.Idem.IsProcessed(r.Context(), key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup_failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"event_id": eventID, "processed": processed})
}

// handleDebugStatus serves GET /debug/status: a static description of the
// process's own configuration relevant to triage (never secrets).
func (s *Server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"env":                    s.Cfg.Env,
		"dry_run":                s.Cfg.DryRun,
		"crm_datacenter":         s.Cfg.CRMDatacenter,
		"allow_debug_endpoints":  s.Cfg.AllowDebugEndpoints,
		"enable_auto_enrich_calendar": s.Cfg.EnableAutoEnrichCalendar,
		"enable_auto_enrich_intercom": s.Cfg.EnableAutoEnrichIntercom,
	})
}
