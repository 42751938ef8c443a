// Package handlers is the Handler Set (spec.md §4.11): one pure-ish
// function per (source, event_type), composing the CRM and LLM clients.
// Grounded on original_source/app/jobs/calendly_jobs.py, readai_jobs.py,
// and intercom_jobs.py.
package handlers

import (
	"github.com/govisually/webhookd/internal/config"
	"github.com/govisually/webhookd/internal/crmclient"
	"github.com/govisually/webhookd/internal/enrichclient"
	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/llmclient"
	"github.com/govisually/webhookd/internal/notifier"
)

// Clients bundles the external collaborators every handler may call.
type Clients struct {
	CRM    crmclient.Client
	LLM    llmclient.Client
	Enrich enrichclient.Client
	Notify notifier.Notifier
	Cfg    config.Config
}

// DispatchKey identifies a handler by (source, event_type).
type DispatchKey struct {
	Source    string
	EventType string
}

// Table is the static dispatch table the Job Runner consults (spec.md
// §4.11: "each handler declares, in code, its dispatch key").
func Table(c Clients) map[DispatchKey]jobrun.Handler {
	return map[DispatchKey]jobrun.Handler{
		{Source: "calendar", EventType: "booked"}:      calendarBooked(c),
		{Source: "calendar", EventType: "canceled"}:    calendarCanceled(c),
		{Source: "calendar", EventType: "rescheduled"}: calendarRescheduled(c),

		{Source: "meeting_transcript", EventType: "completed"}: meetingCompleted(c),

		{Source: "support_tag", EventType: "tag_added"}: supportTagAdded(c),

		{Source: "support_company", EventType: "company_updated"}: supportCompanyUpdated(c),

		{Source: "manual_enrich", EventType: "enrich_request"}: manualEnrichRequest(c),
	}
}
