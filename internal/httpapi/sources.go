package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/govisually/webhookd/internal/signature"
)

func (s *Server) verifyCalendar(r *http.Request, body []byte) signature.Result {
	return signature.VerifyHMAC(s.Cfg.SourceSecrets.CalendarSigningKey, r.Header.Get("Calendar-Signature"), body, sigTolerance())
}

func (s *Server) verifyMeeting(r *http.Request, body []byte) signature.Result {
	return signature.VerifySharedSecret(s.Cfg.SourceSecrets.MeetingSharedSecret, r.Header.Get("X-Meeting-Secret"))
}

func (s *Server) verifySupport(r *http.Request, body []byte) signature.Result {
	return signature.VerifyHMAC(s.Cfg.SourceSecrets.SupportSigningKey, r.Header.Get("X-Support-Signature"), body, sigTolerance())
}

func (s *Server) verifyEnrich(r *http.Request, body []byte) signature.Result {
	return signature.VerifySharedSecret(s.Cfg.SourceSecrets.EnrichSharedSecret, r.Header.Get("X-Enrich-Secret"))
}

type calendarMetaEnvelope struct {
	Event string `json:"event"`
	Payload struct {
		Event struct {
			UUID      string `json:"uuid"`
			EventType struct {
				URI string `json:"uri"`
			} `json:"event_type"`
		} `json:"event"`
		Invitee struct {
			UUID string `json:"uuid"`
		} `json:"invitee"`
	} `json:"payload"`
}

// extractCalendarMeta maps Calendly's top-level "event" field
// (invitee.created / invitee.canceled / invitee.rescheduled) onto the
// core's booked/canceled/rescheduled vocabulary, and applies the optional
// CALENDLY_EVENT_TYPE_URI filter (SPEC_FULL.md SF-1).
func (s *Server) extractCalendarMeta(body []byte) (eventMeta, error) {
	var env calendarMetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventMeta{}, err
	}

	eventType := calendarEventType(env.Event)
	if eventType == "" {
		return eventMeta{}, nil
	}
	if uri := s.Cfg.CalendlyEventTypeURI; uri != "" && env.Payload.Event.EventType.URI != uri {
		return eventMeta{}, nil
	}

	extID := env.Payload.Invitee.UUID
	if extID == "" {
		extID = env.Payload.Event.UUID
	}
	return eventMeta{
		EventType:      eventType,
		ExternalID:     extID,
		IdempotencyKey: fmt.Sprintf("calendar:%s:%s", eventType, extID),
	}, nil
}

func calendarEventType(raw string) string {
	switch raw {
	case "invitee.created":
		return "booked"
	case "invitee.canceled":
		return "canceled"
	case "invitee.rescheduled":
		return "rescheduled"
	default:
		return ""
	}
}

type meetingMetaEnvelope struct {
	MeetingID string `json:"meeting_id"`
	Status    string `json:"status"`
}

func extractMeetingMeta(body []byte) (eventMeta, error) {
	var env meetingMetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventMeta{}, err
	}
	if env.Status != "" && env.Status != "completed" {
		return eventMeta{}, nil
	}
	return eventMeta{
		EventType:      "completed",
		ExternalID:     env.MeetingID,
		IdempotencyKey: fmt.Sprintf("meeting_transcript:completed:%s", env.MeetingID),
	}, nil
}

type supportTopicEnvelope struct {
	Topic string `json:"topic"`
}

type tagMetaEnvelope struct {
	Data struct {
		Item struct {
			ID  string `json:"id"`
			Tag struct {
				ID string `json:"id"`
			} `json:"tag"`
		} `json:"item"`
	} `json:"data"`
}

type companyMetaEnvelope struct {
	Data struct {
		Item struct {
			CompanyID string `json:"company_id"`
			UpdatedAt int64  `json:"updated_at"`
		} `json:"item"`
	} `json:"data"`
}

// extractSupportMeta dispatches the merged /webhooks/support route on the
// envelope's "topic" field (spec.md §6), the way Intercom's own webhook
// payload identifies itself. Grounded on
// original_source/app/api/routes_webhooks_intercom.go's topic switch and
// app/jobs/intercom_jobs.py's _process_company_updated.
func extractSupportMeta(body []byte) (eventMeta, error) {
	var topicEnv supportTopicEnvelope
	if err := json.Unmarshal(body, &topicEnv); err != nil {
		return eventMeta{}, err
	}
	switch topicEnv.Topic {
	case "contact.lead.tag.created", "contact.user.tag.created":
		return extractTagMeta(body)
	case "company.updated":
		return extractCompanyMeta(body)
	default:
		return eventMeta{}, nil
	}
}

func extractTagMeta(body []byte) (eventMeta, error) {
	var env tagMetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventMeta{}, err
	}
	extID := env.Data.Item.ID + ":" + env.Data.Item.Tag.ID
	return eventMeta{
		Source:         "support_tag",
		EventType:      "tag_added",
		ExternalID:     extID,
		IdempotencyKey: fmt.Sprintf("support_tag:tag_added:%s", extID),
	}, nil
}

func extractCompanyMeta(body []byte) (eventMeta, error) {
	var env companyMetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventMeta{}, err
	}
	return eventMeta{
		Source:         "support_company",
		EventType:      "company_updated",
		ExternalID:     env.Data.Item.CompanyID,
		IdempotencyKey: fmt.Sprintf("support_company:company_updated:%s:%d", env.Data.Item.CompanyID, env.Data.Item.UpdatedAt),
	}, nil
}

type enrichMetaEnvelope struct {
	Email string `json:"email"`
}

// extractEnrichMeta reads the manual-enrich webhook body ({email, lead_id?}
// per spec.md §6 / original_source/app/api/routes_enrich.py). The
// idempotency key is derived from the email so re-posting the same manual
// enrich request is a no-op, matching the other sources' content-derived
// keys; there is no request_id field in the documented payload.
func extractEnrichMeta(body []byte) (eventMeta, error) {
	var env enrichMetaEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return eventMeta{}, err
	}
	if env.Email == "" {
		return eventMeta{}, fmt.Errorf("httpapi: enrich request missing email")
	}
	return eventMeta{
		EventType:      "enrich_request",
		ExternalID:     env.Email,
		IdempotencyKey: fmt.Sprintf("manual_enrich:enrich_request:%s", env.Email),
	}, nil
}
