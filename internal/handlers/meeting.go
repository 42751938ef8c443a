package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/govisually/webhookd/internal/config"
	"github.com/govisually/webhookd/internal/jobrun"
)

// MeetingEnvelope is the subset of a completed-meeting-transcript payload
// the handler reads. Grounded on original_source/app/jobs/readai_jobs.py.
type MeetingEnvelope struct {
	DurationMinutes int               `json:"duration_minutes"`
	Transcript      string            `json:"transcript"`
	Summary         string            `json:"summary"`
	Attendees       []MeetingAttendee `json:"attendees"`
	Owner           MeetingAttendee   `json:"owner"`
}

type MeetingAttendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func parseMeetingEnvelope(payload []byte) (*MeetingEnvelope, error) {
	var env MeetingEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// rankAttendees returns the external (non-customer-domain) attendees only,
// with the meeting owner first if the owner themselves is external.
// Internal attendees never appear in the result — this is deliberately not
// a fallback list, so a meeting with only internal participants yields no
// candidate rather than picking the wrong lead. Grounded on
// original_source/app/services/readai_service.py's
// get_all_external_attendee_emails.
func rankAttendees(attendees []MeetingAttendee, owner MeetingAttendee, customerDomains []string) []MeetingAttendee {
	isInternal := func(email string) bool {
		at := strings.LastIndex(email, "@")
		if at < 0 {
			return false
		}
		domain := strings.ToLower(email[at+1:])
		for _, d := range customerDomains {
			if strings.EqualFold(domain, d) {
				return true
			}
		}
		return false
	}

	external := make([]MeetingAttendee, 0, len(attendees))
	seen := map[string]bool{}

	if owner.Email != "" && !isInternal(owner.Email) {
		external = append(external, owner)
		seen[strings.ToLower(owner.Email)] = true
	}
	for _, a := range attendees {
		if a.Email == "" || isInternal(a.Email) {
			continue
		}
		key := strings.ToLower(a.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		external = append(external, a)
	}
	return external
}

func meetingCompleted(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		env, err := parseMeetingEnvelope(jc.Payload)
		if err != nil {
			return jobrun.NewPermanent("invalid_meeting_payload", err)
		}
		if env.DurationMinutes > 0 && env.DurationMinutes < c.Cfg.MinDurationMinutes {
			return jobrun.NewIgnored("meeting_too_short")
		}

		ranked := rankAttendees(env.Attendees, env.Owner, c.Cfg.CustomerDomains)
		if len(ranked) == 0 {
			return jobrun.NewPermanent("no_external_attendees", nil)
		}

		var leadID, leadEmail string
		for _, a := range ranked {
			lead, err := c.CRM.FindLeadByEmail(ctx, a.Email)
			if err != nil {
				return err
			}
			if lead != nil {
				leadID, leadEmail = lead.ID, a.Email
				break
			}
		}
		if leadID == "" {
			leadEmail = ranked[0].Email
		}

		intel, err := extractMeetingIntel(ctx, c, env)
		if err != nil {
			return err
		}

		fields := map[string]interface{}{
			"Email":                  leadEmail,
			c.Cfg.CRMLeadStatusField: c.Cfg.StatusDemoComplete,
		}
		mergeIntelFields(fields, intel)
		if c.Cfg.DemoDatePolicy == config.DemoDatePolicyPreserveExisting {
			// A meeting-transcript update never sets Demo_Date itself (no
			// handler in this package writes it); this only drops a Demo_Date
			// key that merged LLM intel might carry.
			delete(fields, "Demo_Date")
		}

		leadID, err = c.CRM.UpsertLeadByEmail(ctx, leadEmail, fields)
		if err != nil {
			return err
		}

		note := fmt.Sprintf("Meeting summary:\n\n%s", env.Summary)
		if err := c.CRM.CreateNote(ctx, leadID, "Meeting Completed", note); err != nil {
			return err
		}

		if c.Cfg.CreateFollowupTask {
			if err := c.CRM.CreateTask(ctx, leadID, "Follow up after demo", "", "High", "Send follow-up materials referenced in the demo call."); err != nil {
				return err
			}
		}
		return nil
	}
}

func extractMeetingIntel(ctx context.Context, c Clients, env *MeetingEnvelope) (map[string]interface{}, error) {
	if c.LLM == nil || env.Transcript == "" {
		return nil, nil
	}
	obj, err := c.LLM.Extract(ctx, meetingIntelSystemPrompt, env.Transcript, meetingIntelSchema)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

const meetingIntelSystemPrompt = "Extract MEDDIC-style sales intelligence from the demo call transcript."

var meetingIntelSchema = []byte(`{
  "type": "object",
  "properties": {
    "metrics": {"type": "string"},
    "economic_buyer": {"type": "string"},
    "decision_criteria": {"type": "string"},
    "decision_process": {"type": "string"},
    "identify_pain": {"type": "string"},
    "champion": {"type": "string"},
    "next_steps": {"type": "string"}
  },
  "required": []
}`)
