package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/govisually/webhookd/internal/jobrun"
)

// CalendarEnvelope is the subset of a calendar-booking payload the core
// needs; the full body is preserved as the opaque Event.Payload (spec.md §1:
// "out of scope: the specific shape of each upstream payload").
type CalendarEnvelope struct {
	Event struct {
		UUID      string `json:"uuid"`
		StartTime string `json:"start_time"`
		Timezone  string `json:"timezone"`
		EventType struct {
			URI  string `json:"uri"`
			Name string `json:"name"`
		} `json:"event_type"`
	} `json:"event"`
	Invitee struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Questions []struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		} `json:"questions_and_answers"`
	} `json:"invitee"`
}

func parseCalendarEnvelope(payload []byte) (*CalendarEnvelope, error) {
	var env CalendarEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func calendarBooked(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		env, err := parseCalendarEnvelope(jc.Payload)
		if err != nil {
			return jobrun.NewPermanent("invalid_calendar_payload", err)
		}
		if env.Invitee.Email == "" {
			return jobrun.NewPermanent("missing_invitee_email", nil)
		}

		intel, err := extractCalendarIntel(ctx, c, env)
		if err != nil {
			return err
		}

		fields := map[string]interface{}{
			"Email":      env.Invitee.Email,
			"First_Name": env.Invitee.FirstName,
			"Last_Name":  nonEmpty(env.Invitee.LastName, "Unknown"),
			c.Cfg.CRMLeadStatusField: c.Cfg.StatusDemoBooked,
		}
		mergeIntelFields(fields, intel)

		leadID, err := c.CRM.UpsertLeadByEmail(ctx, env.Invitee.Email, fields)
		if err != nil {
			return err
		}

		note := fmt.Sprintf("Demo booked for %s (%s)\n\n%s", env.Event.StartTime, env.Event.Timezone, formatQA(env.Invitee.Questions))
		if err := c.CRM.CreateNote(ctx, leadID, "Calendly Demo Booked", note); err != nil {
			return err
		}

		if c.Cfg.EnableAutoEnrichCalendar {
			autoEnrichLead(ctx, c, leadID, env.Invitee.Email)
		}
		return nil
	}
}

func calendarCanceled(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		env, err := parseCalendarEnvelope(jc.Payload)
		if err != nil {
			return jobrun.NewPermanent("invalid_calendar_payload", err)
		}
		if env.Invitee.Email == "" {
			return jobrun.NewPermanent("missing_invitee_email", nil)
		}
		fields := map[string]interface{}{
			"Email":                  env.Invitee.Email,
			c.Cfg.CRMLeadStatusField: c.Cfg.StatusDemoCanceled,
		}
		_, err = c.CRM.UpsertLeadByEmail(ctx, env.Invitee.Email, fields)
		if err != nil {
			return err
		}
		leadID, err := leadIDForEmail(ctx, c, env.Invitee.Email)
		if err != nil {
			return err
		}
		return c.CRM.CreateNote(ctx, leadID, "Calendly Demo Canceled", "The scheduled demo was canceled.")
	}
}

func calendarRescheduled(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		env, err := parseCalendarEnvelope(jc.Payload)
		if err != nil {
			return jobrun.NewPermanent("invalid_calendar_payload", err)
		}
		if env.Invitee.Email == "" {
			return jobrun.NewPermanent("missing_invitee_email", nil)
		}

		intel, err := extractCalendarIntel(ctx, c, env)
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"Email":                  env.Invitee.Email,
			c.Cfg.CRMLeadStatusField: c.Cfg.StatusDemoBooked,
		}
		mergeIntelFields(fields, intel)

		leadID, err := c.CRM.UpsertLeadByEmail(ctx, env.Invitee.Email, fields)
		if err != nil {
			return err
		}
		note := fmt.Sprintf("Demo rescheduled to %s (%s)", env.Event.StartTime, env.Event.Timezone)
		return c.CRM.CreateNote(ctx, leadID, "Calendly Demo Rescheduled", note)
	}
}

// extractCalendarIntel runs the LLM extraction step for booked/rescheduled
// events (no LLM call for canceled, per spec.md §4.11).
func extractCalendarIntel(ctx context.Context, c Clients, env *CalendarEnvelope) (map[string]interface{}, error) {
	if c.LLM == nil {
		return nil, nil
	}
	userPrompt := formatQA(env.Invitee.Questions)
	if userPrompt == "" {
		return nil, nil
	}
	obj, err := c.LLM.Extract(ctx, calendlyIntelSystemPrompt, userPrompt, calendlyIntelSchema)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func mergeIntelFields(fields map[string]interface{}, intel map[string]interface{}) {
	for k, v := range intel {
		fields[k] = v
	}
}

func formatQA(qas []struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}) string {
	s := ""
	for _, qa := range qas {
		s += fmt.Sprintf("Q: %s\nA: %s\n\n", qa.Question, qa.Answer)
	}
	return s
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func leadIDForEmail(ctx context.Context, c Clients, email string) (string, error) {
	lead, err := c.CRM.FindLeadByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if lead == nil {
		return "", jobrun.NewPermanent("lead_not_found_after_upsert", nil)
	}
	return lead.ID, nil
}

const calendlyIntelSystemPrompt = "Extract structured sales intelligence from the meeting booking Q&A."

var calendlyIntelSchema = []byte(`{
  "type": "object",
  "properties": {
    "pain_points": {"type": "string"},
    "team_members": {"type": "string"},
    "tools_currently_used": {"type": "string"},
    "demo_objectives": {"type": "string"}
  },
  "required": []
}`)
