package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/notifier"
	"github.com/govisually/webhookd/internal/signals"
)

// TagEnvelope is a support-desk tag-added payload.
// Grounded on original_source/app/jobs/intercom_jobs.py.
type TagEnvelope struct {
	Email string   `json:"email"`
	Tags  []string `json:"tags"`
}

// CompanyEnvelope is a support-desk company-updated payload, mirroring the
// Intercom custom_attributes the reference implementation reads.
type CompanyEnvelope struct {
	CompanyName        string `json:"company_name"`
	MemberCount        int    `json:"gv_no_of_members"`
	ActiveProjects     int    `json:"gv_total_active_projects"`
	ProjectsAllowed    int    `json:"gv_projects_allowed"`
	SubscriptionPlan   string `json:"subscription_plan"`
	SubscriptionStatus string `json:"subscription_status"`
	SubscriptionExpDays int   `json:"subscription_exp_days"`
	ChecklistsUsed     int    `json:"checklists_used"`
	IsTrial            bool   `json:"is_trial"`
}

func supportTagAdded(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		var env TagEnvelope
		if err := json.Unmarshal(jc.Payload, &env); err != nil {
			return jobrun.NewPermanent("invalid_tag_payload", err)
		}
		if env.Email == "" {
			return jobrun.NewPermanent("missing_lead_email", nil)
		}

		if !anyTagQualifies(env.Tags, c.Cfg.QualifyingTags) {
			return jobrun.NewIgnored("tag_not_qualifying")
		}

		fields := map[string]interface{}{
			"Email": env.Email,
		}
		leadID, err := c.CRM.UpsertLeadByEmail(ctx, env.Email, fields)
		if err != nil {
			return err
		}
		note := fmt.Sprintf("Support tags added: %s", strings.Join(env.Tags, ", "))
		return c.CRM.CreateNote(ctx, leadID, "Support Tag Added", note)
	}
}

func anyTagQualifies(tags, qualifying []string) bool {
	for _, t := range tags {
		for _, q := range qualifying {
			if strings.EqualFold(t, q) {
				return true
			}
		}
	}
	return false
}

func supportCompanyUpdated(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		var env CompanyEnvelope
		if err := json.Unmarshal(jc.Payload, &env); err != nil {
			return jobrun.NewPermanent("invalid_company_payload", err)
		}
		if env.CompanyName == "" {
			return jobrun.NewPermanent("missing_company_name", nil)
		}

		data := signals.CompanyData{
			CompanyName:         env.CompanyName,
			MemberCount:         env.MemberCount,
			ActiveProjects:      env.ActiveProjects,
			ProjectsAllowed:     env.ProjectsAllowed,
			SubscriptionPlan:    env.SubscriptionPlan,
			SubscriptionStatus:  env.SubscriptionStatus,
			SubscriptionExpDays: env.SubscriptionExpDays,
			ChecklistsUsed:      env.ChecklistsUsed,
			IsTrial:             env.IsTrial,
		}
		detected := signals.Detect(data, c.Cfg.PlanLimits)
		if len(detected) == 0 {
			return nil
		}

		fields := map[string]interface{}{
			"Company": env.CompanyName,
		}
		leadID, err := c.CRM.UpsertLeadByCompany(ctx, env.CompanyName, fields)
		if err != nil {
			return err
		}

		var noteLines []string
		for _, s := range detected {
			noteLines = append(noteLines, fmt.Sprintf("[%s/%s] %s -> %s", s.Type, s.Priority, s.Details, s.Action))
		}
		if err := c.CRM.CreateNote(ctx, leadID, "Account Signals Detected", strings.Join(noteLines, "\n")); err != nil {
			return err
		}

		// Each signal's follow-up actions are independent; one signal's task
		// or alert failing does not block the others (SPEC_FULL.md SF-7).
		for _, s := range detected {
			if s.CreateZohoTask {
				_ = c.CRM.CreateTask(ctx, leadID, fmt.Sprintf("Follow up: %s", s.Type), "", string(s.Priority), s.Details)
			}
			if c.Notify != nil && (s.Priority == signals.PriorityCritical || s.Priority == signals.PriorityHigh) {
				c.Notify.Notify(ctx, fmt.Sprintf("Account signal: %s", s.Type), fmt.Sprintf("%s\n\n%s", env.CompanyName, s.Details), notifier.SeverityHigh)
			}
		}
		return nil
	}
}
