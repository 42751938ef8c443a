// Package signals implements company-signal detection (spec.md §4.11, §8),
// a pure function over CRM usage metrics. Grounded on
// original_source/app/services/expansion_signal_service.py.
package signals

import "github.com/govisually/webhookd/internal/config"

// Priority mirrors the reference implementation's priority levels.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Signal is one detected expansion or churn-risk condition.
type Signal struct {
	Type           string
	Priority       Priority
	Details        string
	Action         string
	UrgencyDays    int
	CreateZohoTask bool
	HotLead        bool
	ChurnPrevention bool
}

// CompanyData is the subset of usage metrics signal detection reads,
// grounded on the Intercom custom_attributes the reference implementation
// consumes (gv_no_of_members, gv_total_active_projects, ...).
type CompanyData struct {
	CompanyName          string
	MemberCount          int
	ActiveProjects       int
	ProjectsAllowed      int
	SubscriptionPlan     string
	SubscriptionStatus   string
	SubscriptionExpDays  int // days until expiry; negative if already expired
	ChecklistsUsed       int
	IsTrial              bool
}

// Detect evaluates every threshold and returns the triggered signals. A
// company with no triggered signals returns an empty (non-nil) slice — the
// caller treats that as a no-op success, not ignored/failed.
func Detect(company CompanyData, limits map[string]config.PlanLimits) []Signal {
	if company.IsTrial {
		return detectTrialSignals(company)
	}
	return detectPaidSignals(company, limits)
}

func detectTrialSignals(c CompanyData) []Signal {
	out := []Signal{}
	engaged := c.ActiveProjects >= 2 && c.MemberCount >= 2
	switch {
	case engaged:
		out = append(out, Signal{
			Type: "trial_engaged_user", Priority: PriorityHigh, HotLead: true,
			Details: "Trial user is highly engaged (multiple projects and team members)",
			Action:  "Reach out to discuss upgrading to a paid plan",
		})
	case c.ActiveProjects >= 2:
		out = append(out, Signal{
			Type: "trial_active_user", Priority: PriorityMedium,
			Details: "Trial user is actively creating projects",
			Action:  "Monitor for continued engagement",
		})
	case c.MemberCount >= 2:
		out = append(out, Signal{
			Type: "trial_team_collaboration", Priority: PriorityMedium,
			Details: "Trial user has invited team members",
			Action:  "Highlight team collaboration features",
		})
	}

	if c.SubscriptionExpDays > 0 && c.SubscriptionExpDays <= 2 {
		if c.ActiveProjects >= 2 || c.MemberCount >= 2 {
			out = append(out, Signal{
				Type: "trial_ending_engaged", Priority: PriorityHigh, HotLead: true, UrgencyDays: c.SubscriptionExpDays,
				Details: "Engaged trial is ending soon",
				Action:  "Prioritize outreach before trial expires",
			})
		} else {
			out = append(out, Signal{
				Type: "trial_ending_inactive", Priority: PriorityMedium, UrgencyDays: c.SubscriptionExpDays,
				Details: "Inactive trial is ending soon",
				Action:  "Send a re-engagement message",
			})
		}
	}
	return out
}

func detectPaidSignals(c CompanyData, limitsTable map[string]config.PlanLimits) []Signal {
	limits := planLimitsFor(c.SubscriptionPlan, limitsTable)
	out := []Signal{}

	switch {
	case limits.MemberLimit > 0 && c.MemberCount >= limits.MemberLimit:
		out = append(out, Signal{
			Type: "team_at_capacity", Priority: PriorityCritical, CreateZohoTask: true, HotLead: true,
			Details: "Team has reached its member limit",
			Action:  "Offer a plan upgrade to add seats",
		})
	case limits.MemberLimit > 0 && float64(c.MemberCount) >= float64(limits.MemberLimit)*0.8:
		out = append(out, Signal{
			Type: "team_approaching_capacity", Priority: PriorityHigh, CreateZohoTask: true,
			Details: "Team is approaching its member limit",
			Action:  "Proactively discuss upgrade options",
		})
	}

	if c.ActiveProjects >= 100 {
		out = append(out, Signal{
			Type: "power_user", Priority: PriorityHigh, CreateZohoTask: true, HotLead: true,
			Details: "Heavy platform usage across many projects",
			Action:  "Engage as a potential case study / expansion candidate",
		})
	}

	if limits.ProjectsLimit > 0 {
		ratio := float64(c.ActiveProjects) / float64(limits.ProjectsLimit)
		switch {
		case ratio >= 0.9:
			out = append(out, Signal{
				Type: "approaching_project_limit", Priority: PriorityHigh, CreateZohoTask: true,
				Details: "Nearing the plan's project limit",
				Action:  "Offer an upgrade before the limit blocks new projects",
			})
		case ratio >= 0.8:
			out = append(out, Signal{
				Type: "approaching_project_limit", Priority: PriorityMedium, CreateZohoTask: true,
				Details: "Approaching the plan's project limit",
				Action:  "Flag upgrade options",
			})
		}
	}

	if c.SubscriptionExpDays > 0 && c.SubscriptionExpDays <= 90 {
		priority := PriorityMedium
		if c.SubscriptionExpDays <= 30 {
			priority = PriorityHigh
		}
		out = append(out, Signal{
			Type: "subscription_expiring", Priority: priority, CreateZohoTask: true, UrgencyDays: c.SubscriptionExpDays,
			Details: "Subscription renewal window is approaching",
			Action:  "Confirm renewal intent",
		})
	}

	switch c.SubscriptionStatus {
	case "canceled", "cancelled", "expired", "unpaid":
		out = append(out, Signal{
			Type: "subscription_churned", Priority: PriorityCritical, CreateZohoTask: true, ChurnPrevention: true,
			Details: "Subscription has lapsed",
			Action:  "Initiate a win-back outreach",
		})
	}

	if c.ActiveProjects >= 10 && c.ChecklistsUsed == 0 {
		out = append(out, Signal{
			Type: "low_feature_adoption", Priority: PriorityLow, CreateZohoTask: false,
			Details: "Active account not using checklists",
			Action:  "Share checklist feature onboarding content",
		})
	}

	return out
}

func planLimitsFor(plan string, table map[string]config.PlanLimits) config.PlanLimits {
	if l, ok := table[plan]; ok {
		return l
	}
	return config.PlanLimits{}
}
