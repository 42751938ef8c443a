package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/govisually/webhookd/core/infra/logging"
	"github.com/govisually/webhookd/internal/jobrun"
)

// EnrichEnvelope is a manual-enrichment request payload: {email, lead_id?}
// per spec.md §6. Grounded on
// original_source/app/jobs/enrich_jobs.py's _process_manual_enrich.
type EnrichEnvelope struct {
	Email  string `json:"email"`
	LeadID string `json:"lead_id"`
}

var websiteAnalysisSchema = []byte(`{
  "type": "object",
  "properties": {
    "industry": {"type": "string"},
    "company_size_estimate": {"type": "string"},
    "value_proposition": {"type": "string"}
  },
  "required": []
}`)

const websiteAnalysisSystemPrompt = "Summarize the company's industry, approximate size, and value proposition from its website copy."

var personalEmailDomains = map[string]bool{
	"gmail.com": true, "yahoo.com": true, "hotmail.com": true,
	"outlook.com": true, "icloud.com": true, "me.com": true,
}

func domainFromEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

func manualEnrichRequest(c Clients) jobrun.Handler {
	return func(ctx context.Context, jc jobrun.Context) error {
		var env EnrichEnvelope
		if err := json.Unmarshal(jc.Payload, &env); err != nil {
			return jobrun.NewPermanent("invalid_enrich_payload", err)
		}
		if env.Email == "" {
			return jobrun.NewPermanent("missing_lead_email", nil)
		}

		leadID, err := c.CRM.UpsertLeadByEmail(ctx, env.Email, map[string]interface{}{"Email": env.Email})
		if err != nil {
			return err
		}

		attempted, succeeded := runEnrichFanout(ctx, c, leadID, env.Email)
		if attempted > 0 && succeeded == 0 {
			return jobrun.NewPermanent("enrichment_all_steps_failed", nil)
		}
		return nil
	}
}

// runEnrichFanout is the best-effort contact-enrichment + website-scrape +
// logo-upload pipeline shared by the manual enrich webhook and the
// post-booking auto-enrich trigger (SPEC_FULL.md SF-3/SF-5). Each step
// logs and swallows its own errors, transient or not, and is independently counted, the
// way original_source/app/jobs/enrich_jobs.py's enrich_lead_by_email tries
// enrich_person/enrich_company/scrape_website in separate try/excepts.
func runEnrichFanout(ctx context.Context, c Clients, leadID, email string) (attempted, succeeded int) {
	domain := domainFromEmail(email)
	if domain == "" || personalEmailDomains[domain] {
		return 0, 0
	}

	var person *enrichPersonResult
	if c.Enrich != nil {
		attempted++
		if p, err := c.Enrich.EnrichPerson(ctx, email); err != nil {
			logging.Error("handlers", "apollo person enrichment failed", "lead_id", leadID, "err", err)
		} else if p != nil {
			succeeded++
			person = &enrichPersonResult{Title: p.Title, Seniority: p.Seniority, LinkedIn: p.LinkedIn}
			fields := map[string]interface{}{}
			if p.FirstName != "" {
				fields["First_Name"] = p.FirstName
			}
			if p.LastName != "" {
				fields["Last_Name"] = p.LastName
			}
			if p.Title != "" {
				fields["Title"] = p.Title
			}
			if len(fields) > 0 {
				if _, err := c.CRM.UpsertLeadByEmail(ctx, email, fields); err != nil {
					logging.Error("handlers", "lead update from apollo person data failed", "lead_id", leadID, "err", err)
				}
			}
		}
	}

	var company *enrichCompanyResult
	if c.Enrich != nil {
		attempted++
		if co, err := c.Enrich.EnrichCompany(ctx, domain); err != nil {
			logging.Error("handlers", "apollo company enrichment failed", "lead_id", leadID, "err", err)
		} else if co != nil {
			succeeded++
			company = &enrichCompanyResult{Name: co.Name, Industry: co.Industry, Employees: co.Employees}
			fields := map[string]interface{}{"Website": "https://" + domain}
			if co.Name != "" {
				fields["Company"] = co.Name
			}
			if co.Industry != "" {
				fields["Industry"] = co.Industry
			}
			if _, err := c.CRM.UpsertLeadByEmail(ctx, email, fields); err != nil {
				logging.Error("handlers", "lead update from apollo company data failed", "lead_id", leadID, "err", err)
			}
		}
	}

	var websiteText string
	if c.Enrich != nil {
		attempted++
		if text, err := c.Enrich.ScrapeWebsite(ctx, domain); err != nil {
			logging.Error("handlers", "website scrape failed", "lead_id", leadID, "err", err)
		} else if text != "" {
			succeeded++
			websiteText = text
		}
	}

	if websiteText != "" {
		if analysis, err := analyzeWebsite(ctx, c, websiteText); err != nil {
			logging.Error("handlers", "website analysis failed", "lead_id", leadID, "err", err)
		} else if len(analysis) > 0 {
			noteBody := buildEnrichmentNote(person, company, analysis)
			if err := c.CRM.CreateNote(ctx, leadID, "Enrichment Summary", noteBody); err != nil {
				logging.Error("handlers", "failed to save enrichment note", "lead_id", leadID, "err", err)
			}
		}
	} else if person != nil || company != nil {
		noteBody := buildEnrichmentNote(person, company, nil)
		if err := c.CRM.CreateNote(ctx, leadID, "Enrichment Summary", noteBody); err != nil {
			logging.Error("handlers", "failed to save enrichment note", "lead_id", leadID, "err", err)
		}
	}

	if c.Enrich != nil {
		attempted++
		if logo, err := c.Enrich.FetchCompanyLogo(ctx, domain); err != nil {
			logging.Error("handlers", "logo fetch failed", "lead_id", leadID, "err", err)
		} else if len(logo) > 0 {
			if err := c.CRM.UploadLeadPhoto(ctx, leadID, logo, domain+"-logo.png"); err != nil {
				logging.Error("handlers", "logo upload failed", "lead_id", leadID, "err", err)
			} else {
				succeeded++
			}
		}
	}

	return attempted, succeeded
}

type enrichPersonResult struct {
	Title    string
	Seniority string
	LinkedIn string
}

type enrichCompanyResult struct {
	Name      string
	Industry  string
	Employees string
}

// buildEnrichmentNote formats a multi-section note the way
// original_source/app/jobs/enrich_jobs.py's _build_enrichment_note does:
// one section per data source that actually produced something.
func buildEnrichmentNote(person *enrichPersonResult, company *enrichCompanyResult, websiteAnalysis map[string]interface{}) string {
	var sections []string
	if person != nil {
		sections = append(sections, fmt.Sprintf("Contact: %s, %s\nLinkedIn: %s", person.Title, person.Seniority, person.LinkedIn))
	}
	if company != nil {
		sections = append(sections, fmt.Sprintf("Company: %s (%s, %s employees)", company.Name, company.Industry, company.Employees))
	}
	if len(websiteAnalysis) > 0 {
		sections = append(sections, fmt.Sprintf("Industry: %v\nSize estimate: %v\nValue proposition: %v",
			websiteAnalysis["industry"], websiteAnalysis["company_size_estimate"], websiteAnalysis["value_proposition"]))
	}
	return strings.Join(sections, "\n\n")
}

func analyzeWebsite(ctx context.Context, c Clients, websiteText string) (map[string]interface{}, error) {
	if c.LLM == nil {
		return nil, nil
	}
	return c.LLM.Extract(ctx, websiteAnalysisSystemPrompt, websiteText, websiteAnalysisSchema)
}

// autoEnrichLead is the best-effort fan-out triggered after a demo booking
// when ENABLE_AUTO_ENRICH_CALENDAR is set (SPEC_FULL.md SF-3). It never
// fails the booking job: every error is logged and swallowed, and the
// result of the fan-out is discarded rather than turned into a job error.
func autoEnrichLead(ctx context.Context, c Clients, leadID, email string) {
	runEnrichFanout(ctx, c, leadID, email)
}
