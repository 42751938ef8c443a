// Package enrichclient is the outbound contact-enrichment fan-out used by
// the manual and auto enrich flows (SPEC_FULL.md SF-3/SF-5): an Apollo-shaped
// person/company enrichment API, a best-effort website scraper, and a
// Brandfetch-shaped logo fetch. Each sub-client is independently
// unconfigured-tolerant (a missing API key skips the step, it does not
// fail it) the way original_source/app/services/apollo_service.py and
// brandfetch_service.py treat their settings gates. Structurally grounded
// on internal/crmclient's Config/kvstore-cache/jobrun-classification shape,
// since no other pack repo has an analogous outbound enrichment client.
package enrichclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/kvstore"
)

// Config configures the enrichment sub-clients. Each API key is optional;
// an unset key disables that sub-client's calls (they return nil, nil)
// rather than erroring, matching the original's "not configured, skip"
// warnings.
type Config struct {
	ApolloAPIKey     string
	ScraperAPIKey    string
	BrandfetchAPIKey string
	RequestTimeout   time.Duration
	CacheTTL         time.Duration
}

// Person is the subset of Apollo's people-match response this system uses.
type Person struct {
	FirstName string
	LastName  string
	Title     string
	Seniority string
	LinkedIn  string
}

// Company is the subset of Apollo's organization-enrichment response this
// system uses.
type Company struct {
	Name     string
	Domain   string
	Industry string
	Employees string
}

// Client is the enrichment fan-out interface consumed by the handlers
// package.
type Client interface {
	// EnrichPerson looks up a person by email via Apollo, using the kv
	// cache first. Returns (nil, nil) if Apollo is unconfigured or has no
	// match for the email.
	EnrichPerson(ctx context.Context, email string) (*Person, error)
	// EnrichCompany looks up a company by domain via Apollo.
	EnrichCompany(ctx context.Context, domain string) (*Company, error)
	// ScrapeWebsite fetches a domain's homepage and returns extracted
	// plain text, or "" if scraping is unconfigured or fails softly.
	ScrapeWebsite(ctx context.Context, domain string) (string, error)
	// FetchCompanyLogo fetches raw logo image bytes from Brandfetch, or
	// nil if Brandfetch is unconfigured or has no logo for the domain.
	FetchCompanyLogo(ctx context.Context, domain string) ([]byte, error)
}

type client struct {
	cfg  Config
	kv   kvstore.Store
	http *http.Client
}

// New constructs an enrichment client backed by kv for the Apollo result
// cache (spec.md SF-3's fan-out is best-effort and repeatable; caching
// avoids re-billing Apollo for the same lead within CacheTTL).
func New(cfg Config, kv kvstore.Store) Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	return &client{cfg: cfg, kv: kv, http: &http.Client{Timeout: timeout}}
}

func personCacheKey(email string) string {
	return fmt.Sprintf("apollo:person:%s", strings.ToLower(email))
}

func companyCacheKey(domain string) string {
	return fmt.Sprintf("apollo:company:%s", strings.ToLower(domain))
}

func (c *client) EnrichPerson(ctx context.Context, email string) (*Person, error) {
	if c.cfg.ApolloAPIKey == "" {
		return nil, nil
	}
	key := personCacheKey(email)
	if cached, err := c.kv.Get(ctx, key); err == nil && cached != "" {
		var p Person
		if json.Unmarshal([]byte(cached), &p) == nil {
			return &p, nil
		}
	}

	body, _ := json.Marshal(map[string]string{"email": email})
	raw, status, err := c.post(ctx, "https://api.apollo.io/v1/people/match", body)
	if err != nil {
		return nil, err
	}
	if err := classifyApolloStatus(status); err != nil {
		return nil, err
	}

	var parsed struct {
		Person struct {
			FirstName  string `json:"first_name"`
			LastName   string `json:"last_name"`
			Title      string `json:"title"`
			Seniority  string `json:"seniority"`
			LinkedInURL string `json:"linkedin_url"`
		} `json:"person"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, jobrun.NewPermanent("apollo_person_response_invalid", err)
	}
	if parsed.Person.FirstName == "" && parsed.Person.LastName == "" && parsed.Person.Title == "" {
		return nil, nil
	}

	person := &Person{
		FirstName: parsed.Person.FirstName,
		LastName:  parsed.Person.LastName,
		Title:     parsed.Person.Title,
		Seniority: parsed.Person.Seniority,
		LinkedIn:  parsed.Person.LinkedInURL,
	}
	if encoded, err := json.Marshal(person); err == nil {
		_ = c.kv.Set(ctx, key, string(encoded), c.cfg.CacheTTL)
	}
	return person, nil
}

func (c *client) EnrichCompany(ctx context.Context, domain string) (*Company, error) {
	if c.cfg.ApolloAPIKey == "" {
		return nil, nil
	}
	key := companyCacheKey(domain)
	if cached, err := c.kv.Get(ctx, key); err == nil && cached != "" {
		var co Company
		if json.Unmarshal([]byte(cached), &co) == nil {
			return &co, nil
		}
	}

	q := url.Values{"domain": {domain}}
	raw, status, err := c.get(ctx, "https://api.apollo.io/api/v1/organizations/enrich?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// Company enrichment commonly 403s on lower Apollo tiers; treat that as
	// a soft miss rather than a permanent failure, per the original's
	// comment that the endpoint "requires Apollo API tier ... Returns None
	// if not accessible."
	if status == http.StatusForbidden {
		return nil, nil
	}
	if err := classifyApolloStatus(status); err != nil {
		return nil, err
	}

	var parsed struct {
		Organization struct {
			Name                  string `json:"name"`
			PrimaryDomain         string `json:"primary_domain"`
			Industry              string `json:"industry"`
			EstimatedNumEmployees int    `json:"estimated_num_employees"`
		} `json:"organization"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, jobrun.NewPermanent("apollo_company_response_invalid", err)
	}
	if parsed.Organization.PrimaryDomain == "" {
		return nil, nil
	}

	company := &Company{
		Name:     parsed.Organization.Name,
		Domain:   parsed.Organization.PrimaryDomain,
		Industry: parsed.Organization.Industry,
	}
	if parsed.Organization.EstimatedNumEmployees > 0 {
		company.Employees = fmt.Sprintf("%d", parsed.Organization.EstimatedNumEmployees)
	}
	if encoded, err := json.Marshal(company); err == nil {
		_ = c.kv.Set(ctx, key, string(encoded), c.cfg.CacheTTL)
	}
	return company, nil
}

func (c *client) post(ctx context.Context, targetURL string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, jobrun.NewPermanent("apollo_request_build_failed", err)
	}
	c.setApolloHeaders(req)
	return c.doRaw(req, "apollo")
}

func (c *client) get(ctx context.Context, targetURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, 0, jobrun.NewPermanent("apollo_request_build_failed", err)
	}
	c.setApolloHeaders(req)
	return c.doRaw(req, "apollo")
}

func (c *client) setApolloHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Api-Key", c.cfg.ApolloAPIKey)
}

func (c *client) doRaw(req *http.Request, label string) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, jobrun.NewTransient(label+"_network_error", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return raw, resp.StatusCode, nil
}

// classifyApolloStatus mirrors apollo_service.py's ApolloTransientError vs.
// plain ApolloError split: 429/5xx retry, everything else 4xx is permanent.
func classifyApolloStatus(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return jobrun.NewTransient("apollo_transient_http_error", fmt.Errorf("apollo http %d", status))
	}
	if status >= 400 {
		return jobrun.NewPermanent("apollo_permanent_http_error", fmt.Errorf("apollo http %d", status))
	}
	return nil
}

var anyTagPattern = regexp.MustCompile(`(?s)<[^>]+>`)
var whitespacePattern = regexp.MustCompile(`[ \t]+`)

var blockTagPatterns = func() []*regexp.Regexp {
	tags := []string{"script", "style", "nav", "footer", "header"}
	patterns := make([]*regexp.Regexp, len(tags))
	for i, tag := range tags {
		patterns[i] = regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	}
	return patterns
}()

// ScrapeWebsite fetches https://domain and extracts readable text, stripping
// script/style/nav/footer/header content the way
// original_source/app/services/scraper_service.py's BeautifulSoup-based
// _extract_text_from_html does. No HTML-parsing library appears anywhere in
// the retrieved example pack (grep for goquery/x/net/html found no hits),
// so this uses a regex-based tag strip rather than a proper parser
// (DESIGN.md: standard-library justification for this one sub-step).
func (c *client) ScrapeWebsite(ctx context.Context, domain string) (string, error) {
	if c.cfg.ScraperAPIKey == "" {
		return "", nil
	}
	targetURL := "https://" + domain
	proxyURL := fmt.Sprintf("https://api.scraperapi.com?api_key=%s&url=%s", c.cfg.ScraperAPIKey, url.QueryEscape(targetURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxyURL, nil)
	if err != nil {
		return "", jobrun.NewPermanent("scraper_request_build_failed", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", jobrun.NewTransient("scraper_network_error", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return "", jobrun.NewTransient("scraper_transient_http_error", fmt.Errorf("scraper http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 500 {
		return "", jobrun.NewTransient("scraper_transient_http_error", fmt.Errorf("scraper http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		// A dead or blocked site is a soft miss, not a job failure — the
		// enrich fan-out treats scraping as one independent best-effort
		// step among several.
		return "", nil
	}

	return extractText(string(raw)), nil
}

// extractText strips markup the way _extract_text_from_html does: drop
// script/style/nav/footer/header blocks, strip remaining tags, collapse
// blank lines.
func extractText(html string) string {
	stripped := stripBlockTags(html)
	stripped = anyTagPattern.ReplaceAllString(stripped, "\n")
	lines := strings.Split(stripped, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func stripBlockTags(html string) string {
	for _, pattern := range blockTagPatterns {
		html = pattern.ReplaceAllString(html, "")
	}
	return html
}

// FetchCompanyLogo fetches a company's logo image from Brandfetch. Grounded
// on original_source/app/services/brandfetch_service.py's domain cleanup
// and Bearer-token GET.
func (c *client) FetchCompanyLogo(ctx context.Context, domain string) ([]byte, error) {
	if c.cfg.BrandfetchAPIKey == "" {
		return nil, nil
	}
	clean := cleanDomain(domain)
	if clean == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.brandfetch.io/v2/brands/"+clean, nil)
	if err != nil {
		return nil, jobrun.NewPermanent("brandfetch_request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BrandfetchAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, jobrun.NewTransient("brandfetch_network_error", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, jobrun.NewTransient("brandfetch_transient_http_error", fmt.Errorf("brandfetch http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	var parsed struct {
		Logos []struct {
			Formats []struct {
				Src string `json:"src"`
			} `json:"formats"`
		} `json:"logos"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Logos) == 0 || len(parsed.Logos[0].Formats) == 0 {
		return nil, nil
	}

	imgReq, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.Logos[0].Formats[0].Src, nil)
	if err != nil {
		return nil, nil
	}
	imgResp, err := c.http.Do(imgReq)
	if err != nil {
		return nil, nil
	}
	defer imgResp.Body.Close()
	if imgResp.StatusCode != http.StatusOK {
		return nil, nil
	}
	img, err := io.ReadAll(imgResp.Body)
	if err != nil {
		return nil, nil
	}
	return img, nil
}

func cleanDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	d = strings.TrimSuffix(d, "/")
	return d
}
