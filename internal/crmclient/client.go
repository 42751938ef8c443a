// Package crmclient is the Outbound CRM Client (spec.md §4.9), grounded on
// original_source/app/services/zoho_service.py for token caching/refresh,
// upsert-by-email/company, note/task/photo operations, and error mapping,
// and on packages/providers/ollama/provider.go for the plain net/http
// client shape (the teacher's other outbound clients are gRPC-based).
package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/govisually/webhookd/core/infra/logging"
	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/kvstore"
)

// Datacenter selects the CRM API base URL (spec.md CRM_DATACENTER).
type Datacenter string

const (
	DCUS Datacenter = "us"
	DCEU Datacenter = "eu"
	DCAU Datacenter = "au"
	DCIN Datacenter = "in"
)

var dcDomains = map[Datacenter]struct{ Accounts, API string }{
	DCUS: {"accounts.zoho.com", "www.zohoapis.com"},
	DCEU: {"accounts.zoho.eu", "www.zohoapis.eu"},
	DCAU: {"accounts.zoho.com.au", "www.zohoapis.com.au"},
	DCIN: {"accounts.zoho.in", "www.zohoapis.in"},
}

const tokenCacheKey = "crm:access_token"

// Config configures the CRM client.
type Config struct {
	Datacenter     Datacenter
	ClientID       string
	ClientSecret   string
	RefreshToken   string
	LeadsModule    string
	DryRun         bool
	RequestTimeout time.Duration
}

// Lead is the subset of a CRM lead record this client cares about.
type Lead struct {
	ID     string
	Email  string
	Fields map[string]interface{}
}

// Client is the Outbound CRM Client interface.
type Client interface {
	FindLeadByEmail(ctx context.Context, email string) (*Lead, error)
	FindLeadByCompany(ctx context.Context, company string) (*Lead, error)
	UpsertLeadByEmail(ctx context.Context, email string, fields map[string]interface{}) (leadID string, err error)
	UpsertLeadByCompany(ctx context.Context, company string, fields map[string]interface{}) (leadID string, err error)
	CreateNote(ctx context.Context, leadID, title, body string) error
	CreateTask(ctx context.Context, leadID, subject, dueDate, priority, body string) error
	UploadLeadPhoto(ctx context.Context, leadID string, image []byte, filename string) error
}

type client struct {
	cfg    Config
	kv     kvstore.Store
	http   *http.Client
	mu     sync.Mutex
	cached *cachedToken
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// New constructs a CRM client backed by kv for the cross-process token
// cache.
func New(cfg Config, kv kvstore.Store) Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if cfg.LeadsModule == "" {
		cfg.LeadsModule = "Leads"
	}
	return &client{cfg: cfg, kv: kv, http: &http.Client{Timeout: timeout}}
}

func (c *client) apiBase() string {
	d := dcDomains[c.cfg.Datacenter]
	return "https://" + d.API + "/crm/v2"
}

func (c *client) accountsBase() string {
	d := dcDomains[c.cfg.Datacenter]
	return "https://" + d.Accounts
}

// accessToken returns a valid token, refreshing if needed. Under DRY_RUN it
// returns a synthetic token without ever contacting the OAuth endpoint
// (DESIGN.md D4), so dry-run never needs live CRM credentials.
func (c *client) accessToken(ctx context.Context, forceRefresh bool) (string, error) {
	if c.cfg.DryRun {
		return "dry_run_access_token", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cached != nil && time.Now().Before(c.cached.expiresAt) {
		return c.cached.accessToken, nil
	}

	if !forceRefresh {
		if v, err := c.kv.Get(ctx, tokenCacheKey); err == nil && v != "" {
			c.cached = &cachedToken{accessToken: v, expiresAt: time.Now().Add(time.Minute)}
			return v, nil
		}
	}

	tok, ttl, err := c.refreshAccessToken(ctx)
	if err != nil {
		return "", err
	}
	c.cached = &cachedToken{accessToken: tok, expiresAt: time.Now().Add(ttl)}
	_ = c.kv.Set(ctx, tokenCacheKey, tok, ttl)
	return tok, nil
}

func (c *client) refreshAccessToken(ctx context.Context) (string, time.Duration, error) {
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" || c.cfg.RefreshToken == "" {
		return "", 0, jobrun.NewPermanent("crm_oauth_not_configured", nil)
	}
	form := url.Values{}
	form.Set("refresh_token", c.cfg.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountsBase()+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, jobrun.NewPermanent("crm_token_request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, jobrun.NewTransient("crm_token_refresh_network_error", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		lower := strings.ToLower(string(body))
		if resp.StatusCode == 400 && (strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "access denied")) {
			return "", 0, jobrun.NewTransient("crm_token_refresh_rate_limited", fmt.Errorf("http %d: %s", resp.StatusCode, body))
		}
		return "", 0, jobrun.NewPermanent("crm_token_refresh_failed", fmt.Errorf("http %d: %s", resp.StatusCode, body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		return "", 0, jobrun.NewPermanent("crm_token_refresh_response_invalid", err)
	}
	ttl := time.Duration(parsed.ExpiresIn)*time.Second - 30*time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return parsed.AccessToken, ttl, nil
}

// do performs a JSON request, retrying once on 401 by forcing a token
// refresh (spec.md §4.9); the retry resends the same JSON body. A second 401
// after the forced refresh is always classified permanent; a 401 caused by a
// concurrent refresh elsewhere is not told apart from it.
func (c *client) do(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, jobrun.NewPermanent("crm_request_marshal_failed", err)
		}
		payload = b
	}
	newReader := func() io.Reader {
		if payload == nil {
			return nil
		}
		return bytes.NewReader(payload)
	}

	result, status, err := c.rawRequest(ctx, method, path, newReader(), "application/json", false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		result, status, err = c.rawRequest(ctx, method, path, newReader(), "application/json", true)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, jobrun.NewPermanent("crm_unauthorized_after_refresh", nil)
		}
	}
	if err := classifyStatus(status, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) rawRequest(ctx context.Context, method, path string, body io.Reader, contentType string, forceRefresh bool) (map[string]interface{}, int, error) {
	token, err := c.accessToken(ctx, forceRefresh)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase()+path, body)
	if err != nil {
		return nil, 0, jobrun.NewPermanent("crm_request_build_failed", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, jobrun.NewTransient("crm_network_error", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == 204 || len(raw) == 0 {
		return map[string]interface{}{}, resp.StatusCode, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, resp.StatusCode, jobrun.NewPermanent("crm_response_invalid_json", err)
	}
	return parsed, resp.StatusCode, nil
}

// classifyStatus maps an HTTP status to the transient/permanent taxonomy
// (spec.md §4.9: 429/5xx transient, other 4xx permanent).
func classifyStatus(status int, body map[string]interface{}) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return jobrun.NewTransient("crm_transient_http_error", fmt.Errorf("http %d: %v", status, body))
	}
	if status >= 400 {
		return jobrun.NewPermanent("crm_permanent_http_error", fmt.Errorf("http %d: %v", status, body))
	}
	return nil
}

func (c *client) FindLeadByEmail(ctx context.Context, email string) (*Lead, error) {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run find_lead_by_email skipped", "email", email)
		return nil, nil
	}
	criteria := url.QueryEscape(fmt.Sprintf("(Email:equals:%s)", email))
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/search?criteria=%s", c.cfg.LeadsModule, criteria), nil)
	if err != nil {
		return nil, err
	}
	return firstLead(body)
}

func (c *client) FindLeadByCompany(ctx context.Context, company string) (*Lead, error) {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run find_lead_by_company skipped", "company", company)
		return nil, nil
	}
	criteria := url.QueryEscape(fmt.Sprintf(`(Company:equals:"%s")`, company))
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/search?criteria=%s", c.cfg.LeadsModule, criteria), nil)
	if err != nil {
		return nil, err
	}
	return firstLead(body)
}

func firstLead(body map[string]interface{}) (*Lead, error) {
	data, _ := body["data"].([]interface{})
	if len(data) == 0 {
		return nil, nil
	}
	rec, ok := data[0].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	id, _ := rec["id"].(string)
	email, _ := rec["Email"].(string)
	return &Lead{ID: id, Email: email, Fields: rec}, nil
}

func (c *client) createLead(ctx context.Context, fields map[string]interface{}) (string, error) {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run create_lead", "fields", fmt.Sprintf("%v", fields))
		return "dry_run_lead_id", nil
	}
	body, err := c.do(ctx, http.MethodPost, "/"+c.cfg.LeadsModule, map[string]interface{}{"data": []interface{}{fields}})
	if err != nil {
		return "", err
	}
	data, _ := body["data"].([]interface{})
	if len(data) == 0 {
		return "", jobrun.NewPermanent("crm_create_lead_missing_id", nil)
	}
	entry, _ := data[0].(map[string]interface{})
	details, _ := entry["details"].(map[string]interface{})
	id, _ := details["id"].(string)
	if id == "" {
		return "", jobrun.NewPermanent("crm_create_lead_missing_id", nil)
	}
	return id, nil
}

func (c *client) updateLead(ctx context.Context, leadID string, fields map[string]interface{}) error {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run update_lead", "lead_id", leadID)
		return nil
	}
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/%s/%s", c.cfg.LeadsModule, leadID), map[string]interface{}{"data": []interface{}{fields}})
	return err
}

func (c *client) UpsertLeadByEmail(ctx context.Context, email string, fields map[string]interface{}) (string, error) {
	existing, err := c.FindLeadByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.ID != "" {
		if err := c.updateLead(ctx, existing.ID, fields); err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	return c.createLead(ctx, fields)
}

// UpsertLeadByCompany consolidates every contact-triggering update from the
// same company onto one lead record, preserving a pre-existing Email field
// rather than overwriting the primary contact (SPEC_FULL.md Supplement SF-4).
func (c *client) UpsertLeadByCompany(ctx context.Context, company string, fields map[string]interface{}) (string, error) {
	existing, err := c.FindLeadByCompany(ctx, company)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.ID != "" {
		merged := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			merged[k] = v
		}
		if existing.Email != "" {
			delete(merged, "Email")
		}
		if err := c.updateLead(ctx, existing.ID, merged); err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	return c.createLead(ctx, fields)
}

func (c *client) CreateNote(ctx context.Context, leadID, title, body string) error {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run create_note", "lead_id", leadID, "title", title)
		return nil
	}
	payload := map[string]interface{}{
		"Note_Title":   title,
		"Note_Content": body,
		"Parent_Id":    leadID,
		"se_module":    c.cfg.LeadsModule,
	}
	_, err := c.do(ctx, http.MethodPost, "/Notes", map[string]interface{}{"data": []interface{}{payload}})
	return err
}

func (c *client) CreateTask(ctx context.Context, leadID, subject, dueDate, priority, body string) error {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run create_task", "lead_id", leadID, "subject", subject, "due", dueDate)
		return nil
	}
	payload := map[string]interface{}{
		"Subject":     subject,
		"Due_Date":    dueDate,
		"What_Id":     leadID,
		"se_module":   c.cfg.LeadsModule,
		"Description": body,
		"Priority":    priority,
	}
	_, err := c.do(ctx, http.MethodPost, "/Tasks", map[string]interface{}{"data": []interface{}{payload}})
	return err
}

func (c *client) UploadLeadPhoto(ctx context.Context, leadID string, image []byte, filename string) error {
	if c.cfg.DryRun {
		logging.Info("crmclient", "dry_run upload_lead_photo", "lead_id", leadID, "size", len(image))
		return nil
	}
	if len(image) > 10*1024*1024 {
		return jobrun.NewPermanent("crm_photo_too_large", nil)
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return jobrun.NewPermanent("crm_photo_form_build_failed", err)
	}
	if _, err := part.Write(image); err != nil {
		return jobrun.NewPermanent("crm_photo_form_build_failed", err)
	}
	if err := mw.Close(); err != nil {
		return jobrun.NewPermanent("crm_photo_form_build_failed", err)
	}

	token, err := c.accessToken(ctx, false)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/%s/photo", c.apiBase(), c.cfg.LeadsModule, leadID), &buf)
	if err != nil {
		return jobrun.NewPermanent("crm_request_build_failed", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return jobrun.NewTransient("crm_photo_upload_network_error", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode, nil); err != nil {
		return err
	}
	return nil
}
