package crmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/kvstore"
)

// fakeTransport intercepts every request regardless of host, so tests never
// touch the network even though apiBase()/accountsBase() point at real Zoho
// hostnames.
type fakeTransport struct {
	t    *testing.T
	resp func(req *http.Request) (*http.Response, error)
}

func (f fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return f.resp(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func newTestClient(t *testing.T, cfg Config, transport http.RoundTripper) *client {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	kv, err := kvstore.NewRedisStore("redis://"+srv.Addr(), 0)
	if err != nil {
		t.Fatalf("kvstore: %v", err)
	}
	if cfg.LeadsModule == "" {
		cfg.LeadsModule = "Leads"
	}
	return &client{cfg: cfg, kv: kv, http: &http.Client{Transport: transport}}
}

func TestDryRunNeverContactsOAuthOrAPI(t *testing.T) {
	c := newTestClient(t, Config{DryRun: true}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected network call to %s in dry-run mode", req.URL)
		return nil, nil
	}})
	ctx := context.Background()

	tok, err := c.accessToken(ctx, false)
	if err != nil || tok != "dry_run_access_token" {
		t.Fatalf("expected synthetic dry-run token, got %q err=%v", tok, err)
	}

	leadID, err := c.UpsertLeadByEmail(ctx, "lead@example.com", map[string]interface{}{"Email": "lead@example.com"})
	if err != nil || leadID == "" {
		t.Fatalf("UpsertLeadByEmail: %v", err)
	}
	if err := c.CreateNote(ctx, leadID, "title", "body"); err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	if err := c.CreateTask(ctx, leadID, "subject", "2026-01-01", "High", "body"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := c.UploadLeadPhoto(ctx, leadID, []byte("fake-image"), "photo.png"); err != nil {
		t.Fatalf("UploadLeadPhoto: %v", err)
	}
}

func TestUpsertLeadByEmailCreatesWhenNotFound(t *testing.T) {
	var gotPath string
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		gotPath = req.URL.Path
		switch {
		case strings.Contains(req.URL.Path, "/oauth/v2/token"):
			return jsonResponse(200, `{"access_token":"tok-1","expires_in":3600}`), nil
		case strings.Contains(req.URL.Path, "/search"):
			return jsonResponse(200, `{"data":[]}`), nil
		case req.Method == http.MethodPost:
			return jsonResponse(200, `{"data":[{"details":{"id":"lead-99"}}]}`), nil
		default:
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}
	}})

	leadID, err := c.UpsertLeadByEmail(context.Background(), "new@example.com", map[string]interface{}{"Email": "new@example.com"})
	if err != nil {
		t.Fatalf("UpsertLeadByEmail: %v", err)
	}
	if leadID != "lead-99" {
		t.Fatalf("expected created lead id lead-99, got %q", leadID)
	}
	_ = gotPath
}

func TestUpsertLeadByEmailUpdatesWhenFound(t *testing.T) {
	var sawPut bool
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.Path, "/oauth/v2/token"):
			return jsonResponse(200, `{"access_token":"tok-1","expires_in":3600}`), nil
		case strings.Contains(req.URL.Path, "/search"):
			return jsonResponse(200, `{"data":[{"id":"lead-1","Email":"existing@example.com"}]}`), nil
		case req.Method == http.MethodPut:
			sawPut = true
			return jsonResponse(200, `{"data":[{"details":{"id":"lead-1"}}]}`), nil
		default:
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}
	}})

	leadID, err := c.UpsertLeadByEmail(context.Background(), "existing@example.com", map[string]interface{}{"First_Name": "A"})
	if err != nil {
		t.Fatalf("UpsertLeadByEmail: %v", err)
	}
	if leadID != "lead-1" || !sawPut {
		t.Fatalf("expected update of existing lead-1, got id=%q sawPut=%v", leadID, sawPut)
	}
}

func TestUpsertLeadByCompanyPreservesExistingEmail(t *testing.T) {
	var sentFields map[string]interface{}
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		switch {
		case strings.Contains(req.URL.Path, "/oauth/v2/token"):
			return jsonResponse(200, `{"access_token":"tok-1","expires_in":3600}`), nil
		case strings.Contains(req.URL.Path, "/search"):
			return jsonResponse(200, `{"data":[{"id":"lead-2","Email":"primary@example.com"}]}`), nil
		case req.Method == http.MethodPut:
			body, _ := io.ReadAll(req.Body)
			var decoded struct {
				Data []map[string]interface{} `json:"data"`
			}
			_ = json.Unmarshal(body, &decoded)
			if len(decoded.Data) > 0 {
				sentFields = decoded.Data[0]
			}
			return jsonResponse(200, `{"data":[{"details":{"id":"lead-2"}}]}`), nil
		default:
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL)
			return nil, nil
		}
	}})

	_, err := c.UpsertLeadByCompany(context.Background(), "Acme Inc", map[string]interface{}{
		"Email":   "should-not-overwrite@example.com",
		"Company": "Acme Inc",
	})
	if err != nil {
		t.Fatalf("UpsertLeadByCompany: %v", err)
	}
	if _, present := sentFields["Email"]; present {
		t.Fatalf("expected Email to be stripped from the update when the lead already has one, got %+v", sentFields)
	}
	if sentFields["Company"] != "Acme Inc" {
		t.Fatalf("expected Company field to still be sent, got %+v", sentFields)
	}
}

func TestRetriesOnceOn401ThenSucceeds(t *testing.T) {
	calls := 0
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/oauth/v2/token") {
			return jsonResponse(200, `{"access_token":"tok-expired","expires_in":3600}`), nil
		}
		calls++
		if calls == 1 {
			return jsonResponse(401, `{"code":"INVALID_TOKEN"}`), nil
		}
		return jsonResponse(200, `{"data":[]}`), nil
	}})

	if _, err := c.FindLeadByEmail(context.Background(), "x@example.com"); err != nil {
		t.Fatalf("expected the 401-retry-once to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 API calls (original + one retry), got %d", calls)
	}
}

func TestDoubleUnauthorizedAfterRefreshIsPermanent(t *testing.T) {
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/oauth/v2/token") {
			return jsonResponse(200, `{"access_token":"tok","expires_in":3600}`), nil
		}
		return jsonResponse(401, `{"code":"INVALID_TOKEN"}`), nil
	}})

	_, err := c.FindLeadByEmail(context.Background(), "x@example.com")
	var perm *jobrun.PermanentError
	if !asPermanent(err, &perm) {
		t.Fatalf("expected a PermanentError after a second 401, got %v", err)
	}
}

func TestRateLimitedIsTransient(t *testing.T) {
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/oauth/v2/token") {
			return jsonResponse(200, `{"access_token":"tok","expires_in":3600}`), nil
		}
		return jsonResponse(429, `{"code":"TOO_MANY_REQUESTS"}`), nil
	}})

	_, err := c.FindLeadByEmail(context.Background(), "x@example.com")
	var transient *jobrun.TransientError
	if !asTransient(err, &transient) {
		t.Fatalf("expected a TransientError for a 429, got %v", err)
	}
}

func TestOtherClientErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/oauth/v2/token") {
			return jsonResponse(200, `{"access_token":"tok","expires_in":3600}`), nil
		}
		return jsonResponse(404, `{"code":"RECORD_NOT_FOUND"}`), nil
	}})

	_, err := c.FindLeadByEmail(context.Background(), "x@example.com")
	var perm *jobrun.PermanentError
	if !asPermanent(err, &perm) {
		t.Fatalf("expected a PermanentError for a 404, got %v", err)
	}
}

func TestUploadLeadPhotoRejectsOversizedImage(t *testing.T) {
	c := newTestClient(t, Config{ClientID: "id", ClientSecret: "secret", RefreshToken: "token"}, fakeTransport{t: t, resp: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected network call for an oversized photo")
		return nil, nil
	}})

	oversized := bytes.Repeat([]byte{0}, 10*1024*1024+1)
	err := c.UploadLeadPhoto(context.Background(), "lead-1", oversized, "too-big.png")
	var perm *jobrun.PermanentError
	if !asPermanent(err, &perm) {
		t.Fatalf("expected a PermanentError for an oversized photo, got %v", err)
	}
}

func asPermanent(err error, target **jobrun.PermanentError) bool {
	if err == nil {
		return false
	}
	p, ok := err.(*jobrun.PermanentError)
	if ok {
		*target = p
	}
	return ok
}

func asTransient(err error, target **jobrun.TransientError) bool {
	if err == nil {
		return false
	}
	p, ok := err.(*jobrun.TransientError)
	if ok {
		*target = p
	}
	return ok
}
