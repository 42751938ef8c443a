package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAreDryRunSafe(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Fatalf("expected DRY_RUN to default to true")
	}
	if cfg.CRMDatacenter != "us" {
		t.Fatalf("expected default datacenter us, got %s", cfg.CRMDatacenter)
	}
	if len(cfg.PlanLimits) == 0 {
		t.Fatalf("expected built-in default plan limits table")
	}
	if cfg.PlanLimits["pro"].MemberLimit != 25 {
		t.Fatalf("unexpected default pro member limit: %+v", cfg.PlanLimits["pro"])
	}
}

func TestLoadFailsWithoutCRMCredentialsWhenNotDryRun(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when DRY_RUN=false and CRM credentials are unset")
	}
}

func TestLoadSucceedsWithCRMCredentialsWhenNotDryRun(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("CRM_CLIENT_ID", "id")
	t.Setenv("CRM_CLIENT_SECRET", "secret")
	t.Setenv("CRM_REFRESH_TOKEN", "token")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadParsesRetryIntervals(t *testing.T) {
	t.Setenv("RETRY_INTERVALS", "5,10,15")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(cfg.RetryIntervals) != len(want) {
		t.Fatalf("unexpected retry intervals: %v", cfg.RetryIntervals)
	}
	for i := range want {
		if cfg.RetryIntervals[i] != want[i] {
			t.Fatalf("unexpected retry intervals: %v", cfg.RetryIntervals)
		}
	}
}

func TestLoadMalformedRetryIntervalsFallsBackToDefault(t *testing.T) {
	t.Setenv("RETRY_INTERVALS", "not-a-number")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.RetryIntervals) != 3 {
		t.Fatalf("expected fallback to the 3-entry default, got %v", cfg.RetryIntervals)
	}
}

func TestLoadParsesCommaSeparatedLists(t *testing.T) {
	t.Setenv("CUSTOMER_DOMAINS", "govisually.com, acme.com ,")
	t.Setenv("QUALIFYING_TAGS", "sales-qualified,demo-requested")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CustomerDomains) != 2 || cfg.CustomerDomains[0] != "govisually.com" || cfg.CustomerDomains[1] != "acme.com" {
		t.Fatalf("unexpected customer domains: %v", cfg.CustomerDomains)
	}
	if len(cfg.QualifyingTags) != 2 {
		t.Fatalf("unexpected qualifying tags: %v", cfg.QualifyingTags)
	}
}

func TestLoadPlanLimitsFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	content := []byte("custom:\n  member_limit: 7\n  projects_limit: 9\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write plan limits file: %v", err)
	}
	t.Setenv("CONFIG_PLAN_LIMITS_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := cfg.PlanLimits["custom"]
	if !ok {
		t.Fatalf("expected custom plan in loaded limits: %+v", cfg.PlanLimits)
	}
	if got.MemberLimit != 7 || got.ProjectsLimit != 9 {
		t.Fatalf("unexpected custom plan limits: %+v", got)
	}
}
