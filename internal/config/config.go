// Package config loads the process configuration from environment variables
// once at startup. There is no settings singleton: Load returns an immutable
// value that callers thread explicitly into the HTTP server and worker pool.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DemoDatePolicy controls whether the meeting-transcript handler may
// overwrite a pre-existing demo-date field on a lead. Only preserve_existing
// is implemented; the type exists so a future policy is additive.
type DemoDatePolicy string

const (
	DemoDatePolicyPreserveExisting DemoDatePolicy = "preserve_existing"
)

// PlanLimits bounds a CRM usage-metrics plan for company-signal detection.
type PlanLimits struct {
	MemberLimit   int `yaml:"member_limit" json:"member_limit"`
	ProjectsLimit int `yaml:"projects_limit" json:"projects_limit"`
}

// defaultPlanLimits mirrors the reference implementation's PLAN_LIMITS table.
func defaultPlanLimits() map[string]PlanLimits {
	return map[string]PlanLimits{
		"free":       {MemberLimit: 5, ProjectsLimit: 3},
		"starter":    {MemberLimit: 15, ProjectsLimit: 25},
		"pro":        {MemberLimit: 25, ProjectsLimit: 1000},
		"enterprise": {MemberLimit: 500, ProjectsLimit: 100000},
	}
}

// Config is the full set of recognized runtime options (spec.md §3).
type Config struct {
	Env                string
	LogLevel           string
	BaseURL            string
	ListenAddr         string
	MetricsAddr        string
	AllowDebugEndpoints bool

	RedisURL string

	DryRun bool

	EventTTL       time.Duration
	IdempotencyTTL time.Duration

	MaxRetries     int
	RetryIntervals []time.Duration

	SourceSecrets SourceSecrets

	CRMDatacenter     string
	CRMClientID       string
	CRMClientSecret   string
	CRMRefreshToken   string
	CRMLeadStatusField string
	StatusDemoBooked   string
	StatusDemoComplete string
	StatusDemoCanceled string

	CustomerDomains     []string
	MinDurationMinutes  int
	QualifyingTags      []string
	CalendlyEventTypeURI string

	EnableAutoEnrichCalendar  bool
	EnableAutoEnrichIntercom  bool
	CreateFollowupTask        bool
	DemoDatePolicy            DemoDatePolicy
	PlanLimits                map[string]PlanLimits

	LLMProvider   string
	GeminiAPIKey  string
	GeminiModel   string
	LLMTimeout    time.Duration
	LLMTruncateChars int

	SlackWebhookURL string

	HTTPClientTimeout time.Duration

	ApolloAPIKey     string
	ScraperAPIKey    string
	BrandfetchAPIKey string
}

// SourceSecrets holds the per-source HMAC keys / shared secrets named in
// spec.md's SOURCE_SECRETS option.
type SourceSecrets struct {
	CalendarSigningKey string // HMAC secret for /webhooks/calendar
	MeetingSharedSecret string // shared-secret header for /webhooks/meetings
	SupportSigningKey   string // optional HMAC secret for /webhooks/support
	EnrichSharedSecret  string // shared-secret header for /enrich/lead
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}

func getenvList(key string, sep string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseRetryIntervals(raw string, def []time.Duration) []time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return def
		}
		out = append(out, time.Duration(n)*time.Second)
	}
	return out
}

// Load reads the process configuration from the environment. It returns an
// error when a field required for non-dry-run operation is missing; main.go
// exits with status 1 on that error, per spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getenv("ENV", "dev"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		BaseURL:             getenv("BASE_URL", "http://localhost:8080"),
		ListenAddr:          getenv("LISTEN_ADDR", ":8080"),
		MetricsAddr:         getenv("METRICS_ADDR", ":9090"),
		AllowDebugEndpoints: getenvBool("ALLOW_DEBUG_ENDPOINTS", false),

		RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),

		DryRun: getenvBool("DRY_RUN", true),

		EventTTL:       getenvSeconds("EVENT_TTL_SECONDS", 30*24*3600),
		IdempotencyTTL: getenvSeconds("IDEMPOTENCY_TTL_SECONDS", 90*24*3600),

		MaxRetries:     getenvInt("MAX_RETRIES", 3),
		RetryIntervals: parseRetryIntervals(os.Getenv("RETRY_INTERVALS"), []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}),

		SourceSecrets: SourceSecrets{
			CalendarSigningKey:  getenv("CALENDAR_SIGNING_KEY", ""),
			MeetingSharedSecret: getenv("MEETING_SHARED_SECRET", ""),
			SupportSigningKey:   getenv("SUPPORT_SIGNING_KEY", ""),
			EnrichSharedSecret:  getenv("ENRICH_SHARED_SECRET", ""),
		},

		CRMDatacenter:      getenv("CRM_DATACENTER", "us"),
		CRMClientID:        getenv("CRM_CLIENT_ID", ""),
		CRMClientSecret:    getenv("CRM_CLIENT_SECRET", ""),
		CRMRefreshToken:    getenv("CRM_REFRESH_TOKEN", ""),
		CRMLeadStatusField: getenv("CRM_LEAD_STATUS_FIELD", "Lead_Status"),
		StatusDemoBooked:   getenv("STATUS_DEMO_BOOKED", "Demo Booked"),
		StatusDemoComplete: getenv("STATUS_DEMO_COMPLETE", "Demo Complete"),
		StatusDemoCanceled: getenv("STATUS_DEMO_CANCELED", "Demo Canceled"),

		CustomerDomains:      getenvList("CUSTOMER_DOMAINS", ","),
		MinDurationMinutes:   getenvInt("MIN_DURATION_MINUTES", 10),
		QualifyingTags:       getenvList("QUALIFYING_TAGS", ","),
		CalendlyEventTypeURI: getenv("CALENDLY_EVENT_TYPE_URI", ""),

		EnableAutoEnrichCalendar: getenvBool("ENABLE_AUTO_ENRICH_CALENDAR", false),
		EnableAutoEnrichIntercom: getenvBool("ENABLE_AUTO_ENRICH_INTERCOM", false),
		CreateFollowupTask:       getenvBool("CREATE_FOLLOWUP_TASK", false),
		DemoDatePolicy:           DemoDatePolicy(getenv("DEMO_DATE_POLICY", string(DemoDatePolicyPreserveExisting))),

		LLMProvider:      getenv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey:     getenv("GEMINI_API_KEY", ""),
		GeminiModel:      getenv("GEMINI_MODEL", "gemini-1.5-pro"),
		LLMTimeout:       getenvSeconds("LLM_TIMEOUT_SECONDS", 60),
		LLMTruncateChars: getenvInt("LLM_TRUNCATE_CHARS", 12000),

		SlackWebhookURL: getenv("SLACK_WEBHOOK_URL", ""),

		HTTPClientTimeout: getenvSeconds("HTTP_CLIENT_TIMEOUT_SECONDS", 30),

		ApolloAPIKey:     getenv("APOLLO_API_KEY", ""),
		ScraperAPIKey:    getenv("SCRAPER_API_KEY", ""),
		BrandfetchAPIKey: getenv("BRAND_FETCH_API", ""),
	}

	limits, err := loadPlanLimits(os.Getenv("CONFIG_PLAN_LIMITS_PATH"))
	if err != nil {
		return Config{}, fmt.Errorf("config: load plan limits: %w", err)
	}
	cfg.PlanLimits = limits

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadPlanLimits(path string) (map[string]PlanLimits, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultPlanLimits(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var table map[string]PlanLimits
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(raw, &table); err != nil {
			return nil, err
		}
	} else if err := yamlUnmarshal(raw, &table); err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return defaultPlanLimits(), nil
	}
	return table, nil
}

func (c Config) validate() error {
	if c.DryRun {
		// Dry-run never requires live CRM OAuth credentials (DESIGN.md D4).
		return nil
	}
	var missing []string
	if c.CRMClientID == "" {
		missing = append(missing, "CRM_CLIENT_ID")
	}
	if c.CRMClientSecret == "" {
		missing = append(missing, "CRM_CLIENT_SECRET")
	}
	if c.CRMRefreshToken == "" {
		missing = append(missing, "CRM_REFRESH_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields for non-dry-run operation: %s", strings.Join(missing, ", "))
	}
	return nil
}
