package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/govisually/webhookd/core/infra/buildinfo"
	"github.com/govisually/webhookd/core/infra/logging"
	"github.com/govisually/webhookd/internal/config"
	"github.com/govisually/webhookd/internal/crmclient"
	"github.com/govisually/webhookd/internal/enrichclient"
	"github.com/govisually/webhookd/internal/eventstore"
	"github.com/govisually/webhookd/internal/handlers"
	"github.com/govisually/webhookd/internal/httpapi"
	"github.com/govisually/webhookd/internal/idempotency"
	"github.com/govisually/webhookd/internal/ids"
	"github.com/govisually/webhookd/internal/jobrun"
	"github.com/govisually/webhookd/internal/kvstore"
	"github.com/govisually/webhookd/internal/llmclient"
	"github.com/govisually/webhookd/internal/metrics"
	"github.com/govisually/webhookd/internal/notifier"
	"github.com/govisually/webhookd/internal/queue"
)

const numWorkers = 8

func main() {
	buildinfo.Log("webhookd")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("webhookd: config: %v", err)
	}
	logging.Info("webhookd", "starting", "env", cfg.Env, "dry_run", cfg.DryRun, "listen_addr", cfg.ListenAddr)
	warnIfNoSecrets(cfg)

	// Every worker holds a connection inside BLPop for up to the queue's
	// poll interval; floor the pool at numWorkers plus headroom so the
	// HTTP path (staging, idempotency) never waits behind them.
	kv, err := kvstore.NewRedisStore(cfg.RedisURL, numWorkers+4)
	if err != nil {
		log.Fatalf("webhookd: redis: %v", err)
	}
	defer kv.Close()

	events := eventstore.New(kv, ids.NewUUIDGenerator(), cfg.EventTTL)
	idem := idempotency.New(kv, cfg.IdempotencyTTL)
	q := queue.New(kv)
	m := metrics.NewProm()
	notify := notifier.New(cfg.SlackWebhookURL, cfg.HTTPClientTimeout)

	crm := crmclient.New(crmclient.Config{
		Datacenter:     crmclient.Datacenter(cfg.CRMDatacenter),
		ClientID:       cfg.CRMClientID,
		ClientSecret:   cfg.CRMClientSecret,
		RefreshToken:   cfg.CRMRefreshToken,
		DryRun:         cfg.DryRun,
		RequestTimeout: cfg.HTTPClientTimeout,
	}, kv)

	llm := llmclient.New(llmclient.Config{
		APIKey:         cfg.GeminiAPIKey,
		Model:          cfg.GeminiModel,
		RequestTimeout: cfg.LLMTimeout,
		TruncateChars:  cfg.LLMTruncateChars,
	})

	enrich := enrichclient.New(enrichclient.Config{
		ApolloAPIKey:     cfg.ApolloAPIKey,
		ScraperAPIKey:    cfg.ScraperAPIKey,
		BrandfetchAPIKey: cfg.BrandfetchAPIKey,
		RequestTimeout:   cfg.HTTPClientTimeout,
	}, kv)

	table := handlers.Table(handlers.Clients{CRM: crm, LLM: llm, Enrich: enrich, Notify: notify, Cfg: cfg})

	runner := &jobrun.Runner{
		Events:      events,
		Idempotency: idem,
		Queue:       q,
		Notify:      notify,
		Policy:      queue.RetryPolicy{MaxRetries: cfg.MaxRetries, Intervals: cfg.RetryIntervals},
		ExtractEmail: extractLeadEmail,
	}

	srv := &httpapi.Server{Cfg: cfg, Events: events, Idem: idem, Queue: q, Metrics: m}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.NewMux(srv),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go runWorker(ctx, &wg, i, q, events, m, table, runner)
	}

	wg.Add(1)
	go promotionLoop(ctx, &wg, q)

	go func() {
		logging.Info("webhookd", "http listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("webhookd", "http server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("webhookd", "shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
}

func warnIfNoSecrets(cfg config.Config) {
	if cfg.SourceSecrets.CalendarSigningKey == "" {
		logging.Warn("webhookd", "CALENDAR_SIGNING_KEY not set; /webhooks/calendar accepts unsigned requests")
	}
	if cfg.SourceSecrets.MeetingSharedSecret == "" {
		logging.Warn("webhookd", "MEETING_SHARED_SECRET not set; /webhooks/meetings accepts unauthenticated requests")
	}
	if cfg.SourceSecrets.SupportSigningKey == "" {
		logging.Warn("webhookd", "SUPPORT_SIGNING_KEY not set; /webhooks/support accepts unsigned requests")
	}
	if cfg.SourceSecrets.EnrichSharedSecret == "" {
		logging.Warn("webhookd", "ENRICH_SHARED_SECRET not set; /enrich/lead accepts unauthenticated requests")
	}
}

// runWorker pulls ready jobs, resolves the handler by the staged event's
// (source, event_type), and hands off to the Job Runner.
func runWorker(ctx context.Context, wg *sync.WaitGroup, id int, q queue.Queue, events eventstore.Store, m metrics.Metrics, table map[handlers.DispatchKey]jobrun.Handler, runner *jobrun.Runner) {
	defer wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.Pull(ctx, 5*time.Second)
		if err != nil {
			logging.Error("webhookd", "queue pull error", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		ev, err := events.Load(ctx, job.EventID)
		if err != nil {
			logging.Error("webhookd", "event load failed", "worker", id, "event_id", job.EventID, "error", err)
			_ = q.Release(ctx, job.JobID)
			continue
		}

		handler, ok := table[handlers.DispatchKey{Source: ev.Source, EventType: ev.EventType}]
		if !ok {
			logging.Error("webhookd", "no handler registered", "source", ev.Source, "event_type", ev.EventType)
			_ = events.SetStatus(ctx, ev.EventID, eventstore.StatusFailed, "no_handler_registered")
			_ = q.Release(ctx, job.JobID)
			continue
		}

		start := time.Now()
		if err := runner.Run(ctx, *job, handler); err != nil {
			logging.Error("webhookd", "job run error", "worker", id, "job_id", job.JobID, "error", err)
		}
		m.ObserveHandlerDuration(ev.Source, ev.EventType, time.Since(start))

		if final, err := events.Load(ctx, job.EventID); err == nil {
			switch final.Status {
			case eventstore.StatusProcessed:
				m.IncProcessed(ev.Source, ev.EventType)
			case eventstore.StatusFailed:
				m.IncFailed(ev.Source, ev.EventType)
			case eventstore.StatusIgnored:
				m.IncIgnored(ev.Source, final.LastError)
			}
		}
	}
}

// promotionLoop periodically moves due delayed retries onto the ready
// queue (spec.md §4.4).
func promotionLoop(ctx context.Context, wg *sync.WaitGroup, q queue.Queue) {
	defer wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.PromoteDue(ctx); err != nil {
				logging.Error("webhookd", "promote due failed", "error", err)
			} else if n > 0 {
				logging.Info("webhookd", "promoted delayed retries", "count", n)
			}
		}
	}
}

// extractLeadEmail best-effort pulls an "email" field out of a raw JSON
// payload for Notifier alert context; it never fails the job (jobrun.EmailExtractor).
func extractLeadEmail(payload []byte) string {
	var probe struct {
		Email   string `json:"email"`
		Invitee struct {
			Email string `json:"email"`
		} `json:"invitee"`
		Payload struct {
			Invitee struct {
				Email string `json:"email"`
			} `json:"invitee"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	switch {
	case probe.Email != "":
		return probe.Email
	case probe.Invitee.Email != "":
		return probe.Invitee.Email
	default:
		return probe.Payload.Invitee.Email
	}
}
