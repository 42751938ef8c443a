package jobrun

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/govisually/webhookd/internal/eventstore"
	"github.com/govisually/webhookd/internal/idempotency"
	"github.com/govisually/webhookd/internal/ids"
	"github.com/govisually/webhookd/internal/kvstore"
	"github.com/govisually/webhookd/internal/notifier"
	"github.com/govisually/webhookd/internal/queue"
)

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) Notify(context.Context, string, string, notifier.Severity) {
	n.calls++
}

type harness struct {
	kv     kvstore.Store
	events eventstore.Store
	idem   idempotency.Guard
	queue  queue.Queue
	notify *recordingNotifier
	runner *Runner
}

func newHarness(t *testing.T) *harness {
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

	events := eventstore.New(kv, ids.NewUUIDGenerator(), time.Hour)
	idem := idempotency.New(kv, time.Hour)
	q := queue.New(kv)
	notify := &recordingNotifier{}

	return &harness{
		kv: kv, events: events, idem: idem, queue: q, notify: notify,
		runner: &Runner{
			Events:      events,
			Idempotency: idem,
			Queue:       q,
			Notify:      notify,
			Policy:      queue.RetryPolicy{MaxRetries: 2, Intervals: []time.Duration{0, 0}},
		},
	}
}

func (h *harness) stageAndEnqueue(t *testing.T, source, eventType, idemKey string) queue.Job {
	t.Helper()
	ctx := context.Background()
	ev, err := h.events.Store(ctx, source, eventType, "ext-1", []byte(`{"email":"lead@example.com"}`), idemKey)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := h.idem.TryAcquire(ctx, idemKey, ev.EventID); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, idemKey, ev.EventID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return queue.Job{JobID: idemKey, EventID: ev.EventID, Attempt: 0}
}

func TestRunSuccessMarksProcessedAndIdempotent(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "calendar", "booked", "idem-1")

	var gotEmail string
	handler := func(ctx context.Context, jc Context) error {
		gotEmail = jc.LeadEmail
		return nil
	}
	h.runner.ExtractEmail = func(payload []byte) string { return "lead@example.com" }

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotEmail != "lead@example.com" {
		t.Fatalf("expected handler to see extracted email, got %q", gotEmail)
	}

	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusProcessed {
		t.Fatalf("expected processed status, got %s", ev.Status)
	}
	processed, err := h.idem.IsProcessed(context.Background(), "idem-1")
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Fatalf("expected idempotency key marked processed")
	}
	if h.notify.calls != 0 {
		t.Fatalf("expected no notification on success")
	}
}

func TestRunPreservesHandlerSetTerminalStatus(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "support_company", "company_updated", "idem-2")

	handler := func(ctx context.Context, jc Context) error {
		// A handler occasionally sets its own terminal status as a side
		// effect (e.g. an upstream call) before returning success.
		return h.events.SetStatus(ctx, jc.EventID, eventstore.StatusIgnored, "handler_set_ignored")
	}

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusIgnored {
		t.Fatalf("expected the handler's own ignored status to survive, got %s", ev.Status)
	}
}

func TestRunIgnoredNeverAlerts(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "support_tag", "tag_added", "idem-3")

	handler := func(ctx context.Context, jc Context) error {
		return NewIgnored("tag_not_qualifying")
	}

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusIgnored || ev.LastError != "tag_not_qualifying" {
		t.Fatalf("unexpected event state: %+v", ev)
	}
	if h.notify.calls != 0 {
		t.Fatalf("expected ignored outcome to never alert")
	}
}

func TestRunTransientRetriesThenExhaustsToFailedWithOneAlert(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "meeting_transcript", "completed", "idem-4")

	handler := func(ctx context.Context, jc Context) error {
		return NewTransient("crm_5xx", errors.New("upstream 503"))
	}

	// Policy has MaxRetries=2: attempts 1 and 2 retry, attempt 3 moves to DLQ.
	for i := 0; i < 2; i++ {
		if err := h.runner.Run(context.Background(), job, handler); err != nil {
			t.Fatalf("Run (attempt %d): %v", i, err)
		}
		ev, err := h.events.Load(context.Background(), job.EventID)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if ev.Status != eventstore.StatusQueued {
			t.Fatalf("expected queued (awaiting retry) status, got %s", ev.Status)
		}
		promoted, err := h.queue.PromoteDue(context.Background())
		if err != nil {
			t.Fatalf("PromoteDue: %v", err)
		}
		if promoted != 1 {
			t.Fatalf("expected exactly one promoted retry, got %d", promoted)
		}
		next, err := h.queue.Pull(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		if next == nil {
			t.Fatalf("expected a promoted retry job")
		}
		job = *next
	}

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("final Run: %v", err)
	}
	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusFailed {
		t.Fatalf("expected failed status once retries are exhausted, got %s", ev.Status)
	}
	if h.notify.calls != 1 {
		t.Fatalf("expected exactly one terminal alert, got %d", h.notify.calls)
	}
}

func TestRunPermanentFailsImmediatelyWithAlert(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "manual_enrich", "enrich_request", "idem-5")

	handler := func(ctx context.Context, jc Context) error {
		return NewPermanent("llm_schema_invalid", errors.New("missing field"))
	}

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusFailed {
		t.Fatalf("expected failed status, got %s", ev.Status)
	}
	if h.notify.calls != 1 {
		t.Fatalf("expected exactly one terminal alert, got %d", h.notify.calls)
	}
}

func TestRunUnclassifiedErrorTreatedAsPermanent(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "calendar", "booked", "idem-6")

	handler := func(ctx context.Context, jc Context) error {
		return errors.New("some unexpected bug")
	}

	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ev, err := h.events.Load(context.Background(), job.EventID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ev.Status != eventstore.StatusFailed {
		t.Fatalf("expected unclassified errors to fail terminally, got %s", ev.Status)
	}
}

func TestRunSkipsAlreadyProcessedEvent(t *testing.T) {
	h := newHarness(t)
	job := h.stageAndEnqueue(t, "calendar", "booked", "idem-7")

	calls := 0
	handler := func(ctx context.Context, jc Context) error {
		calls++
		return nil
	}
	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler called once, got %d", calls)
	}

	// Re-deliver the same job (e.g. queue redelivery after a crash).
	if err := h.runner.Run(context.Background(), job, handler); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler not called again for an already-processed event, got %d calls", calls)
	}
}
