package jobrun

import (
	"context"
	"errors"

	"github.com/govisually/webhookd/internal/eventstore"
	"github.com/govisually/webhookd/internal/idempotency"
	"github.com/govisually/webhookd/internal/notifier"
	"github.com/govisually/webhookd/internal/queue"
)

// Context is the information handlers need about the event they're
// processing, grounded on original_source/app/jobs/retry.py's JobContext.
type Context struct {
	EventID        string
	IdempotencyKey string
	Source         string
	EventType      string
	ExternalID     string
	LeadEmail      string
	Payload        []byte
}

// Handler is a pure-ish per-(source,event_type) function. It returns nil on
// success, an *IgnoredError to terminate without a CRM write, or a
// *TransientError / *PermanentError to drive retry classification.
type Handler func(ctx context.Context, jc Context) error

// EmailExtractor best-effort pulls a lead email out of a raw payload, used
// only to make Notifier alerts more useful; it never fails the job.
type EmailExtractor func(payload []byte) string

// Runner is the Job Runner (spec.md §4.8).
type Runner struct {
	Events      eventstore.Store
	Idempotency idempotency.Guard
	Queue       queue.Queue
	Notify      notifier.Notifier
	Policy      queue.RetryPolicy
	ExtractEmail EmailExtractor
}

// Run executes one queued job end to end.
func (r *Runner) Run(ctx context.Context, job queue.Job, handler Handler) error {
	ev, err := r.Events.Load(ctx, job.EventID)
	if errors.Is(err, eventstore.ErrNotFound) {
		// TTL expired between enqueue and pull; nothing to do.
		return r.Queue.Release(ctx, job.JobID)
	}
	if err != nil {
		return err
	}

	if ev.Status == eventstore.StatusProcessed {
		return r.Queue.Release(ctx, job.JobID)
	}
	processed, err := r.Idempotency.IsProcessed(ctx, ev.IdempotencyKey)
	if err != nil {
		return err
	}
	if processed {
		_ = r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusProcessed, "")
		return r.Queue.Release(ctx, job.JobID)
	}

	attempt, err := r.Events.IncrementAttempts(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusProcessing, ""); err != nil {
		return err
	}

	jc := Context{
		EventID:        ev.EventID,
		IdempotencyKey: ev.IdempotencyKey,
		Source:         ev.Source,
		EventType:      ev.EventType,
		ExternalID:     ev.ExternalID,
		Payload:        ev.Payload,
	}
	if r.ExtractEmail != nil {
		jc.LeadEmail = r.ExtractEmail(ev.Payload)
	}

	handlerErr := handler(ctx, jc)

	var ignored *IgnoredError
	var transient *TransientError
	var permanent *PermanentError

	switch {
	case handlerErr == nil:
		if err := r.Idempotency.MarkProcessed(ctx, ev.IdempotencyKey); err != nil {
			return err
		}
		// Preserve a handler-set terminal status rather than overwriting it
		// (SPEC_FULL.md Supplement SF-2).
		latest, err := r.Events.Load(ctx, ev.EventID)
		if err == nil && eventstore.IsTerminal(latest.Status) {
			return r.Queue.Release(ctx, job.JobID)
		}
		if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusProcessed, ""); err != nil {
			return err
		}
		return r.Queue.Release(ctx, job.JobID)

	case errors.As(handlerErr, &ignored):
		if err := r.Idempotency.MarkProcessed(ctx, ev.IdempotencyKey); err != nil {
			return err
		}
		if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusIgnored, ignored.Reason); err != nil {
			return err
		}
		return r.Queue.Release(ctx, job.JobID)

	case errors.As(handlerErr, &transient):
		if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusQueued, transient.Error()); err != nil {
			return err
		}
		// The event's attempts counter, not the attempt number carried on the
		// queue entry, decides whether retries are exhausted.
		retryJob := job
		retryJob.Attempt = attempt - 1
		movedToDLQ, err := r.Queue.Retry(ctx, retryJob, r.Policy, transient.Error())
		if err != nil {
			return err
		}
		if movedToDLQ {
			// Retries exhausted: terminal failure, alert fires once.
			if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusFailed, transient.Error()); err != nil {
				return err
			}
			r.alertTerminal(jc, attempt, transient.Error())
			return r.Queue.Release(ctx, job.JobID)
		}
		return nil

	case errors.As(handlerErr, &permanent):
		if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusFailed, permanent.Error()); err != nil {
			return err
		}
		if err := r.Queue.Fail(ctx, job, permanent.Error()); err != nil {
			return err
		}
		r.alertTerminal(jc, attempt, permanent.Error())
		return r.Queue.Release(ctx, job.JobID)

	default:
		// Unclassified error: treat as permanent rather than retry forever
		// on a bug (spec.md §7 lists config/runtime errors as permanent).
		if err := r.Events.SetStatus(ctx, ev.EventID, eventstore.StatusFailed, handlerErr.Error()); err != nil {
			return err
		}
		if err := r.Queue.Fail(ctx, job, handlerErr.Error()); err != nil {
			return err
		}
		r.alertTerminal(jc, attempt, handlerErr.Error())
		return r.Queue.Release(ctx, job.JobID)
	}
}

func (r *Runner) alertTerminal(jc Context, attempt int, reason string) {
	if r.Notify == nil {
		return
	}
	email := jc.LeadEmail
	if email == "" {
		email = "unknown"
	}
	body := "Source: " + jc.Source +
		"\nEvent Type: " + jc.EventType +
		"\nExternal ID: " + jc.ExternalID +
		"\nEvent ID: " + jc.EventID +
		"\nLead Email: " + email +
		"\nError: " + reason
	r.Notify.Notify(context.Background(), "Job Failed", body, notifier.SeverityHigh)
}
