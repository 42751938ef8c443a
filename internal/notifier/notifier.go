// Package notifier is the Notifier (spec.md §4.12): a best-effort chat
// webhook post that never propagates failure. Grounded on
// original_source/app/services/slack_service.py.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/govisually/webhookd/core/infra/logging"
)

// Severity labels a notification for formatting/filtering by the receiving
// channel; the core only ever swallows errors regardless of severity.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityHigh Severity = "high"
)

// Notifier posts best-effort alerts. Notify never returns an error: any
// failure is logged and swallowed (spec.md §4.12, §7).
type Notifier interface {
	Notify(ctx context.Context, title, body string, severity Severity)
}

type webhookNotifier struct {
	url    string
	client *http.Client
}

// New constructs a Notifier posting to webhookURL. An empty webhookURL
// yields a no-op notifier (useful for tests and for dry-run environments
// with no chat integration configured).
func New(webhookURL string, timeout time.Duration) Notifier {
	if webhookURL == "" {
		return noopNotifier{}
	}
	return &webhookNotifier{
		url:    webhookURL,
		client: &http.Client{Timeout: timeout},
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

func (n *webhookNotifier) Notify(ctx context.Context, title, body string, severity Severity) {
	text := "*" + title + "*\n\n" + body
	payload, err := json.Marshal(slackPayload{Text: text})
	if err != nil {
		logging.Error("notifier", "marshal failed", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		logging.Error("notifier", "build request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		logging.Error("notifier", "post failed", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.Error("notifier", "post rejected", "status", resp.StatusCode)
	}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, Severity) {}
