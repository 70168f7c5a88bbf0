package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Webhook posts the notification as JSON to a configured URL.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// Notify implements Notifier. Connection errors, timeouts, HTTP 429 and
// 5xx are transient; any other non-2xx status is permanent.
func (w *Webhook) Notify(ctx context.Context, n *Notification) (bool, error) {
	url := w.cfg.Resolve()
	if url == "" {
		return false, fmt.Errorf("webhook: target URL resolved empty")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("webhook: encode payload: %w", err)
	}
	return post(ctx, w.client, url, body)
}

// Slack posts a text summary to a Slack incoming webhook.
type Slack struct {
	cfg    SlackConfig
	client *http.Client
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, n *Notification) (bool, error) {
	url := s.cfg.Resolve()
	if url == "" {
		return false, fmt.Errorf("slack: target URL resolved empty")
	}
	body, err := json.Marshal(map[string]string{"text": slackText(n)})
	if err != nil {
		return false, fmt.Errorf("slack: encode payload: %w", err)
	}
	return post(ctx, s.client, url, body)
}

func slackText(n *Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s — %d alert(s)", strings.ToUpper(n.Status), n.GroupLabels, len(n.Alerts))
	for _, a := range n.Alerts {
		fmt.Fprintf(&b, "\n• %s %s = %.4g", a.State, a.Labels, a.Value)
		if summary := a.Annotations["summary"]; summary != "" {
			fmt.Fprintf(&b, " — %s", summary)
		}
	}
	return b.String()
}

// post delivers body to url and classifies the outcome for the retry
// policy.
func post(ctx context.Context, client *http.Client, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// Connectivity and deadline failures are always retryable.
		return true, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
		return true, fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("target returned HTTP %d", resp.StatusCode)
	}
}
