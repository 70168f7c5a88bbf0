package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/rules"
)

// Notification is one rendered payload for a single notification group.
type Notification struct {
	Receiver    string         `json:"receiver"`
	Status      string         `json:"status"` // "firing" while any member fires, else "resolved"
	GroupKey    string         `json:"group_key"`
	GroupLabels model.LabelSet `json:"group_labels"`
	Alerts      []*rules.Alert `json:"alerts"`
}

// Firing returns the subset of member alerts still firing.
func (n *Notification) Firing() []*rules.Alert {
	var out []*rules.Alert
	for _, a := range n.Alerts {
		if a.Firing() {
			out = append(out, a)
		}
	}
	return out
}

// Notifier delivers one notification. The retry return distinguishes
// transient transport failures (timeouts, 5xx) from permanent ones
// (malformed target, 4xx): only the former are worth another attempt.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) (retry bool, err error)
}

// Config is the YAML shape of one named receiver.
type Config struct {
	Name     string          `yaml:"name"`
	Webhooks []WebhookConfig `yaml:"webhook_configs,omitempty"`
	Slack    []SlackConfig   `yaml:"slack_configs,omitempty"`
	Log      bool            `yaml:"log,omitempty"`
}

// WebhookConfig is one generic JSON-POST target. The URL may be given
// inline or resolved from an environment variable, keeping credentials
// out of the config file.
type WebhookConfig struct {
	URL    string `yaml:"url,omitempty"`
	URLEnv string `yaml:"url_env,omitempty"`
}

// Resolve returns the effective target URL.
func (w WebhookConfig) Resolve() string {
	if w.URL != "" {
		return w.URL
	}
	if w.URLEnv != "" {
		return os.Getenv(w.URLEnv)
	}
	return ""
}

// SlackConfig is one Slack incoming-webhook target.
type SlackConfig struct {
	URL    string `yaml:"url,omitempty"`
	URLEnv string `yaml:"url_env,omitempty"`
}

// Resolve returns the effective webhook URL.
func (s SlackConfig) Resolve() string {
	if s.URL != "" {
		return s.URL
	}
	if s.URLEnv != "" {
		return os.Getenv(s.URLEnv)
	}
	return ""
}

// Receiver is a named fan-out of notifiers. Notify tries every target;
// it reports retry if any transient failure occurred.
type Receiver struct {
	Name      string
	notifiers []Notifier
}

// NewReceiver creates a receiver from already-built notifiers. Used by
// tests and embedders; configuration files go through Build.
func NewReceiver(name string, ns ...Notifier) *Receiver {
	return &Receiver{Name: name, notifiers: ns}
}

// Build compiles a receiver config into a Receiver sharing client for
// all HTTP targets. A receiver with no targets is valid and delivers to
// the log sink, so a routing tree can be dry-run without endpoints.
func Build(cfg Config, client *http.Client) (*Receiver, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("receiver: name is required")
	}
	r := &Receiver{Name: cfg.Name}
	for _, w := range cfg.Webhooks {
		if w.URL == "" && w.URLEnv == "" {
			return nil, fmt.Errorf("receiver %q: webhook needs url or url_env", cfg.Name)
		}
		r.notifiers = append(r.notifiers, &Webhook{cfg: w, client: client})
	}
	for _, s := range cfg.Slack {
		if s.URL == "" && s.URLEnv == "" {
			return nil, fmt.Errorf("receiver %q: slack needs url or url_env", cfg.Name)
		}
		r.notifiers = append(r.notifiers, &Slack{cfg: s, client: client})
	}
	if cfg.Log || len(r.notifiers) == 0 {
		r.notifiers = append(r.notifiers, &Log{})
	}
	return r, nil
}

// Notify fans out to every target. All targets are attempted even when
// an early one fails; the first error is returned and retry is true if
// any failure was transient.
func (r *Receiver) Notify(ctx context.Context, n *Notification) (bool, error) {
	var (
		firstErr error
		retry    bool
	)
	for _, t := range r.notifiers {
		re, err := t.Notify(ctx, n)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			retry = retry || re
		}
	}
	return retry, firstErr
}

// Log is the no-transport sink: it records the notification in the
// server log and always succeeds.
type Log struct{}

// Notify implements Notifier.
func (*Log) Notify(_ context.Context, n *Notification) (bool, error) {
	slog.Info("notification",
		"receiver", n.Receiver,
		"status", n.Status,
		"group", n.GroupKey,
		"alerts", len(n.Alerts),
		"firing", len(n.Firing()),
	)
	return false, nil
}

// NewClient returns the HTTP client shared by all outbound targets.
// Per-attempt deadlines are enforced by the dispatcher's context; the
// client timeout is a backstop.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
