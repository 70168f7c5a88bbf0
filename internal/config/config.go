package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"

	"github.com/alertflow/alertflow/internal/expr"
	"github.com/alertflow/alertflow/internal/notify"
	"github.com/alertflow/alertflow/internal/routing"
	"github.com/alertflow/alertflow/internal/rules"
	"github.com/alertflow/alertflow/internal/silence"
)

// Default values for the engine configuration.
const (
	DefaultHTTPPort          = 9040
	DefaultEvalInterval      = 15 * time.Second
	DefaultRetention         = time.Hour
	DefaultResolvedRetention = 5 * time.Minute
	DefaultScrapeInterval    = 15 * time.Second
)

// Config is the root of the YAML document.
type Config struct {
	// HTTPPort is the port the API, ingest and metrics endpoints listen on.
	HTTPPort int `yaml:"http_port"`

	// EvalInterval is the rule evaluation tick period.
	EvalInterval model.Duration `yaml:"eval_interval"`

	// Retention is the rolling sample window kept in the store.
	Retention model.Duration `yaml:"retention"`

	// ResolvedRetention is how long resolved alert instances stay
	// visible before removal.
	ResolvedRetention model.Duration `yaml:"resolved_retention"`

	// Scrape optionally pulls Prometheus text metrics into the store.
	Scrape ScrapeConfig `yaml:"scrape"`

	// Rules is the alerting rule set.
	Rules []RuleConfig `yaml:"rules"`

	// Route is the routing tree; its root receiver is the catch-all.
	Route *routing.Config `yaml:"route"`

	// Receivers declares every named notification target.
	Receivers []notify.Config `yaml:"receivers"`

	// InhibitRules mute dependent alerts while a source alert fires.
	InhibitRules []silence.InhibitConfig `yaml:"inhibit_rules"`

	// Delivery tunes the notification dispatcher.
	Delivery DeliveryConfig `yaml:"delivery"`
}

// RuleConfig is one alerting rule as written in YAML.
type RuleConfig struct {
	// Name becomes the alertname label and deduplication key.
	Name string `yaml:"name"`

	// Expr is the threshold expression, e.g. "cpu_usage > 90".
	Expr string `yaml:"expr"`

	// For is the hold duration before a true condition fires.
	For model.Duration `yaml:"for"`

	// Labels are attached to every instance of the rule.
	Labels model.LabelSet `yaml:"labels"`

	// Annotations carry display-only information.
	Annotations model.LabelSet `yaml:"annotations"`
}

// ScrapeConfig controls the optional built-in scrape ingester.
type ScrapeConfig struct {
	// Interval between scrapes of each target.
	Interval model.Duration `yaml:"interval"`

	// Targets lists the endpoints to pull.
	Targets []ScrapeTarget `yaml:"targets"`
}

// ScrapeTarget is one metrics endpoint.
type ScrapeTarget struct {
	// URL of the text exposition endpoint, e.g. http://host:9100/metrics.
	URL string `yaml:"url"`

	// Labels added to every sample from this target.
	Labels model.LabelSet `yaml:"labels"`
}

// DeliveryConfig tunes notification delivery.
type DeliveryConfig struct {
	// Workers bounds concurrent deliveries across groups.
	Workers int `yaml:"workers"`

	// AttemptTimeout bounds one delivery attempt.
	AttemptTimeout model.Duration `yaml:"attempt_timeout"`

	// MaxAttempts caps retries. Unset takes the delivery default; an
	// explicit 0 retries indefinitely at the backoff cap.
	MaxAttempts *int `yaml:"max_attempts"`
}

// AttemptCap translates max_attempts into the dispatcher's option
// value: 0 for unset (the dispatcher applies its default), negative
// for unlimited retries.
func (d DeliveryConfig) AttemptCap() int {
	switch {
	case d.MaxAttempts == nil:
		return 0
	case *d.MaxAttempts == 0:
		return -1
	default:
		return *d.MaxAttempts
	}
}

// Load reads and parses the config file at path. Missing fields are
// filled with defaults before validation; any validation error rejects
// the whole document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates a config document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		HTTPPort:          DefaultHTTPPort,
		EvalInterval:      model.Duration(DefaultEvalInterval),
		Retention:         model.Duration(DefaultRetention),
		ResolvedRetention: model.Duration(DefaultResolvedRetention),
		Scrape: ScrapeConfig{
			Interval: model.Duration(DefaultScrapeInterval),
		},
	}
}

// validate checks the whole document, compiling every expression,
// matcher and the route tree so a generation is known-good before it
// replaces the running one.
func validate(cfg *Config) error {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d is out of range [1, 65535]", cfg.HTTPPort)
	}
	if cfg.EvalInterval <= 0 {
		return fmt.Errorf("eval_interval must be positive")
	}
	if cfg.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if cfg.ResolvedRetention < 0 {
		return fmt.Errorf("resolved_retention must not be negative")
	}

	names := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("rules[%d]: duplicate rule name %q", i, r.Name)
		}
		names[r.Name] = true
		if _, err := expr.Parse(r.Expr); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if r.For < 0 {
			return fmt.Errorf("rule %q: for must not be negative", r.Name)
		}
		if err := r.Labels.Validate(); err != nil {
			return fmt.Errorf("rule %q: labels: %w", r.Name, err)
		}
	}

	if cfg.Route == nil {
		return fmt.Errorf("route is required")
	}
	root, err := routing.New(cfg.Route)
	if err != nil {
		return err
	}

	receivers := make(map[string]bool, len(cfg.Receivers))
	for i, rc := range cfg.Receivers {
		if rc.Name == "" {
			return fmt.Errorf("receivers[%d]: name is required", i)
		}
		if receivers[rc.Name] {
			return fmt.Errorf("receivers[%d]: duplicate receiver %q", i, rc.Name)
		}
		receivers[rc.Name] = true
		if _, err := notify.Build(rc, nil); err != nil {
			return err
		}
	}
	if err := routeReceiversKnown(root, receivers); err != nil {
		return err
	}

	for i, ic := range cfg.InhibitRules {
		if _, err := silence.NewInhibitRule(ic); err != nil {
			return fmt.Errorf("inhibit_rules[%d]: %w", i, err)
		}
	}

	for i, t := range cfg.Scrape.Targets {
		if t.URL == "" {
			return fmt.Errorf("scrape.targets[%d]: url is required", i)
		}
	}
	if len(cfg.Scrape.Targets) > 0 && cfg.Scrape.Interval <= 0 {
		return fmt.Errorf("scrape.interval must be positive")
	}

	if cfg.Delivery.Workers < 0 || cfg.Delivery.AttemptTimeout < 0 ||
		(cfg.Delivery.MaxAttempts != nil && *cfg.Delivery.MaxAttempts < 0) {
		return fmt.Errorf("delivery settings must not be negative")
	}
	return nil
}

func routeReceiversKnown(r *routing.Route, receivers map[string]bool) error {
	if !receivers[r.Receiver] {
		return fmt.Errorf("route %s: unknown receiver %q", r.ID, r.Receiver)
	}
	for _, c := range r.Routes {
		if err := routeReceiversKnown(c, receivers); err != nil {
			return err
		}
	}
	return nil
}

// CompileRules builds the runtime rule set from a validated Config.
func (c *Config) CompileRules() ([]*rules.Rule, error) {
	out := make([]*rules.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		e, err := expr.Parse(rc.Expr)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Name, err)
		}
		out = append(out, &rules.Rule{
			Name:        rc.Name,
			Expr:        e,
			For:         time.Duration(rc.For),
			Labels:      rc.Labels,
			Annotations: rc.Annotations,
		})
	}
	return out, nil
}

// CompileRoute builds the routing tree from a validated Config.
func (c *Config) CompileRoute() (*routing.Route, error) {
	return routing.New(c.Route)
}

// CompileReceivers builds the receiver table, sharing client across all
// HTTP targets.
func (c *Config) CompileReceivers(client *http.Client) ([]*notify.Receiver, error) {
	out := make([]*notify.Receiver, 0, len(c.Receivers))
	for _, rc := range c.Receivers {
		r, err := notify.Build(rc, client)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CompileInhibitRules builds the inhibition rule set.
func (c *Config) CompileInhibitRules() ([]*silence.InhibitRule, error) {
	out := make([]*silence.InhibitRule, 0, len(c.InhibitRules))
	for _, ic := range c.InhibitRules {
		r, err := silence.NewInhibitRule(ic)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
