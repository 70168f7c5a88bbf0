package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullDoc = `
http_port: 9100
eval_interval: 30s
retention: 2h
resolved_retention: 10m
scrape:
  interval: 20s
  targets:
    - url: http://node1:9100/metrics
      labels:
        env: prod
rules:
  - name: cpu_high
    expr: "avg(cpu_usage[5m]) > 90"
    for: 2m
    labels:
      severity: page
    annotations:
      summary: "CPU is high"
  - name: error_rate
    expr: "rate(http_errors_total[5m]) > 0.5"
    labels:
      severity: ticket
route:
  receiver: ops
  group_by: [alertname]
  routes:
    - match:
        severity: page
      receiver: pager
receivers:
  - name: ops
    log: true
  - name: pager
    webhook_configs:
      - url_env: PAGER_URL
inhibit_rules:
  - source_match:
      alertname: node_down
    target_match:
      severity: warning
    equal: [instance]
delivery:
  workers: 8
  attempt_timeout: 5s
  max_attempts: 4
`

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(fullDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.HTTPPort != 9100 {
		t.Errorf("http_port: got %d", cfg.HTTPPort)
	}
	if time.Duration(cfg.EvalInterval) != 30*time.Second {
		t.Errorf("eval_interval: got %v", cfg.EvalInterval)
	}
	if time.Duration(cfg.Retention) != 2*time.Hour {
		t.Errorf("retention: got %v", cfg.Retention)
	}
	if len(cfg.Rules) != 2 || len(cfg.Receivers) != 2 {
		t.Fatalf("rules/receivers: got %d/%d", len(cfg.Rules), len(cfg.Receivers))
	}
	if cfg.Rules[0].Labels["severity"] != "page" {
		t.Errorf("rule labels: got %v", cfg.Rules[0].Labels)
	}
	if len(cfg.Scrape.Targets) != 1 || cfg.Scrape.Targets[0].Labels["env"] != "prod" {
		t.Errorf("scrape targets: got %+v", cfg.Scrape.Targets)
	}
	if cfg.Delivery.Workers != 8 || cfg.Delivery.AttemptCap() != 4 {
		t.Errorf("delivery: got %+v", cfg.Delivery)
	}

	rs, err := cfg.CompileRules()
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	if rs[0].For != 2*time.Minute || rs[1].For != 0 {
		t.Errorf("for: got %v/%v", rs[0].For, rs[1].For)
	}
	root, err := cfg.CompileRoute()
	if err != nil {
		t.Fatalf("compile route: %v", err)
	}
	if root.Receiver != "ops" || len(root.Routes) != 1 {
		t.Errorf("route: got %+v", root)
	}
	inh, err := cfg.CompileInhibitRules()
	if err != nil || len(inh) != 1 {
		t.Fatalf("compile inhibit rules: %v (%d)", err, len(inh))
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
route:
  receiver: ops
receivers:
  - name: ops
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port default: got %d, want %d", cfg.HTTPPort, DefaultHTTPPort)
	}
	if time.Duration(cfg.EvalInterval) != DefaultEvalInterval {
		t.Errorf("eval_interval default: got %v", cfg.EvalInterval)
	}
	if time.Duration(cfg.Retention) != DefaultRetention {
		t.Errorf("retention default: got %v", cfg.Retention)
	}
	if time.Duration(cfg.ResolvedRetention) != DefaultResolvedRetention {
		t.Errorf("resolved_retention default: got %v", cfg.ResolvedRetention)
	}
}

func TestParse_MaxAttemptsZeroIsUnlimited(t *testing.T) {
	cfg, err := Parse([]byte(`
route:
  receiver: ops
receivers:
  - name: ops
delivery:
  max_attempts: 0
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Delivery.AttemptCap(); got != -1 {
		t.Errorf("explicit max_attempts 0: AttemptCap got %d, want -1", got)
	}

	cfg, err = Parse([]byte(`
route:
  receiver: ops
receivers:
  - name: ops
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Delivery.AttemptCap(); got != 0 {
		t.Errorf("unset max_attempts: AttemptCap got %d, want 0", got)
	}
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"not yaml", `{{{`, "parse yaml"},
		{"missing route", `receivers: [{name: ops}]`, "route is required"},
		{"root without receiver", `
route: {}
receivers: [{name: ops}]`, "receiver"},
		{"unknown route receiver", `
route: {receiver: ghost}
receivers: [{name: ops}]`, "unknown receiver"},
		{"unknown child receiver", `
route:
  receiver: ops
  routes:
    - match: {severity: page}
      receiver: ghost
receivers: [{name: ops}]`, "unknown receiver"},
		{"bad expression", `
rules: [{name: r, expr: "cpu_usage >> 90"}]
route: {receiver: ops}
receivers: [{name: ops}]`, `rule "r"`},
		{"duplicate rule", `
rules:
  - {name: r, expr: "a > 1"}
  - {name: r, expr: "b > 1"}
route: {receiver: ops}
receivers: [{name: ops}]`, "duplicate rule"},
		{"duplicate receiver", `
route: {receiver: ops}
receivers: [{name: ops}, {name: ops}]`, "duplicate receiver"},
		{"webhook without url", `
route: {receiver: ops}
receivers: [{name: ops, webhook_configs: [{}]}]`, "url or url_env"},
		{"bad port", `
http_port: 99999
route: {receiver: ops}
receivers: [{name: ops}]`, "http_port"},
		{"bad for duration", `
rules: [{name: r, expr: "a > 1", for: banana}]
route: {receiver: ops}
receivers: [{name: ops}]`, "duration"},
		{"scrape target without url", `
scrape: {targets: [{labels: {env: prod}}]}
route: {receiver: ops}
receivers: [{name: ops}]`, "url is required"},
		{"negative max_attempts", `
delivery: {max_attempts: -1}
route: {receiver: ops}
receivers: [{name: ops}]`, "negative"},
		{"inhibit rule one-sided", `
inhibit_rules: [{source_match: {alertname: x}}]
route: {receiver: ops}
receivers: [{name: ops}]`, "inhibit"},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.doc))
		if err == nil {
			t.Errorf("%s: want error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: error %q does not mention %q", c.name, err, c.want)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertflow.yaml")
	if err := os.WriteFile(path, []byte(fullDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9100 {
		t.Errorf("http_port: got %d", cfg.HTTPPort)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: want error")
	}
}
