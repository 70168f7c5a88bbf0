package scrape

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/metrics"
	"github.com/alertflow/alertflow/internal/store"
)

const defaultTimeout = 10 * time.Second

// Target is one metrics endpoint to pull.
type Target struct {
	URL string

	// Labels are attached to every sample from this target, typically
	// an instance or job identity.
	Labels model.LabelSet
}

// Ingester scrapes each target on a fixed interval and appends the
// parsed samples to the store.
type Ingester struct {
	targets  []Target
	interval time.Duration
	store    *store.Store
	metrics  *metrics.Metrics
	client   *http.Client
}

// New creates an Ingester. A non-positive interval defaults to 15s.
func New(targets []Target, interval time.Duration, st *store.Store, m *metrics.Metrics) *Ingester {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Ingester{
		targets:  targets,
		interval: interval,
		store:    st,
		metrics:  m,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

// Run scrapes all targets once immediately, then on every interval
// tick, until ctx is cancelled. Target failures are logged and do not
// affect other targets.
func (i *Ingester) Run(ctx context.Context) {
	if len(i.targets) == 0 {
		return
	}
	i.scrapeAll(ctx)

	t := time.NewTicker(i.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.scrapeAll(ctx)
		}
	}
}

func (i *Ingester) scrapeAll(ctx context.Context) {
	for _, tgt := range i.targets {
		n, err := i.scrapeTarget(ctx, tgt)
		if err != nil {
			slog.Warn("scrape: target failed", "url", tgt.URL, "err", err)
			continue
		}
		slog.Debug("scrape: target ok", "url", tgt.URL, "samples", n)
	}
}

// scrapeTarget fetches and parses one endpoint, returning the number of
// samples recorded.
func (i *Ingester) scrapeTarget(ctx context.Context, tgt Target) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tgt.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := i.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	mfs, err := parseFamilies(resp.Body)
	if err != nil {
		return 0, err
	}

	now := model.Now()
	recorded := 0
	for name, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v, ok := sampleValue(m)
			if !ok {
				continue
			}
			metric := model.Metric{model.MetricNameLabel: model.LabelValue(name)}
			for _, lp := range m.GetLabel() {
				metric[model.LabelName(lp.GetName())] = model.LabelValue(lp.GetValue())
			}
			for ln, lv := range tgt.Labels {
				metric[ln] = lv
			}
			ts := now
			if m.GetTimestampMs() != 0 {
				ts = model.Time(m.GetTimestampMs())
			}
			i.store.Add(metric, ts, model.SampleValue(v))
			recorded++
		}
	}
	i.metrics.SamplesIngested.Add(float64(recorded))
	return recorded, nil
}

// parseFamilies decodes a text exposition. A partial result with a
// non-fatal parse warning is still returned successfully.
func parseFamilies(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sampleValue extracts the scalar value of a counter, gauge or untyped
// metric. Histograms and summaries have no single value and are skipped.
func sampleValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}
