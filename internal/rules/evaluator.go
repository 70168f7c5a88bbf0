package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/expr"
	"github.com/alertflow/alertflow/internal/labels"
	"github.com/alertflow/alertflow/internal/metrics"
)

const (
	// DefaultInterval is the evaluation tick period.
	DefaultInterval = 15 * time.Second

	// DefaultResolvedRetention is how long a resolved instance stays
	// visible before it is removed.
	DefaultResolvedRetention = 5 * time.Minute
)

// Health is the per-rule evaluation status exposed on the API.
type Health struct {
	Rule      string        `json:"rule"`
	LastEval  time.Time     `json:"last_eval"`
	Duration  time.Duration `json:"duration"`
	LastError string        `json:"last_error,omitempty"`
}

// Evaluator runs the alerting rules on a fixed tick and owns the alert
// instance table. All instance mutation happens inside EvalTick under
// one mutex (single writer); readers get copies.
//
// After each tick the notify callback receives copies of every firing
// and resolved instance, in fingerprint order. The callback runs
// outside the evaluator lock, so the next tick cannot start before it
// returns but readers are never blocked by downstream routing.
type Evaluator struct {
	querier           expr.Querier
	interval          time.Duration
	resolvedRetention time.Duration
	notify            func([]*Alert)
	metrics           *metrics.Metrics

	mu     sync.Mutex
	rules  []*Rule
	active map[model.Fingerprint]*Alert
	health map[string]*Health
	now    func() time.Time // injectable for deterministic tests
}

// New creates an Evaluator. notify may be nil (state is still tracked,
// nothing is routed); interval and retention fall back to defaults when
// non-positive.
func New(q expr.Querier, interval, resolvedRetention time.Duration, notify func([]*Alert), m *metrics.Metrics) *Evaluator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if resolvedRetention <= 0 {
		resolvedRetention = DefaultResolvedRetention
	}
	return &Evaluator{
		querier:           q,
		interval:          interval,
		resolvedRetention: resolvedRetention,
		notify:            notify,
		metrics:           m,
		active:            make(map[model.Fingerprint]*Alert),
		health:            make(map[string]*Health),
		now:               time.Now,
	}
}

// SetRules atomically swaps in a new rule generation. Instances of
// rules no longer present evaluate as condition-false on the next tick
// and resolve through the normal lifecycle.
func (e *Evaluator) SetRules(rs []*Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rs
	health := make(map[string]*Health, len(rs))
	for _, r := range rs {
		if h, ok := e.health[r.Name]; ok {
			health[r.Name] = h
		} else {
			health[r.Name] = &Health{Rule: r.Name}
		}
	}
	e.health = health
	slog.Info("rules: generation swapped", "rules", len(rs))
}

// EvalTick evaluates every rule at now and advances the state machine.
// Rules are independent: an expression error skips that rule's updates
// for this tick (existing instances hold their state) and is recorded
// in the rule's health, leaving other rules untouched.
func (e *Evaluator) EvalTick(now time.Time) {
	start := time.Now()
	e.mu.Lock()

	// seen collects instances whose condition held this tick. Instances
	// of rules dropped by a reload are never seen and age out as
	// condition-false.
	seen := make(map[model.Fingerprint]bool)

	for _, r := range e.rules {
		ruleStart := time.Now()
		results, err := r.Expr.Eval(e.querier, now)
		h := e.health[r.Name]
		h.LastEval = now
		h.Duration = time.Since(ruleStart)
		if err != nil {
			h.LastError = err.Error()
			e.metrics.EvalErrors.WithLabelValues(r.Name).Inc()
			slog.Warn("rules: evaluation failed", "rule", r.Name, "err", err)
			// Hold pending and firing instances: a broken or absent
			// metric must not resolve a real alert. Resolved instances
			// fall through so retention still removes them.
			for _, a := range e.active {
				if a.Name() == r.Name && a.State != StateResolved {
					seen[a.Fingerprint()] = true
				}
			}
			continue
		}
		h.LastError = ""

		for _, res := range results {
			ls := r.instanceLabels(res.Labels)
			fp := ls.Fingerprint()
			seen[fp] = true
			e.advanceTrue(r, fp, ls, res.Value, now)
		}
	}

	// Condition false for everything not seen: Pending dies quietly,
	// Firing resolves, Resolved ages out past retention.
	for fp, a := range e.active {
		if seen[fp] {
			continue
		}
		switch a.State {
		case StatePending:
			delete(e.active, fp)
		case StateFiring:
			a.State = StateResolved
			a.ResolvedAt = now
			slog.Info("alert resolved", "alert", a.Name(), "labels", a.Labels.String())
		case StateResolved:
			if now.Sub(a.ResolvedAt) >= e.resolvedRetention {
				delete(e.active, fp)
			}
		}
	}

	e.updateGauges()
	e.metrics.EvalDuration.Observe(time.Since(start).Seconds())

	out := e.snapshotLocked(func(a *Alert) bool {
		return a.State == StateFiring || a.State == StateResolved
	})
	e.mu.Unlock()

	if e.notify != nil && len(out) > 0 {
		e.notify(out)
	}
}

// advanceTrue applies the condition-true transitions for one instance.
func (e *Evaluator) advanceTrue(r *Rule, fp model.Fingerprint, ls model.LabelSet, value float64, now time.Time) {
	a, ok := e.active[fp]
	if ok && a.State == StateResolved {
		// A resolved instance re-triggering starts a fresh lifecycle.
		ok = false
	}
	if !ok {
		a = &Alert{
			Labels:      ls,
			Annotations: r.Annotations.Clone(),
			State:       StatePending,
			ActiveAt:    now,
			Value:       value,
		}
		if r.For == 0 {
			a.State = StateFiring
			a.FiredAt = now
			slog.Warn("alert firing", "alert", r.Name, "labels", ls.String(), "value", value)
		}
		e.active[fp] = a
		return
	}

	a.Value = value
	if a.State == StatePending && now.Sub(a.ActiveAt) >= r.For {
		a.State = StateFiring
		// The hold deadline, not the observing tick: deterministic
		// under tick jitter.
		a.FiredAt = a.ActiveAt.Add(r.For)
		slog.Warn("alert firing", "alert", r.Name, "labels", ls.String(), "value", value)
	}
}

// Run drives EvalTick on the configured interval until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.EvalTick(e.now())
		}
	}
}

// Alerts returns copies of instances matching ms and, when states is
// non-empty, one of the given states. Results are in fingerprint order.
func (e *Evaluator) Alerts(ms labels.Matchers, states ...State) []*Alert {
	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(func(a *Alert) bool {
		if len(want) > 0 && !want[a.State] {
			return false
		}
		return ms.Match(a.Labels)
	})
}

// RuleHealth returns the per-rule evaluation status, sorted by rule name.
func (e *Evaluator) RuleHealth() []Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Health, 0, len(e.health))
	for _, h := range e.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// snapshotLocked copies every instance keep admits, sorted by
// fingerprint for deterministic downstream processing.
func (e *Evaluator) snapshotLocked(keep func(*Alert) bool) []*Alert {
	out := make([]*Alert, 0, len(e.active))
	for _, a := range e.active {
		if !keep(a) {
			continue
		}
		cp := *a
		cp.Labels = a.Labels.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Fingerprint() < out[j].Fingerprint()
	})
	return out
}

func (e *Evaluator) updateGauges() {
	counts := map[State]int{StatePending: 0, StateFiring: 0, StateResolved: 0}
	for _, a := range e.active {
		counts[a.State]++
	}
	for s, n := range counts {
		e.metrics.ActiveAlerts.WithLabelValues(string(s)).Set(float64(n))
	}
}
