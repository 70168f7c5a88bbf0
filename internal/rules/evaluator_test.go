package rules

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/alertflow/alertflow/internal/expr"
	"github.com/alertflow/alertflow/internal/labels"
	"github.com/alertflow/alertflow/internal/metrics"
	"github.com/alertflow/alertflow/internal/store"
)

func mtime(t time.Time) model.Time { return model.TimeFromUnixNano(t.UnixNano()) }

func testEvaluator(t *testing.T, st *store.Store, notify func([]*Alert)) *Evaluator {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(st, 15*time.Second, 5*time.Minute, notify, m)
}

func mustRule(t *testing.T, name, expression string, hold time.Duration, ls model.LabelSet) *Rule {
	t.Helper()
	e, err := expr.Parse(expression)
	if err != nil {
		t.Fatalf("parse %q: %v", expression, err)
	}
	return &Rule{Name: name, Expr: e, For: hold, Labels: ls}
}

func addCPU(st *store.Store, at time.Time, v model.SampleValue) {
	st.Add(model.Metric{
		model.MetricNameLabel: "cpu_usage",
		"instance":            "node1",
	}, mtime(at), v)
}

func singleAlert(t *testing.T, ev *Evaluator) *Alert {
	t.Helper()
	all := ev.Alerts(nil)
	if len(all) != 1 {
		t.Fatalf("got %d alerts, want 1", len(all))
	}
	return all[0]
}

func TestLifecycle_PendingThenFiring(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 2*time.Minute, model.LabelSet{"severity": "page"})})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	a := singleAlert(t, ev)
	if a.State != StatePending {
		t.Fatalf("state after first true tick: got %s, want pending", a.State)
	}
	if !a.ActiveAt.Equal(base) {
		t.Errorf("ActiveAt: got %v, want %v", a.ActiveAt, base)
	}
	if a.Labels[model.AlertNameLabel] != "cpu_high" || a.Labels["severity"] != "page" || a.Labels["instance"] != "node1" {
		t.Errorf("labels: got %v", a.Labels)
	}

	// Still pending just before the hold elapses.
	at := base.Add(90 * time.Second)
	addCPU(st, at, 96)
	ev.EvalTick(at)
	if a := singleAlert(t, ev); a.State != StatePending {
		t.Fatalf("state at 90s of 2m hold: got %s, want pending", a.State)
	}

	// Fires once the hold is met; FiredAt is the hold deadline even
	// though the observing tick is late.
	at = base.Add(2*time.Minute + 7*time.Second) // jittered tick
	addCPU(st, at, 97)
	ev.EvalTick(at)
	a = singleAlert(t, ev)
	if a.State != StateFiring {
		t.Fatalf("state after hold: got %s, want firing", a.State)
	}
	if want := base.Add(2 * time.Minute); !a.FiredAt.Equal(want) {
		t.Errorf("FiredAt: got %v, want hold deadline %v", a.FiredAt, want)
	}
	if a.Value != 97 {
		t.Errorf("value: got %v, want 97", a.Value)
	}
}

func TestLifecycle_ZeroHoldFiresImmediately(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base)
	if a := singleAlert(t, ev); a.State != StateFiring || !a.FiredAt.Equal(base) {
		t.Fatalf("zero hold: got %s fired at %v, want firing at %v", a.State, a.FiredAt, base)
	}
}

func TestLifecycle_PendingDiesQuietly(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	var notified [][]*Alert
	ev := testEvaluator(t, st, func(as []*Alert) { notified = append(notified, as) })
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 2*time.Minute, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	at := base.Add(15 * time.Second)
	addCPU(st, at, 50)
	ev.EvalTick(at)

	if got := ev.Alerts(nil); len(got) != 0 {
		t.Fatalf("pending gone false: got %d alerts, want 0", len(got))
	}
	if len(notified) != 0 {
		t.Errorf("pending alert must never be notified, got %d batches", len(notified))
	}
}

func TestLifecycle_FiringResolvesAndAgesOut(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	at := base.Add(15 * time.Second)
	addCPU(st, at, 10)
	ev.EvalTick(at)

	a := singleAlert(t, ev)
	if a.State != StateResolved {
		t.Fatalf("state: got %s, want resolved", a.State)
	}
	if !a.ResolvedAt.Equal(at) {
		t.Errorf("ResolvedAt: got %v, want %v", a.ResolvedAt, at)
	}

	// Still visible inside the retention window.
	at = at.Add(4 * time.Minute)
	addCPU(st, at, 10)
	ev.EvalTick(at)
	if got := ev.Alerts(nil); len(got) != 1 {
		t.Fatalf("within retention: got %d alerts, want 1", len(got))
	}

	// Removed past the retention window.
	at = at.Add(2 * time.Minute)
	addCPU(st, at, 10)
	ev.EvalTick(at)
	if got := ev.Alerts(nil); len(got) != 0 {
		t.Fatalf("past retention: got %d alerts, want 0", len(got))
	}
}

func TestLifecycle_ResolvedRetriggerStartsFresh(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", time.Minute, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base)
	addCPU(st, base.Add(time.Minute), 95)
	ev.EvalTick(base.Add(time.Minute)) // firing
	addCPU(st, base.Add(2*time.Minute), 10)
	ev.EvalTick(base.Add(2 * time.Minute)) // resolved

	at := base.Add(3 * time.Minute)
	addCPU(st, at, 95)
	ev.EvalTick(at)

	a := singleAlert(t, ev)
	if a.State != StatePending {
		t.Fatalf("re-trigger after resolve: got %s, want fresh pending", a.State)
	}
	if !a.ActiveAt.Equal(at) {
		t.Errorf("ActiveAt: got %v, want new lifecycle start %v", a.ActiveAt, at)
	}
}

func TestEvalError_HoldsInstancesAndRecordsHealth(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{
		mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil),
		mustRule(t, "ghost", "missing_metric > 0", 0, nil),
	})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	// cpu_high fired despite the ghost rule's error.
	if got := ev.Alerts(nil, StateFiring); len(got) != 1 {
		t.Fatalf("firing: got %d, want 1", len(got))
	}

	var ghost *Health
	for _, h := range ev.RuleHealth() {
		if h.Rule == "ghost" {
			cp := h
			ghost = &cp
		}
	}
	if ghost == nil || ghost.LastError == "" {
		t.Fatalf("ghost rule health: got %+v, want recorded error", ghost)
	}

	// The metric vanishing must not resolve the firing alert.
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "vanished_metric > 90", 0, nil)})
	at := base.Add(15 * time.Second)
	ev.EvalTick(at)
	if got := ev.Alerts(nil, StateFiring); len(got) != 1 {
		t.Fatalf("after eval error: got %d firing, want 1 held", len(got))
	}
}

// A rule stuck in evaluation errors holds its pending and firing
// instances, but a resolved instance still ages out of the table.
func TestEvalError_ResolvedInstanceStillAgesOut(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base) // firing

	at := base.Add(15 * time.Second)
	addCPU(st, at, 10)
	ev.EvalTick(at) // resolved

	// The rule now errors every tick (no data for its metric).
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "vanished_metric > 90", 0, nil)})

	ev.EvalTick(at.Add(time.Minute))
	if got := ev.Alerts(nil, StateResolved); len(got) != 1 {
		t.Fatalf("within retention: got %d resolved, want 1", len(got))
	}

	ev.EvalTick(at.Add(6 * time.Minute))
	if got := ev.Alerts(nil); len(got) != 0 {
		t.Fatalf("past retention under eval errors: got %d alerts, want 0", len(got))
	}
}

func TestSetRules_RemovedRuleResolves(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil)})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	ev.SetRules(nil)
	at := base.Add(15 * time.Second)
	ev.EvalTick(at)

	a := singleAlert(t, ev)
	if a.State != StateResolved {
		t.Fatalf("after rule removal: got %s, want resolved", a.State)
	}
}

func TestNotify_CarriesFiringAndResolvedOnly(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	var last []*Alert
	ev := testEvaluator(t, st, func(as []*Alert) { last = as })
	ev.SetRules([]*Rule{
		mustRule(t, "cpu_high", "cpu_usage > 90", 0, nil),
		mustRule(t, "cpu_warm", "cpu_usage > 50", time.Hour, nil), // stays pending
	})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	if len(last) != 1 {
		t.Fatalf("notify batch: got %d alerts, want 1", len(last))
	}
	if last[0].Name() != "cpu_high" || last[0].State != StateFiring {
		t.Errorf("notify batch: got %s/%s", last[0].Name(), last[0].State)
	}
}

func TestAlerts_FilterByMatcherAndState(t *testing.T) {
	base := time.Now()
	st := store.New(time.Hour)
	ev := testEvaluator(t, st, nil)
	ev.SetRules([]*Rule{
		mustRule(t, "cpu_high", "cpu_usage > 90", 0, model.LabelSet{"severity": "page"}),
		mustRule(t, "cpu_warm", "cpu_usage > 50", time.Hour, model.LabelSet{"severity": "ticket"}),
	})

	addCPU(st, base, 95)
	ev.EvalTick(base)

	ms, err := labels.Parse("severity=page")
	if err != nil {
		t.Fatal(err)
	}
	if got := ev.Alerts(ms); len(got) != 1 {
		t.Fatalf("filter severity=page: got %d, want 1", len(got))
	}
	if got := ev.Alerts(nil, StatePending); len(got) != 1 {
		t.Fatalf("filter pending: got %d, want 1", len(got))
	}
	if got := ev.Alerts(nil); len(got) != 2 {
		t.Fatalf("no filter: got %d, want 2", len(got))
	}
}

// Replaying the same samples and ticks into a fresh evaluator must
// reproduce identical lifecycle timestamps.
func TestReplay_Deterministic(t *testing.T) {
	base := time.Unix(1700000000, 0)

	run := func() *Alert {
		st := store.New(time.Hour)
		ev := testEvaluator(t, st, nil)
		ev.SetRules([]*Rule{mustRule(t, "cpu_high", "cpu_usage > 90", 2*time.Minute, nil)})
		for i := 0; i <= 20; i++ {
			at := base.Add(time.Duration(i) * 15 * time.Second)
			addCPU(st, at, 95)
			ev.EvalTick(at)
		}
		return singleAlert(t, ev)
	}

	a, b := run(), run()
	if !a.ActiveAt.Equal(b.ActiveAt) || !a.FiredAt.Equal(b.FiredAt) || a.State != b.State {
		t.Fatalf("replay diverged: %+v vs %+v", a, b)
	}
	if want := base.Add(2 * time.Minute); !a.FiredAt.Equal(want) {
		t.Errorf("FiredAt: got %v, want %v", a.FiredAt, want)
	}
}
